// Package payments reconciles an order's payment status against the gateway.
package payments

import "github.com/angelmondragon/commerce-pipeline/pkg/enums"

// Decision is the outcome of comparing a reported status with the stored one.
type Decision int

const (
	// DecisionReject marks a regression or an unreachable status.
	DecisionReject Decision = iota
	// DecisionApply moves the order to the reported status.
	DecisionApply
	// DecisionNoOp is a redelivery of the current status.
	DecisionNoOp
	// DecisionEarly means the report arrived before REQUESTED was stored.
	DecisionEarly
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionNoOp:
		return "noop"
	case DecisionEarly:
		return "early"
	}
	return "reject"
}

var transitions = map[enums.PaymentStatus][]enums.PaymentStatus{
	enums.PaymentStatusPending:   {enums.PaymentStatusRequested, enums.PaymentStatusFailed},
	enums.PaymentStatusRequested: {enums.PaymentStatusPaid, enums.PaymentStatusFailed},
	enums.PaymentStatusPaid:      {enums.PaymentStatusCancelled},
}

// Transition decides what to do with target given the stored current status.
// Statuses only move forward along
// PENDING -> REQUESTED -> {PAID | FAILED}, PAID -> CANCELLED, and
// PENDING -> FAILED when the request never reached the gateway.
func Transition(current, target enums.PaymentStatus) Decision {
	if !current.IsValid() || !target.IsValid() {
		return DecisionReject
	}
	if current == target {
		return DecisionNoOp
	}
	for _, next := range transitions[current] {
		if next == target {
			return DecisionApply
		}
	}
	if current == enums.PaymentStatusPending && target != enums.PaymentStatusPending {
		return DecisionEarly
	}
	return DecisionReject
}

// TransitionFromCallback is Transition for statuses reported by the gateway.
// PENDING -> FAILED belongs to dispatch failures only; a FAILED report for a
// PENDING order is early, since the request it answers is not stored yet.
func TransitionFromCallback(current, target enums.PaymentStatus) Decision {
	if current == enums.PaymentStatusPending && target == enums.PaymentStatusFailed {
		return DecisionEarly
	}
	return Transition(current, target)
}
