package enums

import (
	"fmt"
	"strings"
)

// PaymentStatus tracks an order through payment reconciliation.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusRequested PaymentStatus = "REQUESTED"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusRequested,
	PaymentStatusPaid,
	PaymentStatusFailed,
	PaymentStatusCancelled,
}

// String implements fmt.Stringer.
func (p PaymentStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentStatus.
func (p PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}

// ParseGatewayPaymentStatus maps the gateway's vocabulary onto PaymentStatus.
func ParseGatewayPaymentStatus(value string) (PaymentStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "SUCCESS", "PAID":
		return PaymentStatusPaid, nil
	case "FAILED":
		return PaymentStatusFailed, nil
	case "PENDING", "REQUESTED":
		return PaymentStatusRequested, nil
	case "CANCELLED", "CANCELED":
		return PaymentStatusCancelled, nil
	}
	return "", fmt.Errorf("invalid gateway payment status %q", value)
}
