package enums

import "fmt"

type CouponStatus string

const (
	CouponStatusIssued  CouponStatus = "ISSUED"
	CouponStatusUsed    CouponStatus = "USED"
	CouponStatusExpired CouponStatus = "EXPIRED"
)

var validCouponStatuses = []CouponStatus{
	CouponStatusIssued,
	CouponStatusUsed,
	CouponStatusExpired,
}

func (c CouponStatus) String() string {
	return string(c)
}

func (c CouponStatus) IsValid() bool {
	for _, candidate := range validCouponStatuses {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCouponStatus converts raw input into a CouponStatus.
func ParseCouponStatus(value string) (CouponStatus, error) {
	for _, candidate := range validCouponStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid coupon status %q", value)
}
