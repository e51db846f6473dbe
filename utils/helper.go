package utils

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// RoundForDisplay applies the two-decimal money rounding used at the
// presentation boundary. Comparisons and accumulation always use the
// unrounded decimal.
func RoundForDisplay(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DaysRemaining is max(0, whole days from now until deadline).
func DaysRemaining(deadline, now time.Time) int {
	if !deadline.After(now) {
		return 0
	}
	return int(deadline.Sub(now).Hours() / 24)
}

func ParseDateOnly(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
