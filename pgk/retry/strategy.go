// Package retry computes the delay before a failed job is attempted again.
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Strategy string

const (
	Fixed       Strategy = "fixed"
	Linear      Strategy = "linear"
	Exponential Strategy = "exponential"
)

// DefaultBaseDelay is used with Exponential when a queue has no retry policy.
const DefaultBaseDelay = 5 * time.Second

func (s Strategy) String() string {
	return string(s)
}

func (s Strategy) Valid() bool {
	switch s {
	case Fixed, Linear, Exponential:
		return true
	}
	return false
}

// ParseStrategy accepts the strategy name in any case.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown retry strategy %q", name)
	}
	return s, nil
}

// UnmarshalText lets env and yaml decoders fill Strategy fields.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Delay maps the attempt count (including the attempt that just failed) to the wait
// before the next one:
//
//	Fixed       -> base
//	Linear      -> attempts * base
//	Exponential -> 2^(attempts-1) * base
//
// An unknown strategy or a non-positive base falls back to DefaultDelay.
func Delay(attempts int, strategy Strategy, base time.Duration) time.Duration {
	if base <= 0 || !strategy.Valid() {
		return DefaultDelay(attempts)
	}
	if attempts < 1 {
		attempts = 1
	}

	switch strategy {
	case Fixed:
		return base
	case Linear:
		return saturatingMul(base, int64(attempts))
	default:
		shift := attempts - 1
		if shift >= 62 {
			return time.Duration(math.MaxInt64)
		}
		return saturatingMul(base, int64(1)<<shift)
	}
}

// DefaultDelay is exponential backoff from a 5 second base.
func DefaultDelay(attempts int) time.Duration {
	return Delay(attempts, Exponential, DefaultBaseDelay)
}

func saturatingMul(d time.Duration, n int64) time.Duration {
	if n != 0 && int64(d) > math.MaxInt64/n {
		return time.Duration(math.MaxInt64)
	}
	return d * time.Duration(n)
}
