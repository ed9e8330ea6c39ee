package router

import (
	"fmt"
	"time"

	"github.com/yanet-platform/daqfabric/internal/router/policy"
)

// buildPolicy constructs the configured policy implementation.
func buildPolicy(cfg PolicyConfig, receivers []int32) (policy.Policy, error) {
	switch cfg.Name {
	case "", "NoOp":
		return policy.NoOp{}, nil
	case "RoundRobin":
		return policy.NewRoundRobin(receivers, cfg.MinParticipants), nil
	case "CapacityTest":
		return policy.NewCapacityTest(receivers, cfg.Percent), nil
	case "NthEvent":
		return policy.NewNthEvent(receivers, cfg.N, cfg.Target), nil
	default:
		return nil, fmt.Errorf("router: unknown policy %q", cfg.Name)
	}
}

// nextInterval applies the adaptive-interval rule of spec §4.3: shrink by
// 10% if the last table consumed more than 75% of available tokens, grow
// by 10% if it consumed less than 50%, clamped to [1ms, max].
func nextInterval(current time.Duration, used, total int, max time.Duration) time.Duration {
	if total == 0 {
		return current
	}

	ratio := float64(used) / float64(total)
	next := current
	switch {
	case ratio > 0.75:
		next = time.Duration(float64(current) * 0.9)
	case ratio < 0.5:
		next = time.Duration(float64(current) * 1.1)
	}

	if next < time.Millisecond {
		next = time.Millisecond
	}
	if next > max {
		next = max
	}
	return next
}
