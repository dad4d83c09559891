package engine

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	defaultBackoffMin    = time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultBackoffFactor = 2.0
	defaultMaxRetries    = 5
)

// RestartPolicy drives automatic restarts of auto_restart entries.
type RestartPolicy struct {
	MaxRetries int
	Min        time.Duration
	Max        time.Duration
	Factor     float64
}

func (p RestartPolicy) normalized() RestartPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Min <= 0 {
		p.Min = defaultBackoffMin
	}
	if p.Max <= 0 {
		p.Max = defaultBackoffMax
	}
	if p.Max < p.Min {
		p.Max = p.Min
	}
	if p.Factor <= 1 {
		p.Factor = defaultBackoffFactor
	}
	return p
}

// delay returns the base delay before retry attempt n, counting from 1.
func (p RestartPolicy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.Min
	}
	next := float64(p.Min) * math.Pow(p.Factor, float64(attempt-1))
	if math.IsInf(next, 0) || next > float64(p.Max) {
		return p.Max
	}
	d := time.Duration(next)
	if d < p.Min {
		d = p.Min
	}
	return d
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Full jitter: random duration in [0, d].
	return time.Duration(rand.Float64() * float64(d))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
