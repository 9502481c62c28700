package taskengine

import (
	"math"
	"math/rand"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// ComputeBackoffMs computes the retry delay for a given attempt number,
// supporting a FIXED or EXPONENTIAL strategy with optional full jitter.
func ComputeBackoffMs(attempt int, cfg model.Backoff) int64 {
	var raw int64
	if cfg.Strategy == model.BackoffFixed {
		raw = cfg.BaseMs
	} else {
		exp := attempt - 1
		if exp < 0 {
			exp = 0
		}
		// Guard against overflow for pathologically large attempt counts;
		// the cap below makes the exact magnitude irrelevant past ~63 shifts.
		if exp > 62 {
			exp = 62
		}
		raw = cfg.BaseMs * int64(math.Pow(2, float64(exp)))
	}

	capped := raw
	if cfg.MaxMs > 0 && capped > cfg.MaxMs {
		capped = cfg.MaxMs
	}

	if cfg.Jitter == model.JitterFull {
		return int64(rand.Float64() * float64(capped))
	}
	return capped
}
