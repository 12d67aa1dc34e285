package interceptor

import "github.com/wbrown/sharedplan"

// AdjustedCost implements spec §4.6's "Cost-adjustment trick" and §9's
// acknowledgment that the exact margin formula is a hand-tuned knob, not
// an invariant: it exists only to persuade the host's own per-session
// plan cache (which compares custom vs generic using an additive margin
// of 1000*cpu_operator_cost*(num_rtable+1)) to accept our generic plan
// instead of building its own.
func AdjustedCost(cfg sharedplan.Config, originalCost float64, numRTable int, bypass int64) float64 {
	margin := 1000 * cfg.CPUOperatorCost * float64(numRTable+1)

	denom := float64(cfg.HostThreshold - cfg.Threshold)
	if denom == 0 {
		denom = 1
	}
	adjustment := (margin*float64(cfg.Threshold))/denom + 0.01

	adjusted := originalCost - adjustment

	if !cfg.DisablePlanCache {
		if adjusted <= 0 {
			adjusted = 0.01
		}
		return adjusted
	}

	// disable_plan_cache permits negative costs, amplified once bypass
	// has demonstrated stable use (spec §4.6).
	if bypass > 0 {
		adjusted *= 2
	}
	return adjusted
}
