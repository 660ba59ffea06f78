// Copyright 2025 James Ross
package calculators

// BacklogDrain computes the number of workers needed to prevent an SLA
// breach given the current backlog and how old the oldest eligible job is.
// The progressive multiplier (step 5) is what turns a reactive drain
// calculation into proactive breach prevention; it is keyed on oldest-job
// age rather than predicted pickup time because age is a directly measured
// quantity while pickup time is a model output that can lie under rate
// shifts.
func BacklogDrain(backlog, oldestJobAgeSec, slaTargetSec int, avgJobTimeSec, breachThreshold float64) float64 {
	if backlog == 0 || avgJobTimeSec <= 0 {
		return 0
	}

	slaTarget := float64(slaTargetSec)

	if oldestJobAgeSec == 0 {
		denom := slaTarget / avgJobTimeSec
		if denom < 1 {
			denom = 1
		}
		return float64(backlog) / denom
	}

	oldestAge := float64(oldestJobAgeSec)
	progress := oldestAge / slaTarget
	if progress > 1.5 {
		progress = 1.5
	}
	if progress < breachThreshold {
		return 0
	}

	timeUntilBreach := slaTarget - oldestAge
	var base float64
	if timeUntilBreach > 0 {
		denom := timeUntilBreach / avgJobTimeSec
		if denom < 1 {
			denom = 1
		}
		base = float64(backlog) / denom
	} else {
		denom := avgJobTimeSec
		if denom < 0.1 {
			denom = 0.1
		}
		base = float64(backlog) / denom
	}

	var multiplier float64
	switch {
	case progress >= 1.0:
		multiplier = 3.0
	case progress >= 0.9:
		multiplier = 2.0
	case progress >= 0.8:
		multiplier = 1.5
	case progress >= 0.5:
		multiplier = 1.2
	default:
		multiplier = 1.0
	}

	return base * multiplier
}
