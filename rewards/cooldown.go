package rewards

import "time"

// Eligibility is the outcome of the ad cooldown gate.
type Eligibility struct {
	Allowed        bool
	Remaining      time.Duration
	NextEligibleAt time.Time
}

// Eligible reports whether an ad reward may be granted at now, given the
// time of the last granted ad. A user who never watched an ad is always
// eligible.
func Eligible(last *time.Time, now time.Time, cooldown time.Duration) Eligibility {
	if last == nil {
		return Eligibility{Allowed: true, NextEligibleAt: now}
	}

	next := last.Add(cooldown)
	elapsed := now.Sub(*last)
	if elapsed >= cooldown {
		return Eligibility{Allowed: true, NextEligibleAt: next}
	}
	return Eligibility{
		Allowed:        false,
		Remaining:      cooldown - elapsed,
		NextEligibleAt: next,
	}
}
