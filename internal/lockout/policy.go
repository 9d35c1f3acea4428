// Package lockout implements progressive account lockout with
// escalation to a permanent lock for repeat offenders.
package lockout

import (
	"time"

	"github.com/marketlens/backend/internal/repository"
)

// threshold maps an exact failure count inside the rolling window to
// the lock it engages.
type threshold struct {
	failures int
	duration time.Duration
	tier     int
}

// Escalation schedule. Counts are exact-match on purpose: the guard in
// the repository fires each lock exactly once even when failures land
// concurrently, because only the attempt that moved the counter onto
// the threshold engages it.
var schedule = []threshold{
	{failures: 3, duration: 5 * time.Minute, tier: repository.Tier5Min},
	{failures: 5, duration: 15 * time.Minute, tier: repository.Tier15Min},
	{failures: 10, duration: time.Hour, tier: repository.Tier1Hour},
	{failures: 20, duration: 24 * time.Hour, tier: repository.Tier24Hour},
}

// thresholdFor returns the schedule entry engaged by reaching exactly
// count failures, or nil when count is not on a threshold.
func thresholdFor(count int) *threshold {
	for i := range schedule {
		if schedule[i].failures == count {
			return &schedule[i]
		}
	}
	return nil
}
