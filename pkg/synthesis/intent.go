package synthesis

import "strings"

// TemporalIntent is the inferred execution cadence of a goal.
type TemporalIntent int

const (
	// Continuous agents run indefinitely.
	Continuous TemporalIntent = iota
	// Scheduled agents run on a recurring schedule.
	Scheduled
	// OneShot agents run once or a bounded number of times.
	OneShot
)

func (t TemporalIntent) String() string {
	switch t {
	case OneShot:
		return "one-shot"
	case Scheduled:
		return "scheduled"
	case Continuous:
		return "continuous"
	default:
		return "unknown"
	}
}

var oneShotKeywords = []string{
	"run once",
	"one time",
	"single time",
	"execute once",
	"just once",
	"do once",
	"perform once",
}

var scheduleKeywords = []string{
	"every",
	"daily",
	"hourly",
	"weekly",
	"monthly",
	"cron",
	"at midnight",
	"at noon",
	"schedule",
	"periodically",
	"regularly",
	"each day",
	"each hour",
	"each week",
	"each month",
}

// DetectTemporalIntent infers the execution cadence from goal text. This is
// advisory keyword matching, not a time-expression parser; ambiguous
// phrasing falls through to Continuous, which is always a safe default.
func DetectTemporalIntent(goal string) TemporalIntent {
	lower := strings.ToLower(goal)

	for _, kw := range oneShotKeywords {
		if strings.Contains(lower, kw) {
			return OneShot
		}
	}
	for _, kw := range scheduleKeywords {
		if strings.Contains(lower, kw) {
			return Scheduled
		}
	}
	return Continuous
}
