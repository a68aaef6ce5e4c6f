package synthesis

import "testing"

func TestDetectTemporalIntent(t *testing.T) {
	tests := []struct {
		name string
		goal string
		want TemporalIntent
	}{
		{"explicit once", "Run once and summarize the sales report", OneShot},
		{"just once", "Fetch the changelog just once", OneShot},
		{"daily", "Send a daily weather summary to the team channel", Scheduled},
		{"every", "Check the queue every 5 minutes", Scheduled},
		{"cron-like", "At midnight, rotate the report archive", Scheduled},
		{"each week", "Compile a digest each week", Scheduled},
		{"no hint", "Answer customer questions about our pricing", Continuous},
		{"ambiguous", "Keep an eye on the build status", Continuous},
		// One-shot phrasing wins over schedule phrasing.
		{"mixed", "Run once to backfill every record", OneShot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectTemporalIntent(tt.goal); got != tt.want {
				t.Errorf("DetectTemporalIntent(%q) = %v, want %v", tt.goal, got, tt.want)
			}
		})
	}
}
