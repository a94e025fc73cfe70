package worker

import (
	"testing"
	"time"
)

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	hourAgo := now.Add(-time.Hour)
	tenMinAgo := now.Add(-10 * time.Minute)
	twoDaysAgo := now.Add(-48 * time.Hour)

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"hourly never ran", "@hourly", nil, true},
		{"hourly due", "@hourly", &hourAgo, true},
		{"hourly not due", "@hourly", &tenMinAgo, false},
		{"daily due", "@daily", &twoDaysAgo, true},
		{"daily not due", "@daily", &hourAgo, false},
		{"weekly not due", "@weekly", &twoDaysAgo, false},
		{"cron never ran", "0 0 * * *", nil, true},
		{"cron midnight passed since last", "0 0 * * *", &twoDaysAgo, true},
		{"cron midnight not reached", "0 0 * * *", &tenMinAgo, false},
		{"invalid spec falls back to daily", "not a cron", &twoDaysAgo, true},
		{"invalid spec recent run", "not a cron", &hourAgo, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDue(tc.spec, tc.last, now); got != tc.want {
				t.Fatalf("isDue(%q, %v) = %v, want %v", tc.spec, tc.last, got, tc.want)
			}
		})
	}
}
