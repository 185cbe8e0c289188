package strategy

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone %s unavailable: %v", name, err)
	}
	return loc
}

func TestPreviousPeriod(t *testing.T) {
	kolkata := mustLoc(t, "Asia/Kolkata")
	tests := []struct {
		name      string
		asOf      time.Time
		tf        string
		loc       *time.Location
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "4h mid period",
			asOf:      time.Date(2024, 3, 5, 10, 17, 0, 0, kolkata),
			tf:        "4h",
			loc:       kolkata,
			wantStart: time.Date(2024, 3, 5, 4, 0, 0, 0, kolkata),
			wantEnd:   time.Date(2024, 3, 5, 8, 0, 0, 0, kolkata),
		},
		{
			name:      "4h exactly on boundary",
			asOf:      time.Date(2024, 3, 5, 8, 0, 0, 0, kolkata),
			tf:        "4h",
			loc:       kolkata,
			wantStart: time.Date(2024, 3, 5, 4, 0, 0, 0, kolkata),
			wantEnd:   time.Date(2024, 3, 5, 8, 0, 0, 0, kolkata),
		},
		{
			name:      "1h across midnight",
			asOf:      time.Date(2024, 3, 5, 0, 30, 0, 0, kolkata),
			tf:        "1h",
			loc:       kolkata,
			wantStart: time.Date(2024, 3, 4, 23, 0, 0, 0, kolkata),
			wantEnd:   time.Date(2024, 3, 5, 0, 0, 0, 0, kolkata),
		},
		{
			name:      "daily",
			asOf:      time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC),
			tf:        "1d",
			loc:       time.UTC,
			wantStart: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly starts monday",
			asOf:      time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC), // Thursday
			tf:        "1w",
			loc:       time.UTC,
			wantStart: time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf, err := ParseTimeframe(tt.tf)
			if err != nil {
				t.Fatalf("ParseTimeframe: %v", err)
			}
			start, end := PreviousPeriod(tt.asOf, tf, tt.loc)
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Fatalf("got %s..%s, want %s..%s", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestNextPeriodStart(t *testing.T) {
	at := time.Date(2024, 3, 5, 10, 17, 0, 0, time.UTC)
	if got, want := NextPeriodStart(at, 15*time.Minute, time.UTC), time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("15m: got %s want %s", got, want)
	}
	if got, want := NextPeriodStart(at, 24*time.Hour, time.UTC), time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("1d: got %s want %s", got, want)
	}
}

func TestResolutionFor(t *testing.T) {
	kolkata := mustLoc(t, "Asia/Kolkata")
	tests := []struct {
		name      string
		tf        time.Duration
		loc       *time.Location
		asOf      time.Time
		wantRes   time.Duration
		wantCount int
	}{
		// 04:00 IST is 22:30 UTC, so hourly buckets do not line up
		{name: "4h in IST", tf: 4 * time.Hour, loc: kolkata, asOf: time.Date(2024, 3, 5, 10, 0, 0, 0, kolkata), wantRes: 30 * time.Minute, wantCount: 8},
		{name: "4h in UTC", tf: 4 * time.Hour, loc: time.UTC, asOf: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), wantRes: 4 * time.Hour, wantCount: 1},
		{name: "15m", tf: 15 * time.Minute, loc: kolkata, asOf: time.Date(2024, 3, 5, 10, 20, 0, 0, kolkata), wantRes: 15 * time.Minute, wantCount: 1},
		{name: "1d in UTC", tf: 24 * time.Hour, loc: time.UTC, asOf: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), wantRes: 24 * time.Hour, wantCount: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := PreviousPeriod(tt.asOf, tt.tf, tt.loc)
			res, n := resolutionFor(start, end)
			if res != tt.wantRes || n != tt.wantCount {
				t.Fatalf("got %s x%d, want %s x%d", res, n, tt.wantRes, tt.wantCount)
			}
		})
	}
}

func TestParseTimeframeRejectsUnknown(t *testing.T) {
	if _, err := ParseTimeframe("7m"); err == nil {
		t.Fatalf("expected error")
	}
}
