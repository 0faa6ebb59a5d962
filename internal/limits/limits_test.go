package limits

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestParseRuleUnits(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Duration{
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"1h":  time.Hour,
		"2d":  48 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		rule, err := ParseRule(in, dec("10"))
		if err != nil {
			t.Fatalf("ParseRule(%q): %v", in, err)
		}
		if rule.Period != want {
			t.Errorf("ParseRule(%q) period = %v, want %v", in, rule.Period, want)
		}
	}
}

func TestParseRuleRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "h", "10", "1y", "-1h", "x5m"} {
		if _, err := ParseRule(in, dec("10")); err == nil {
			t.Errorf("ParseRule(%q) accepted, want error", in)
		}
	}
	if _, err := ParseRule("1h", dec("-5")); err == nil {
		t.Error("negative cap accepted, want error")
	}
}

func TestAvailableNoRulesIsUnlimited(t *testing.T) {
	t.Parallel()

	l := New(nil, NewHistory())
	if got := l.Available(time.Now()); !got.Equal(Unlimited) {
		t.Errorf("Available = %s, want Unlimited", got)
	}
}

func TestAvailableSlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	rule, _ := ParseRule("1h", dec("50"))
	h := NewHistory()
	l := New([]Rule{rule}, h)

	// A placement of 45 half an hour ago leaves 5 of headroom.
	h.Record(dec("45"), now.Add(-30*time.Minute))
	if got := l.Available(now); !got.Equal(dec("5")) {
		t.Errorf("Available = %s, want 5", got)
	}

	// Once the placement falls out of the window, the full cap is back.
	later := now.Add(31 * time.Minute)
	if got := l.Available(later); !got.Equal(dec("50")) {
		t.Errorf("Available after window = %s, want 50", got)
	}
}

func TestAvailableTakesMinimumAcrossRules(t *testing.T) {
	t.Parallel()

	now := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	hour, _ := ParseRule("1h", dec("100"))
	day, _ := ParseRule("1d", dec("120"))
	h := NewHistory()
	l := New([]Rule{hour, day}, h)

	h.Record(dec("90"), now.Add(-2*time.Hour)) // outside 1h, inside 1d
	h.Record(dec("20"), now.Add(-10*time.Minute))

	// 1h rule allows 80 more, 1d rule only 10.
	if got := l.Available(now); !got.Equal(dec("10")) {
		t.Errorf("Available = %s, want 10", got)
	}
}

func TestAvailableClampsAtZero(t *testing.T) {
	t.Parallel()

	now := time.Now()
	rule, _ := ParseRule("1h", dec("50"))
	h := NewHistory()
	l := New([]Rule{rule}, h)

	h.Record(dec("70"), now.Add(-time.Minute))
	if got := l.Available(now); !got.Equal(decimal.Zero) {
		t.Errorf("Available = %s, want 0", got)
	}
}

func TestHistoryPruning(t *testing.T) {
	t.Parallel()

	now := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	rule, _ := ParseRule("1h", dec("50"))
	h := NewHistory()
	l := New([]Rule{rule}, h)

	h.Record(dec("10"), now.Add(-3*time.Hour))
	h.Record(dec("10"), now.Add(-30*time.Minute))

	l.Available(now)
	if h.Len() != 1 {
		t.Errorf("history length after prune = %d, want 1", h.Len())
	}
}

func TestHistorySurvivesRuleRebuild(t *testing.T) {
	t.Parallel()

	now := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory()
	rule, _ := ParseRule("1h", dec("50"))

	first := New([]Rule{rule}, h)
	first.Record(dec("45"), now)

	// A fresh Limits over the same history still sees the usage.
	second := New([]Rule{rule}, h)
	if got := second.Available(now.Add(time.Minute)); !got.Equal(dec("5")) {
		t.Errorf("Available = %s, want 5", got)
	}
}
