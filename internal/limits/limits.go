// Package limits enforces sliding-window caps on order placement.
//
// Each side of the market may carry a list of rules like {"period": "1h",
// "amount": 50}: over any trailing window of the rule's period, the summed
// amount of recorded placements must stay at or below the cap. The history
// of placements outlives bands-config reloads — the keeper owns one History
// per side and rebuilds the rule set from each config snapshot.
package limits

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Unlimited is the allowance returned when no rules are configured.
// Large enough to never clamp a realistic placement.
var Unlimited = decimal.New(1, 33)

// Rule caps the total placed amount over a trailing window.
type Rule struct {
	Period time.Duration
	Amount decimal.Decimal
}

var periodUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseRule parses a period of the form "<N><s|m|h|d|w>" and a cap amount.
func ParseRule(period string, amount decimal.Decimal) (Rule, error) {
	period = strings.TrimSpace(period)
	if len(period) < 2 {
		return Rule{}, fmt.Errorf("invalid limit period %q", period)
	}
	unit, ok := periodUnits[period[len(period)-1]]
	if !ok {
		return Rule{}, fmt.Errorf("invalid limit period unit in %q", period)
	}
	n, err := strconv.Atoi(period[:len(period)-1])
	if err != nil || n <= 0 {
		return Rule{}, fmt.Errorf("invalid limit period %q", period)
	}
	if amount.IsNegative() {
		return Rule{}, fmt.Errorf("limit amount must not be negative, got %s", amount)
	}
	return Rule{Period: time.Duration(n) * unit, Amount: amount}, nil
}

type entry struct {
	at     time.Time
	amount decimal.Decimal
}

// History is the append-only record of placements for one side.
// Single-writer: only the control task records into it.
type History struct {
	entries []entry
}

// NewHistory creates an empty placement history.
func NewHistory() *History {
	return &History{}
}

// Record appends a placement of the given amount at the given time.
func (h *History) Record(amount decimal.Decimal, now time.Time) {
	h.entries = append(h.entries, entry{at: now, amount: amount})
}

// usedWithin sums amounts recorded in (now-period, now].
func (h *History) usedWithin(period time.Duration, now time.Time) decimal.Decimal {
	cutoff := now.Add(-period)
	used := decimal.Zero
	for _, e := range h.entries {
		if e.at.After(cutoff) && !e.at.After(now) {
			used = used.Add(e.amount)
		}
	}
	return used
}

// Prune drops entries older than the given retention before now.
// Retention must be at least the largest period of any active rule.
func (h *History) Prune(retention time.Duration, now time.Time) {
	cutoff := now.Add(-retention)
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Len reports the number of retained history entries.
func (h *History) Len() int {
	return len(h.entries)
}

// Limits evaluates a rule set for one side against a placement history.
// Rebuilt from each bands-config snapshot; the History persists.
type Limits struct {
	rules   []Rule
	history *History
}

// New binds a rule set to a placement history.
func New(rules []Rule, history *History) *Limits {
	return &Limits{rules: rules, history: history}
}

// Available returns the maximum additional amount allowed at the given
// time: the minimum per-rule allowance, or Unlimited with no rules.
// It also prunes history entries older than the largest active window.
func (l *Limits) Available(now time.Time) decimal.Decimal {
	if len(l.rules) == 0 {
		return Unlimited
	}

	maxPeriod := time.Duration(0)
	available := Unlimited
	for _, rule := range l.rules {
		if rule.Period > maxPeriod {
			maxPeriod = rule.Period
		}
		left := rule.Amount.Sub(l.history.usedWithin(rule.Period, now))
		if left.IsNegative() {
			left = decimal.Zero
		}
		if left.LessThan(available) {
			available = left
		}
	}

	l.history.Prune(maxPeriod, now)
	return available
}

// Record notes a placement in the underlying history.
func (l *Limits) Record(amount decimal.Decimal, now time.Time) {
	l.history.Record(amount, now)
}
