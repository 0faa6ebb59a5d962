package bands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"bandkeeper/internal/limits"
	"bandkeeper/pkg/types"
)

// rawBand mirrors one band object of the JSON document.
type rawBand struct {
	MinMargin  decimal.Decimal `json:"minMargin"`
	AvgMargin  decimal.Decimal `json:"avgMargin"`
	MaxMargin  decimal.Decimal `json:"maxMargin"`
	MinAmount  decimal.Decimal `json:"minAmount"`
	AvgAmount  decimal.Decimal `json:"avgAmount"`
	MaxAmount  decimal.Decimal `json:"maxAmount"`
	DustCutoff decimal.Decimal `json:"dustCutoff"`
}

// rawLimit mirrors one limit rule of the JSON document.
type rawLimit struct {
	Period string          `json:"period"`
	Amount decimal.Decimal `json:"amount"`
}

var knownKeys = map[string]bool{
	"buyBands":   true,
	"sellBands":  true,
	"buyLimits":  true,
	"sellLimits": true,
}

// Parse decodes and validates a bands document. Any validation failure
// rejects the whole document; the caller keeps its previous snapshot.
// Unknown top-level keys are tolerated only when prefixed with "_"
// (documentation anchors).
func Parse(data []byte) (*Bands, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parse bands document: %w", err)
	}
	for key := range top {
		if !knownKeys[key] && !strings.HasPrefix(key, "_") {
			return nil, fmt.Errorf("unknown key %q in bands document", key)
		}
	}

	b := &Bands{}
	var err error
	if b.Buy, err = parseSide(top["buyBands"], types.Buy); err != nil {
		return nil, fmt.Errorf("buyBands: %w", err)
	}
	if b.Sell, err = parseSide(top["sellBands"], types.Sell); err != nil {
		return nil, fmt.Errorf("sellBands: %w", err)
	}
	if b.BuyLimitRules, err = parseLimits(top["buyLimits"]); err != nil {
		return nil, fmt.Errorf("buyLimits: %w", err)
	}
	if b.SellLimitRules, err = parseLimits(top["sellLimits"]); err != nil {
		return nil, fmt.Errorf("sellLimits: %w", err)
	}

	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func parseSide(raw json.RawMessage, side types.Side) ([]Band, error) {
	if raw == nil {
		return nil, nil
	}
	var rawBands []rawBand
	if err := json.Unmarshal(raw, &rawBands); err != nil {
		return nil, err
	}
	out := make([]Band, 0, len(rawBands))
	for i, rb := range rawBands {
		band := Band{
			Side:       side,
			MinMargin:  rb.MinMargin,
			AvgMargin:  rb.AvgMargin,
			MaxMargin:  rb.MaxMargin,
			MinAmount:  rb.MinAmount,
			AvgAmount:  rb.AvgAmount,
			MaxAmount:  rb.MaxAmount,
			DustCutoff: rb.DustCutoff,
		}
		if err := band.validate(); err != nil {
			return nil, fmt.Errorf("band %d: %w", i, err)
		}
		out = append(out, band)
	}
	return out, nil
}

func parseLimits(raw json.RawMessage) ([]limits.Rule, error) {
	if raw == nil {
		return nil, nil
	}
	var rawLimits []rawLimit
	if err := json.Unmarshal(raw, &rawLimits); err != nil {
		return nil, err
	}
	out := make([]limits.Rule, 0, len(rawLimits))
	for i, rl := range rawLimits {
		rule, err := limits.ParseRule(rl.Period, rl.Amount)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}
