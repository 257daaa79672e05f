package triage

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"triagebot/internal/domain"
)

var fieldNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// NormalizeOptions restricts which producer output is accepted.
type NormalizeOptions struct {
	// AllowedFields, when non-empty, is the closed set of writable fields.
	AllowedFields []string
}

func (o NormalizeOptions) allows(field string) bool {
	if len(o.AllowedFields) == 0 {
		return true
	}
	for _, f := range o.AllowedFields {
		if strings.EqualFold(strings.TrimSpace(f), field) {
			return true
		}
	}
	return false
}

// Normalize validates raw producer output for one ticket. Malformed
// entries never fail the batch; they come back as skipped with a reason.
func Normalize(ticket domain.Ticket, raws []domain.RawRecommendation, opts NormalizeOptions) ([]domain.Recommendation, []domain.SkippedRecommendation) {
	ref := ticket.Ref()
	var recs []domain.Recommendation
	var skipped []domain.SkippedRecommendation

	skip := func(field, format string, args ...any) {
		skipped = append(skipped, domain.SkippedRecommendation{
			Ticket: ref,
			Field:  field,
			Reason: fmt.Sprintf(format, args...),
		})
	}

	for _, raw := range raws {
		field := strings.ToLower(strings.TrimSpace(raw.Field))
		if !fieldNameRe.MatchString(field) {
			skip(field, "malformed field name %q", raw.Field)
			continue
		}
		if !opts.allows(field) {
			skip(field, "field %q is not writable", field)
			continue
		}
		if action := strings.ToLower(strings.TrimSpace(raw.Action)); action != "" && action != "new" && action != "set" {
			skip(field, "producer action %q is not actionable", raw.Action)
			continue
		}

		proposed, ok := decodeValue(raw.Proposed)
		if !ok || proposed == "" {
			skip(field, "missing or undecodable proposed value")
			continue
		}

		confidence, err := decodeConfidence(raw.Confidence)
		if err != nil {
			skip(field, "%v", err)
			continue
		}

		// A field read from the store is authoritative; the producer's
		// current value is only used for fields the query did not return.
		var current *domain.Value
		if v, read := ticket.Fields[field]; read {
			if v != "" {
				current = &v
			}
		} else if v, ok := decodeValue(raw.Current); ok && v != "" {
			current = &v
		}
		if current != nil && current.Equal(proposed) {
			skip(field, "proposed value equals current value %q", string(*current))
			continue
		}

		recs = append(recs, domain.Recommendation{
			Ticket:        ref,
			Field:         field,
			CurrentValue:  current,
			ProposedValue: proposed,
			Confidence:    confidence,
			Rationale:     strings.TrimSpace(raw.Rationale),
		})
	}
	return recs, skipped
}

// decodeValue accepts a JSON string, number or array of strings/numbers.
// Placeholder strings such as "None" decode to the empty value.
func decodeValue(raw json.RawMessage) (domain.Value, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", true
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if isPlaceholder(asString) {
			return "", true
		}
		return domain.JoinValue(strings.Split(asString, ",")), true
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return domain.Value(strconv.FormatFloat(asNumber, 'f', -1, 64)), true
	}

	var asAnySlice []any
	if err := json.Unmarshal(raw, &asAnySlice); err == nil {
		var parts []string
		for _, v := range asAnySlice {
			switch x := v.(type) {
			case string:
				parts = append(parts, x)
			case float64:
				parts = append(parts, strconv.FormatFloat(x, 'f', -1, 64))
			default:
				return "", false
			}
		}
		return domain.JoinValue(parts), true
	}
	return "", false
}

func isPlaceholder(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "-", "n/a", "null", "unset":
		return true
	}
	return false
}

// decodeConfidence accepts a number in [0,1] or a percentage string ("85%").
func decodeConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("missing confidence")
	}

	var value float64
	var asString string
	if err := json.Unmarshal(raw, &value); err != nil {
		if err := json.Unmarshal(raw, &asString); err != nil {
			return 0, fmt.Errorf("undecodable confidence %s", string(raw))
		}
		s := strings.TrimSpace(asString)
		percent := strings.HasSuffix(s, "%")
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("undecodable confidence %q", asString)
		}
		value = parsed
		if percent {
			value = parsed / 100
		}
	}

	if math.IsNaN(value) || value < 0 || value > 1 {
		return 0, fmt.Errorf("confidence %v out of range [0,1]", value)
	}
	return value, nil
}
