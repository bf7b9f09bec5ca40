package rbac

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConditionKind tags a condition variant.
type ConditionKind string

// Supported condition kinds.
const (
	KindTimeWindow      ConditionKind = "time_window"
	KindAttributeEquals ConditionKind = "attribute_equals"
)

// Condition is a predicate that must hold for a grant to apply.
// The set of implementations is closed: TimeWindow and AttributeEquals.
// Rows carrying a kind this build does not know decode to a condition
// that never holds, so they deny.
type Condition interface {
	Kind() ConditionKind
	Evaluate(req Request) bool
	Validate() error
}

// TimeWindow holds between Start (inclusive) and End (exclusive), both
// "HH:MM" in UTC. A window whose End is before its Start wraps midnight.
type TimeWindow struct {
	Start string
	End   string
}

// Kind implements Condition.
func (TimeWindow) Kind() ConditionKind { return KindTimeWindow }

// Validate implements Condition.
func (w TimeWindow) Validate() error {
	start, err := parseClock(w.Start)
	if err != nil {
		return fmt.Errorf("%w: time_window start: %w", ErrValidation, err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return fmt.Errorf("%w: time_window end: %w", ErrValidation, err)
	}
	if start == end {
		return fmt.Errorf("%w: time_window start and end are equal", ErrValidation)
	}
	return nil
}

// Evaluate implements Condition.
func (w TimeWindow) Evaluate(req Request) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil || start == end {
		return false
	}

	at := req.At.UTC()
	minute := at.Hour()*60 + at.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// AttributeEquals holds when the request carries Attribute with exactly Value.
type AttributeEquals struct {
	Attribute string
	Value     string
}

// Kind implements Condition.
func (AttributeEquals) Kind() ConditionKind { return KindAttributeEquals }

// Validate implements Condition.
func (a AttributeEquals) Validate() error {
	if a.Attribute == "" {
		return fmt.Errorf("%w: attribute_equals requires an attribute", ErrValidation)
	}
	return nil
}

// Evaluate implements Condition.
func (a AttributeEquals) Evaluate(req Request) bool {
	v, ok := req.Attributes[a.Attribute]
	return ok && v == a.Value
}

// unknownCondition preserves a stored condition this build cannot interpret.
type unknownCondition struct {
	kind ConditionKind
}

func (u unknownCondition) Kind() ConditionKind { return u.kind }
func (unknownCondition) Evaluate(Request) bool { return false }
func (u unknownCondition) Validate() error {
	return fmt.Errorf("%w: unknown condition kind %q", ErrValidation, u.kind)
}

// malformedConditions stands in for a conditions column that is not valid
// JSON, so the row denies instead of failing every read.
func malformedConditions() Conditions {
	return Conditions{unknownCondition{kind: "malformed"}}
}

// Conditions is the persisted and wire form of a condition list.
type Conditions []Condition

// Validate checks every condition.
func (cs Conditions) Validate() error {
	for i, c := range cs {
		if c == nil {
			return fmt.Errorf("%w: condition %d is empty", ErrValidation, i)
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// conditionDoc is the flat JSON shape of one condition.
type conditionDoc struct {
	Kind      ConditionKind `json:"kind"`
	Start     string        `json:"start,omitempty"`
	End       string        `json:"end,omitempty"`
	Attribute string        `json:"attribute,omitempty"`
	Value     string        `json:"value,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (cs Conditions) MarshalJSON() ([]byte, error) {
	docs := make([]conditionDoc, 0, len(cs))
	for _, c := range cs {
		switch v := c.(type) {
		case TimeWindow:
			docs = append(docs, conditionDoc{Kind: KindTimeWindow, Start: v.Start, End: v.End})
		case AttributeEquals:
			docs = append(docs, conditionDoc{Kind: KindAttributeEquals, Attribute: v.Attribute, Value: v.Value})
		case unknownCondition:
			docs = append(docs, conditionDoc{Kind: v.kind})
		default:
			return nil, fmt.Errorf("unsupported condition type %T", c)
		}
	}
	return json.Marshal(docs)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown kinds are kept so
// that they evaluate to deny and fail validation on write.
func (cs *Conditions) UnmarshalJSON(data []byte) error {
	var docs []conditionDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return err
	}
	out := make(Conditions, 0, len(docs))
	for _, d := range docs {
		switch d.Kind {
		case KindTimeWindow:
			out = append(out, TimeWindow{Start: d.Start, End: d.End})
		case KindAttributeEquals:
			out = append(out, AttributeEquals{Attribute: d.Attribute, Value: d.Value})
		default:
			out = append(out, unknownCondition{kind: d.Kind})
		}
	}
	*cs = out
	return nil
}

// encodeConditions returns the column value for cs: NULL when empty.
func encodeConditions(cs Conditions) (any, error) {
	if len(cs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("encoding conditions: %w", err)
	}
	return string(b), nil
}

// decodeConditions parses a conditions column. Invalid JSON yields a
// condition list that always denies.
func decodeConditions(raw string) Conditions {
	if raw == "" {
		return nil
	}
	var cs Conditions
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return malformedConditions()
	}
	return cs
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
