package scale

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	KindStandardized = "standardized"
	KindCustom       = "custom"

	StatusActive   = "active"
	StatusInactive = "inactive"

	StrategyDirectSum     = "direct_sum"
	StrategyReverseBinary = "reverse_binary"

	LayoutFlat    = "flat"
	LayoutGrouped = "grouped"
)

var validKinds = map[string]bool{
	KindStandardized: true,
	KindCustom:       true,
}

var validStatuses = map[string]bool{
	StatusActive:   true,
	StatusInactive: true,
}

var validStrategies = map[string]bool{
	StrategyDirectSum:     true,
	StrategyReverseBinary: true,
}

// Scale maps to the scales table.
type Scale struct {
	ID              uuid.UUID    `db:"id" json:"id"`
	Name            string       `db:"name" json:"name"`
	Description     string       `db:"description" json:"description"`
	Kind            string       `db:"kind" json:"kind"`
	Status          string       `db:"status" json:"status"`
	ScoringStrategy string       `db:"scoring_strategy" json:"scoring_strategy"`
	Questions       QuestionSpec `db:"questions" json:"questions"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

// QuestionSpec is the instrument body stored in the questions jsonb column.
// A flat instrument shares one option set across Items; a grouped instrument
// carries its own options per group.
type QuestionSpec struct {
	Layout       string   `json:"layout"`
	Instructions string   `json:"instructions,omitempty"`
	Items        []Item   `json:"items,omitempty"`
	Options      []Option `json:"options,omitempty"`
	ReverseItems []int    `json:"reverse_items,omitempty"`
	Groups       []Group  `json:"groups,omitempty"`
	Scoring      *Scoring `json:"scoring,omitempty"`
}

// Item is a flat question. It is stored either as a bare string or as an
// object with a text field; the original form is kept on re-encoding.
type Item struct {
	Text     string
	isObject bool
}

func (i *Item) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("item: %w", err)
		}
		i.Text = obj.Text
		i.isObject = true
		return nil
	}
	if err := json.Unmarshal(data, &i.Text); err != nil {
		return fmt.Errorf("item: %w", err)
	}
	return nil
}

func (i Item) MarshalJSON() ([]byte, error) {
	if i.isObject {
		return json.Marshal(struct {
			Text string `json:"text"`
		}{i.Text})
	}
	return json.Marshal(i.Text)
}

type Option struct {
	Value int    `json:"value"`
	Label string `json:"label"`
}

type Group struct {
	Title   string        `json:"title"`
	Options []GroupOption `json:"options"`
}

type GroupOption struct {
	Value int    `json:"value"`
	Text  string `json:"text"`
}

type Scoring struct {
	Ranges []Range `json:"ranges"`
}

// Range is an inclusive interpretation band.
type Range struct {
	Min   int    `json:"min"`
	Max   int    `json:"max"`
	Label string `json:"label"`
}

// Responses maps a 0-based question position, as a decimal string, to the
// chosen option value.
type Responses map[string]int

// QuestionCount returns the number of answerable positions.
func (s *Scale) QuestionCount() int {
	if s.Questions.Layout == LayoutGrouped {
		return len(s.Questions.Groups)
	}
	return len(s.Questions.Items)
}

// IsActive reports whether the scale can be newly assigned.
func (s *Scale) IsActive() bool {
	return s.Status == StatusActive
}

// ApplyDefaults fills unset tags. The layout is inferred from the populated
// fields when absent.
func (s *Scale) ApplyDefaults() {
	if s.Kind == "" {
		s.Kind = KindCustom
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.ScoringStrategy == "" {
		s.ScoringStrategy = StrategyDirectSum
	}
	if s.Questions.Layout == "" {
		if len(s.Questions.Groups) > 0 {
			s.Questions.Layout = LayoutGrouped
		} else {
			s.Questions.Layout = LayoutFlat
		}
	}
}

// Validate checks that the definition is internally consistent.
func (s *Scale) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validKinds[s.Kind] {
		return fmt.Errorf("invalid kind: %s", s.Kind)
	}
	if !validStatuses[s.Status] {
		return fmt.Errorf("invalid status: %s", s.Status)
	}
	if !validStrategies[s.ScoringStrategy] {
		return fmt.Errorf("invalid scoring_strategy: %s", s.ScoringStrategy)
	}

	q := s.Questions
	switch q.Layout {
	case LayoutFlat:
		if len(q.Items) == 0 {
			return fmt.Errorf("flat layout requires items")
		}
		if len(q.Options) == 0 {
			return fmt.Errorf("flat layout requires options")
		}
		if len(q.Groups) > 0 {
			return fmt.Errorf("flat layout cannot have groups")
		}
		for _, n := range q.ReverseItems {
			if n < 1 || n > len(q.Items) {
				return fmt.Errorf("reverse item %d out of range 1..%d", n, len(q.Items))
			}
		}
	case LayoutGrouped:
		if len(q.Groups) == 0 {
			return fmt.Errorf("grouped layout requires groups")
		}
		if len(q.Items) > 0 || len(q.Options) > 0 {
			return fmt.Errorf("grouped layout cannot have items or shared options")
		}
		for i, g := range q.Groups {
			if g.Title == "" {
				return fmt.Errorf("group %d: title is required", i+1)
			}
			if len(g.Options) == 0 {
				return fmt.Errorf("group %d: options are required", i+1)
			}
		}
	default:
		return fmt.Errorf("invalid layout: %s", q.Layout)
	}

	if s.ScoringStrategy == StrategyReverseBinary {
		for _, v := range s.optionValues() {
			if v != 0 && v != 1 {
				return fmt.Errorf("reverse_binary scoring requires option values 0 or 1, got %d", v)
			}
		}
	}

	if q.Scoring != nil {
		for i, r := range q.Scoring.Ranges {
			if r.Min > r.Max {
				return fmt.Errorf("range %d: min %d greater than max %d", i+1, r.Min, r.Max)
			}
		}
	}
	return nil
}

func (s *Scale) optionValues() []int {
	var values []int
	for _, o := range s.Questions.Options {
		values = append(values, o.Value)
	}
	for _, g := range s.Questions.Groups {
		for _, o := range g.Options {
			values = append(values, o.Value)
		}
	}
	return values
}

// allowedValues returns the option values accepted at position pos.
func (s *Scale) allowedValues(pos int) []int {
	if s.Questions.Layout == LayoutGrouped {
		if pos < 0 || pos >= len(s.Questions.Groups) {
			return nil
		}
		values := make([]int, 0, len(s.Questions.Groups[pos].Options))
		for _, o := range s.Questions.Groups[pos].Options {
			values = append(values, o.Value)
		}
		return values
	}
	values := make([]int, 0, len(s.Questions.Options))
	for _, o := range s.Questions.Options {
		values = append(values, o.Value)
	}
	return values
}

func (s *Scale) isReverseItem(pos int) bool {
	return slices.Contains(s.Questions.ReverseItems, pos+1)
}
