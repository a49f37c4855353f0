package scale

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// NoInterpretation is returned when no range covers a score.
const NoInterpretation = "no interpretation available"

// ErrIncomplete is wrapped by CheckComplete failures.
var ErrIncomplete = errors.New("incomplete responses")

// Result is a scored and interpreted set of responses.
type Result struct {
	Score          int    `json:"score"`
	Interpretation string `json:"interpretation"`
}

// ComputeScore returns the raw score of responses under def's scoring
// strategy. Unknown or empty strategies score as a direct sum.
func ComputeScore(def *Scale, responses Responses) int {
	if def != nil && def.ScoringStrategy == StrategyReverseBinary {
		return reverseBinaryScore(def, responses)
	}
	return directSum(responses)
}

func directSum(responses Responses) int {
	total := 0
	for _, v := range responses {
		total += v
	}
	return total
}

// reverseBinaryScore counts a 0 answer as 1 point on reverse-keyed items and
// any other answer as 0 there. Non-reverse items score their raw value.
func reverseBinaryScore(def *Scale, responses Responses) int {
	total := 0
	for key, v := range responses {
		pos, err := strconv.Atoi(key)
		if err != nil || !def.isReverseItem(pos) {
			total += v
			continue
		}
		if v == 0 {
			total++
		}
	}
	return total
}

// InterpretScore returns the label of the first range containing score.
func InterpretScore(def *Scale, score int) string {
	if def == nil || def.Questions.Scoring == nil {
		return NoInterpretation
	}
	for _, r := range def.Questions.Scoring.Ranges {
		if score >= r.Min && score <= r.Max {
			return r.Label
		}
	}
	return NoInterpretation
}

// Evaluate scores and interprets responses in one step.
func Evaluate(def *Scale, responses Responses) Result {
	score := ComputeScore(def, responses)
	return Result{Score: score, Interpretation: InterpretScore(def, score)}
}

// CheckComplete verifies that every position of def has an answer drawn from
// the options offered at that position.
func CheckComplete(def *Scale, responses Responses) error {
	if def == nil {
		return fmt.Errorf("%w: scale definition is missing", ErrIncomplete)
	}

	var missing, invalid []int
	for pos := 0; pos < def.QuestionCount(); pos++ {
		v, ok := responses[strconv.Itoa(pos)]
		if !ok {
			missing = append(missing, pos+1)
			continue
		}
		if !slices.Contains(def.allowedValues(pos), v) {
			invalid = append(invalid, pos+1)
		}
	}

	var unknown []string
	for key := range responses {
		pos, err := strconv.Atoi(key)
		if err != nil || pos < 0 || pos >= def.QuestionCount() {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	var problems []string
	if len(missing) > 0 {
		problems = append(problems, "missing answers for questions "+joinInts(missing))
	}
	if len(invalid) > 0 {
		problems = append(problems, "invalid answers for questions "+joinInts(invalid))
	}
	if len(unknown) > 0 {
		problems = append(problems, "unknown positions "+strings.Join(unknown, ", "))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrIncomplete, strings.Join(problems, "; "))
	}
	return nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}
