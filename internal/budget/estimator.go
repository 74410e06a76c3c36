// Package budget estimates request sizes against model context windows and
// compacts conversations that no longer fit.
package budget

import (
	"math"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// Family groups models that tokenize text similarly.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyGemini    Family = "gemini"
	FamilyOpenAI    Family = "openai"
	// FamilyOpen covers open-weight models served through gateways (DeepSeek, Qwen, Llama).
	FamilyOpen Family = "open"
)

const (
	defaultCharsPerToken = 4.0
	// MessageOverheadTokens is charged per message for role markers and framing.
	MessageOverheadTokens = 4
)

var defaultRatios = map[Family]float64{
	FamilyAnthropic: 3.5,
	FamilyGemini:    4.0,
	FamilyOpenAI:    4.0,
	FamilyOpen:      3.3,
}

// ParseFamily normalises a configured family name. Unknown names fall back to
// the default ratio when estimating.
func ParseFamily(s string) Family {
	return Family(strings.ToLower(strings.TrimSpace(s)))
}

// Estimator is a character-count token estimator. It is a heuristic: the
// contract (Estimate*, Check) stays the same if a real tokenizer replaces it.
type Estimator struct {
	ratios map[Family]float64
}

// NewEstimator returns an estimator with the built-in family ratios.
func NewEstimator() *Estimator {
	ratios := make(map[Family]float64, len(defaultRatios))
	for f, r := range defaultRatios {
		ratios[f] = r
	}
	return &Estimator{ratios: ratios}
}

// WithRatio overrides the characters-per-token ratio for a family.
func (e *Estimator) WithRatio(f Family, charsPerToken float64) *Estimator {
	if charsPerToken > 0 {
		e.ratios[f] = charsPerToken
	}
	return e
}

// CharsPerToken returns the ratio used for a family.
func (e *Estimator) CharsPerToken(f Family) float64 {
	if r, ok := e.ratios[f]; ok {
		return r
	}
	return defaultCharsPerToken
}

// EstimateText estimates the tokens in a single string.
func (e *Estimator) EstimateText(f Family, text string) int {
	return e.tokensForChars(f, utf8.RuneCountInString(text))
}

// EstimateMessages estimates the input size of a request: system prompt,
// every message plus its framing overhead, and serialized tool definitions.
func (e *Estimator) EstimateMessages(f Family, system string, msgs []schemas.Message, tools []schemas.ToolDefinition) int {
	chars := utf8.RuneCountInString(system)
	for _, m := range msgs {
		chars += utf8.RuneCountInString(m.Content)
	}
	if len(tools) > 0 {
		if encoded, err := json.Marshal(tools); err == nil {
			chars += utf8.RuneCount(encoded)
		}
	}

	tokens := e.tokensForChars(f, chars) + MessageOverheadTokens*len(msgs)
	if system != "" {
		tokens += MessageOverheadTokens
	}
	return tokens
}

func (e *Estimator) tokensForChars(f Family, chars int) int {
	if chars == 0 {
		return 0
	}
	tokens := int(math.Ceil(float64(chars) / e.CharsPerToken(f)))
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// Check is the result of validating a request against a context window.
type Check struct {
	Valid           bool
	InputTokens     int
	RequestedOutput int
	// Limit is window × margin.
	Limit int
	// SuggestedMaxTokens is the output ceiling to use when Valid is false.
	SuggestedMaxTokens int
}

// Request describes a candidate call for Check.
type Request struct {
	Family    Family
	System    string
	Messages  []schemas.Message
	Tools     []schemas.ToolDefinition
	MaxTokens int
}

// Check validates that input + requested output fits in window × margin. When
// it does not, it suggests max(floor, limit − input), always strictly below
// the original ask.
func (e *Estimator) Check(window int, margin float64, floor int, req Request) Check {
	input := e.EstimateMessages(req.Family, req.System, req.Messages, req.Tools)
	limit := int(float64(window) * margin)

	result := Check{
		InputTokens:        input,
		RequestedOutput:    req.MaxTokens,
		Limit:              limit,
		SuggestedMaxTokens: req.MaxTokens,
	}
	if input+req.MaxTokens <= limit {
		result.Valid = true
		return result
	}

	suggestion := limit - input
	if suggestion < floor {
		suggestion = floor
	}
	if suggestion >= req.MaxTokens {
		suggestion = req.MaxTokens - 1
	}
	if suggestion < 1 {
		suggestion = 1
	}
	result.SuggestedMaxTokens = suggestion
	return result
}
