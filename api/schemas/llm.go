package schemas

import (
	"fmt"
	"strings"
)

// -- Model Tier --

// ModelTier names a class of backend model. Tiers are ordered by capability
// and cost: Premium > Reasoning > Coding > General > Fast.
type ModelTier int

const (
	TierFast ModelTier = iota
	TierGeneral
	TierCoding
	TierReasoning
	TierPremium
)

var tierNames = map[ModelTier]string{
	TierFast:      "FAST",
	TierGeneral:   "GENERAL",
	TierCoding:    "CODING",
	TierReasoning: "REASONING",
	TierPremium:   "PREMIUM",
}

// AllTiers returns every tier from most to least capable.
func AllTiers() []ModelTier {
	return []ModelTier{TierPremium, TierReasoning, TierCoding, TierGeneral, TierFast}
}

func (t ModelTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TIER(%d)", int(t))
}

// Valid reports whether t is one of the known tiers.
func (t ModelTier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// ParseModelTier converts a case-insensitive tier name into a ModelTier.
func ParseModelTier(s string) (ModelTier, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for tier, name := range tierNames {
		if name == want {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("unknown model tier %q", s)
}

// MarshalText encodes the tier by name so checkpoints stay readable.
func (t ModelTier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid model tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *ModelTier) UnmarshalText(b []byte) error {
	parsed, err := ParseModelTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TransportKind identifies which backend transport serves a tier.
type TransportKind string

const (
	TransportAnthropic TransportKind = "anthropic" // Premium single-vendor transport.
	TransportGenAI     TransportKind = "genai"     // Google GenAI multi-model transport.
	TransportGateway   TransportKind = "gateway"   // OpenAI-compatible multi-model gateway.
)

// -- Conversation --

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a callable tool offered to the model. It only
// matters to the router for token accounting.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SendRequest is what a transport receives for one model call.
type SendRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
	// JSONMode asks the backend for a JSON-only response where supported.
	JSONMode bool
}

// TokenUsage reports the tokens consumed by one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SendResult is the transport's answer for one call.
type SendResult struct {
	Content    string
	Usage      TokenUsage
	StopReason string
}
