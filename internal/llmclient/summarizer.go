// File: internal/llmclient/summarizer.go
package llmclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

const (
	summarizerTemperature = 0.3
	summarizerMaxTokens   = 1024
)

const summarizerSystemPrompt = `You condense conversation history for a QA agent.
Summarize the transcript below in a few short paragraphs. Keep every URL, error
message, bug title, decision and open question. Drop pleasantries and repetition.`

type sessionKey struct{}

// WithSessionID tags ctx with the session that should be billed for calls the
// router makes on its own behalf, such as compaction summaries.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionIDFromContext returns the session set by WithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// RouterSummarizer implements budget.Summarizer using the compact_context task.
type RouterSummarizer struct {
	router *Router
}

// NewRouterSummarizer creates a summarizer backed by router.
func NewRouterSummarizer(router *Router) *RouterSummarizer {
	return &RouterSummarizer{router: router}
}

// Summarize condenses msgs into a short text using the cheapest tier.
func (s *RouterSummarizer) Summarize(ctx context.Context, msgs []schemas.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "[%s]\n%s\n\n", m.Role, m.Content)
	}

	result, err := s.router.RouteWithFallback(ctx, Request{
		Task:           TaskCompactContext,
		SessionID:      SessionIDFromContext(ctx),
		System:         summarizerSystemPrompt,
		Messages:       []schemas.Message{{Role: schemas.RoleUser, Content: transcript.String()}},
		MaxTokens:      summarizerMaxTokens,
		Temperature:    summarizerTemperature,
		SkipCompaction: true,
	})
	if err != nil {
		return "", err
	}
	return result.Response.Content, nil
}
