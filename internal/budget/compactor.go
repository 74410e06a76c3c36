package budget

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// SummaryPrefix marks the synthetic message that replaces compacted history.
const SummaryPrefix = "[Summary of earlier conversation]\n"

// TokenCounter estimates the input size of a conversation.
type TokenCounter interface {
	EstimateMessages(f Family, system string, msgs []schemas.Message, tools []schemas.ToolDefinition) int
}

// Summarizer condenses a run of messages into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []schemas.Message) (string, error)
}

// CompactorConfig controls when and how much to compact.
type CompactorConfig struct {
	// ThresholdRatio of the context window above which compaction triggers.
	ThresholdRatio float64
	// KeepRecent is the number of most recent messages always kept verbatim.
	KeepRecent int
}

// CompactionResult describes what Compact did.
type CompactionResult struct {
	Messages        []schemas.Message
	Compacted       bool
	SummarizedCount int
	TokensBefore    int
	TokensAfter     int
}

// Compactor replaces old conversation turns with a single summary message
// when a conversation approaches its context window.
type Compactor struct {
	counter    TokenCounter
	summarizer Summarizer
	cfg        CompactorConfig
	logger     *zap.Logger
}

// NewCompactor creates a compactor.
func NewCompactor(counter TokenCounter, summarizer Summarizer, cfg CompactorConfig, logger *zap.Logger) (*Compactor, error) {
	if counter == nil {
		return nil, fmt.Errorf("compactor requires a token counter")
	}
	if summarizer == nil {
		return nil, fmt.Errorf("compactor requires a summarizer")
	}
	if cfg.ThresholdRatio <= 0 || cfg.ThresholdRatio > 1 {
		return nil, fmt.Errorf("compaction threshold ratio must be in (0, 1], got %v", cfg.ThresholdRatio)
	}
	if cfg.KeepRecent <= 0 {
		return nil, fmt.Errorf("compaction keep_recent must be positive, got %d", cfg.KeepRecent)
	}
	return &Compactor{
		counter:    counter,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger.Named("compactor"),
	}, nil
}

// Threshold is the token count above which a conversation gets compacted.
func (c *Compactor) Threshold(window int) int {
	return int(c.cfg.ThresholdRatio * float64(window))
}

// NeedsCompaction reports whether the conversation exceeds the threshold.
func (c *Compactor) NeedsCompaction(window int, f Family, system string, msgs []schemas.Message) bool {
	return c.counter.EstimateMessages(f, system, msgs, nil) > c.Threshold(window)
}

// Compact summarizes everything but the most recent KeepRecent messages when
// the conversation is over the threshold. The returned slice is never shorter
// than KeepRecent+1 when compaction happened, and is the input unchanged
// otherwise. On summarizer failure the original messages are returned with
// the error.
func (c *Compactor) Compact(ctx context.Context, window int, f Family, system string, msgs []schemas.Message) (CompactionResult, error) {
	before := c.counter.EstimateMessages(f, system, msgs, nil)
	result := CompactionResult{
		Messages:     msgs,
		TokensBefore: before,
		TokensAfter:  before,
	}
	if before <= c.Threshold(window) {
		return result, nil
	}
	if len(msgs) <= c.cfg.KeepRecent {
		c.logger.Debug("Conversation over threshold but within keep-recent floor; not compacting",
			zap.Int("messages", len(msgs)),
			zap.Int("keep_recent", c.cfg.KeepRecent),
			zap.Int("estimated_tokens", before),
		)
		return result, nil
	}

	split := len(msgs) - c.cfg.KeepRecent
	older, recent := msgs[:split], msgs[split:]

	summary, err := c.summarizer.Summarize(ctx, older)
	if err != nil {
		return result, fmt.Errorf("failed to summarize %d messages: %w", len(older), err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return result, fmt.Errorf("summarizer returned an empty summary")
	}

	compacted := make([]schemas.Message, 0, len(recent)+1)
	compacted = append(compacted, schemas.Message{Role: schemas.RoleUser, Content: SummaryPrefix + summary})
	compacted = append(compacted, recent...)

	result.Messages = compacted
	result.Compacted = true
	result.SummarizedCount = len(older)
	result.TokensAfter = c.counter.EstimateMessages(f, system, compacted, nil)

	c.logger.Info("Compacted conversation history",
		zap.Int("summarized_messages", len(older)),
		zap.Int("kept_messages", len(recent)),
		zap.Int("tokens_before", result.TokensBefore),
		zap.Int("tokens_after", result.TokensAfter),
	)
	return result, nil
}

// IsSummary reports whether m is a compaction summary.
func IsSummary(m schemas.Message) bool {
	return strings.HasPrefix(m.Content, SummaryPrefix)
}
