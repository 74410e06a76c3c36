// internal/pipeline/validate.go
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmutil"
)

const validateSystemPrompt = `You are a senior QA engineer reviewing a bug found by an automated crawler.
Decide whether it is a real defect a user or developer would care about.
Answer with JSON only:
{"is_valid": true|false,
 "priority": "critical"|"high"|"medium"|"low",
 "category": "ui_ux"|"data"|"edge_case"|"performance"|"security",
 "confidence": 0.0-1.0,
 "notes": "one or two sentences explaining the decision"}`

type validationVerdict struct {
	IsValid    bool             `json:"is_valid"`
	Priority   schemas.Priority `json:"priority"`
	Category   schemas.Category `json:"category"`
	Confidence float64          `json:"confidence"`
	Notes      string           `json:"notes"`
}

// validate confirms or dismisses urgent bugs through a bounded worker pool.
// A failed worker leaves its bug detected.
func (m *Machine) validate(ctx context.Context, rc *runContext) (Step, error) {
	state := rc.state
	var targets []int
	for i := range state.Bugs {
		if state.Bugs[i].NeedsValidation() {
			targets = append(targets, i)
		}
	}

	verdicts := make([]*validationVerdict, len(targets))
	errs := make([]error, len(targets))
	sem := semaphore.NewWeighted(int64(state.Config.ValidationConcurrency))
	var wg sync.WaitGroup

	for k, i := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			for rest := k; rest < len(targets); rest++ {
				errs[rest] = fmt.Errorf("validation not started: %w", err)
			}
			break
		}
		bug := state.Bugs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			errs[k] = guard(func() error {
				var err error
				verdicts[k], err = m.validateBug(ctx, state.SessionID, bug)
				return err
			})
		}()
	}
	wg.Wait()

	validated, dismissed := 0, 0
	for k, i := range targets {
		bug := &state.Bugs[i]
		if errs[k] != nil {
			rc.record(StepValidate, KindValidation, errs[k], map[string]string{"bug_id": bug.ID})
			continue
		}
		v := verdicts[k]
		bug.ValidationNotes = v.Notes
		if !v.IsValid {
			if err := bug.Advance(schemas.StatusDismissed); err != nil {
				rc.record(StepValidate, KindValidation, err, map[string]string{"bug_id": bug.ID})
				continue
			}
			dismissed++
			continue
		}
		if v.Priority.Valid() {
			bug.Priority = v.Priority
		}
		if v.Category.Valid() {
			bug.Category = v.Category
		}
		if v.Confidence > 0 && v.Confidence <= 1 {
			bug.Confidence = v.Confidence
		}
		if err := bug.Advance(schemas.StatusValidated); err != nil {
			rc.record(StepValidate, KindValidation, err, map[string]string{"bug_id": bug.ID})
			continue
		}
		validated++
	}

	rc.logger.Info("Validation finished",
		zap.Int("candidates", len(targets)),
		zap.Int("validated", validated),
		zap.Int("dismissed", dismissed),
	)
	return StepReport, nil
}

func (m *Machine) validateBug(ctx context.Context, sessionID string, bug schemas.Bug) (*validationVerdict, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", bug.Title)
	fmt.Fprintf(&b, "Category: %s\nPriority: %s\nConfidence: %.2f\n", bug.Category, bug.Priority, bug.Confidence)
	fmt.Fprintf(&b, "Page: %s\n", bug.SourceURL)
	fmt.Fprintf(&b, "Description:\n%s\n", llmutil.Truncate(bug.Description, 2000))
	if len(bug.Evidence) > 0 {
		b.WriteString("Evidence:\n")
		for _, e := range bug.Evidence {
			fmt.Fprintf(&b, "- %s\n", llmutil.Truncate(e, 300))
		}
	}

	result, err := m.deps.Router.RouteWithFallback(ctx, llmclient.Request{
		Task:        llmclient.TaskValidateBug,
		SessionID:   sessionID,
		System:      validateSystemPrompt,
		Messages:    []schemas.Message{{Role: schemas.RoleUser, Content: b.String()}},
		MaxTokens:   1024,
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("validation of bug %s failed: %w", bug.ID, err)
	}
	return llmutil.ParseJSONResponse[validationVerdict](result.Response.Content)
}
