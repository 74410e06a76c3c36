// Package reporting renders run results for people and for CI systems.
package reporting

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

var priorityHeaders = map[schemas.Priority]string{
	schemas.PriorityCritical: "🔴 Critical",
	schemas.PriorityHigh:     "🟠 High",
	schemas.PriorityMedium:   "🟡 Medium",
	schemas.PriorityLow:      "🔵 Low",
}

// MarkdownWriter renders the run report as GitHub-flavored markdown.
type MarkdownWriter struct {
	output io.Writer
}

// NewMarkdownWriter creates a MarkdownWriter that writes to output.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{output: output}
}

// WriteMarkdown writes the report to path, creating parent directories.
func WriteMarkdown(path string, summary schemas.RunSummary, bugs []schemas.Bug) error {
	f, err := create(path)
	if err != nil {
		return err
	}
	if _, err := NewMarkdownWriter(f).Write(summary, bugs); err != nil {
		f.Close()
		return fmt.Errorf("failed to write markdown report: %w", err)
	}
	return f.Close()
}

// Write renders the full report. Duplicate and dismissed bugs are counted but
// not listed.
func (w *MarkdownWriter) Write(summary schemas.RunSummary, bugs []schemas.Bug) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, summary)
	w.writeCounts(md, summary)
	w.writeBugs(md, openBugs(bugs))
	w.writeTickets(md, summary.Tickets)
	w.writeErrors(md, summary.Errors)

	if len(summary.Recommendations) > 0 {
		md.H2("Recommendations")
		md.PlainText("")
		md.BulletList(summary.Recommendations...)
		md.PlainText("")
	}
	if summary.Narrative != "" {
		md.H2("Executive Summary")
		md.PlainText("")
		md.PlainText(summary.Narrative)
		md.PlainText("")
	}

	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by BugHive for session `%s`*", summary.SessionID)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, s schemas.RunSummary) {
	md.H1("BugHive QA Report")
	md.PlainText("")

	status := string(s.Status)
	if s.Error != "" {
		status += " (" + s.Error + ")"
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Target", "`" + s.TargetURL + "`"},
			{"Session", "`" + s.SessionID + "`"},
			{"Started", s.StartedAt.Format("2006-01-02 15:04:05 MST")},
			{"Duration", s.Duration.Round(time.Second).String()},
			{"Status", status},
			{"Finish Reason", orDash(s.FinishReason)},
			{"Pages", fmt.Sprintf("%d crawled, %d failed, %d discovered", s.Pages.Crawled, s.Pages.Failed, s.Pages.Discovered)},
			{"Model Cost", fmt.Sprintf("$%.4f", s.TotalCost)},
		},
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeCounts(md *markdown.Markdown, s schemas.RunSummary) {
	md.H2("Bug Summary")
	md.PlainText("")

	rows := make([][]string, 0, len(schemas.Priorities())+1)
	for _, p := range schemas.Priorities() {
		rows = append(rows, []string{priorityHeaders[p], strconv.Itoa(s.BugsByPriority[p])})
	}
	rows = append(rows, []string{"**Total**", "**" + strconv.Itoa(s.TotalBugs) + "**"})
	md.Table(markdown.TableSet{Header: []string{"Priority", "Count"}, Rows: rows})
	md.PlainText("")

	catRows := make([][]string, 0, len(schemas.Categories()))
	for _, c := range schemas.Categories() {
		if n := s.BugsByCategory[c]; n > 0 {
			catRows = append(catRows, []string{string(c), strconv.Itoa(n)})
		}
	}
	if len(catRows) > 0 {
		md.Table(markdown.TableSet{Header: []string{"Category", "Count"}, Rows: catRows})
		md.PlainText("")
	}
	md.PlainTextf("Duplicates: %d, dismissed after validation: %d", s.Duplicates, s.Dismissed)
	md.PlainText("")

	if s.TotalBugs > 0 {
		chart := piechart.NewPieChart(
			io.Discard,
			piechart.WithTitle("Bugs by Priority"),
			piechart.WithShowData(true),
		)
		for _, p := range schemas.Priorities() {
			if n := s.BugsByPriority[p]; n > 0 {
				chart.LabelAndIntValue(string(p), uint64(n))
			}
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}

	critical, high := s.BugsByPriority[schemas.PriorityCritical], s.BugsByPriority[schemas.PriorityHigh]
	switch {
	case critical > 0:
		md.Cautionf("%d critical bug(s) need immediate attention.", critical)
	case high > 0:
		md.Warningf("%d high priority bug(s) should be fixed soon.", high)
	case s.TotalBugs > 0:
		md.Note("Only medium and low priority bugs were found.")
	default:
		md.Tip("No bugs were found.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeBugs(md *markdown.Markdown, bugs []schemas.Bug) {
	md.H2("Bugs")
	md.PlainText("")
	if len(bugs) == 0 {
		md.PlainText("No open bugs.")
		md.PlainText("")
		return
	}

	for _, p := range schemas.Priorities() {
		var group []schemas.Bug
		for _, b := range bugs {
			if b.Priority == p {
				group = append(group, b)
			}
		}
		if len(group) == 0 {
			continue
		}

		md.H3(priorityHeaders[p])
		md.PlainText("")
		rows := make([][]string, len(group))
		for i, b := range group {
			ticket := "-"
			if b.ExternalURL != "" {
				ticket = fmt.Sprintf("[#%s](%s)", b.ExternalID, b.ExternalURL)
			}
			rows[i] = []string{truncate(b.Title, 80), string(b.Category), string(b.Status), truncate(b.SourceURL, 60), ticket}
		}
		md.Table(markdown.TableSet{
			Header: []string{"Title", "Category", "Status", "Page", "Ticket"},
			Rows:   rows,
		})
		md.PlainText("")
		for _, b := range group {
			md.Details(truncate(b.Title, 80), bugDetails(b))
		}
		md.PlainText("")
	}
}

func (w *MarkdownWriter) writeTickets(md *markdown.Markdown, tickets []schemas.FiledTicket) {
	if len(tickets) == 0 {
		return
	}
	md.H2("Filed Tickets")
	md.PlainText("")
	rows := make([][]string, len(tickets))
	for i, t := range tickets {
		rows[i] = []string{"#" + t.ExternalID, truncate(t.Title, 80), string(t.Priority), t.URL}
	}
	md.Table(markdown.TableSet{Header: []string{"Ticket", "Title", "Priority", "URL"}, Rows: rows})
	md.PlainText("")
}

func (w *MarkdownWriter) writeErrors(md *markdown.Markdown, errs schemas.ErrorCounts) {
	if errs.Total == 0 {
		return
	}
	md.H2("Pipeline Errors")
	md.PlainText("")
	md.PlainTextf("%d error(s) were recorded during the run.", errs.Total)
	md.PlainText("")
	if len(errs.TopPatterns) > 0 {
		rows := make([][]string, len(errs.TopPatterns))
		for i, p := range errs.TopPatterns {
			rows[i] = []string{p.Step, p.Kind, strconv.Itoa(p.Count), "`" + p.Prefix + "`"}
		}
		md.Table(markdown.TableSet{Header: []string{"Step", "Kind", "Count", "Message"}, Rows: rows})
		md.PlainText("")
	}
}

// IssueBody renders a bug as the markdown body of a tracker issue.
func IssueBody(bug schemas.Bug) string {
	md := markdown.NewMarkdown(io.Discard)
	md.PlainText(bug.Description)
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Priority", string(bug.Priority)},
			{"Category", string(bug.Category)},
			{"Page", bug.SourceURL},
			{"Confidence", fmt.Sprintf("%.2f", bug.Confidence)},
			{"Classified by", string(bug.ClassifiedBy)},
			{"Bug ID", "`" + bug.ID + "`"},
		},
	})
	md.PlainText("")
	if len(bug.ReproSteps) > 0 {
		md.H3("Steps to Reproduce")
		md.PlainText("")
		md.OrderedList(bug.ReproSteps...)
		md.PlainText("")
	}
	if len(bug.Evidence) > 0 {
		md.H3("Evidence")
		md.PlainText("")
		items := make([]string, len(bug.Evidence))
		for i, e := range bug.Evidence {
			items[i] = "`" + truncate(strings.ReplaceAll(e, "`", "'"), 300) + "`"
		}
		md.BulletList(items...)
		md.PlainText("")
	}
	if bug.ValidationNotes != "" {
		md.H3("Validation Notes")
		md.PlainText("")
		md.PlainText(bug.ValidationNotes)
		md.PlainText("")
	}
	md.PlainText("*Filed automatically by BugHive.*")
	return md.String()
}

func bugDetails(b schemas.Bug) string {
	var sb strings.Builder
	sb.WriteString(b.Description)
	if len(b.ReproSteps) > 0 {
		sb.WriteString("\n\nSteps to reproduce:\n")
		for i, step := range b.ReproSteps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
	}
	if b.ValidationNotes != "" {
		sb.WriteString("\nValidation: " + b.ValidationNotes)
	}
	return sb.String()
}

// openBugs drops duplicates and dismissed bugs.
func openBugs(bugs []schemas.Bug) []schemas.Bug {
	out := make([]schemas.Bug, 0, len(bugs))
	for _, b := range bugs {
		if !b.IsDuplicate && b.Status != schemas.StatusDismissed {
			out = append(out, b)
		}
	}
	return out
}

func create(path string) (*os.File, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("invalid report path %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to create report file: %w", err)
	}
	return f, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes-3]) + "..."
}
