package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

func statusColor(status schemas.RunStatus) func(a ...interface{}) string {
	switch status {
	case schemas.RunCompleted:
		return color.New(color.FgGreen, color.Bold).SprintFunc()
	case schemas.RunInterrupted:
		return color.New(color.FgYellow, color.Bold).SprintFunc()
	default:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	}
}

// printSummary writes a human readable run summary.
func printSummary(w io.Writer, s schemas.RunSummary) {
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "\nBugHive run %s: %s\n", s.SessionID, statusColor(s.Status)(s.Status))
	if s.Error != "" {
		fmt.Fprintf(w, "  Error:       %s\n", red(s.Error))
	}
	if s.TargetURL != "" {
		fmt.Fprintf(w, "  Target:      %s\n", s.TargetURL)
	}
	if s.FinishReason != "" {
		fmt.Fprintf(w, "  Finished:    %s\n", s.FinishReason)
	}
	fmt.Fprintf(w, "  Duration:    %s over %d iteration(s)\n", s.Duration.Round(time.Second), s.Iterations)
	fmt.Fprintf(w, "  Pages:       %d discovered, %d crawled, %d failed\n", s.Pages.Discovered, s.Pages.Crawled, s.Pages.Failed)
	fmt.Fprintf(w, "  Bugs:        %d (%d duplicates, %d dismissed)\n", s.TotalBugs, s.Duplicates, s.Dismissed)
	for _, p := range schemas.Priorities() {
		if n := s.BugsByPriority[p]; n > 0 {
			fmt.Fprintf(w, "    %-9s %d\n", p, n)
		}
	}
	if len(s.Tickets) > 0 {
		fmt.Fprintf(w, "  Tickets:     %d filed\n", len(s.Tickets))
		for _, t := range s.Tickets {
			fmt.Fprintf(w, "    [%s] %s %s\n", t.Priority, t.Title, t.URL)
		}
	}
	fmt.Fprintf(w, "  Cost:        $%.4f\n", s.TotalCost)
	tasks := make([]string, 0, len(s.CostByTask))
	for task := range s.CostByTask {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	for _, task := range tasks {
		fmt.Fprintf(w, "    %s\n", gray(fmt.Sprintf("%-20s $%.4f", task, s.CostByTask[task])))
	}
	if s.Errors.Total > 0 {
		fmt.Fprintf(w, "  Errors:      %d\n", s.Errors.Total)
	}
	if len(s.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, r := range s.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	if s.Narrative != "" {
		fmt.Fprintf(w, "\n%s\n", s.Narrative)
	}
}
