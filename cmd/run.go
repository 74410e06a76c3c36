package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/pipeline"
)

// pipelineRunner is the part of pipeline.Machine the commands drive.
type pipelineRunner interface {
	Run(ctx context.Context, cfg pipeline.RunConfig) schemas.RunSummary
	Resume(ctx context.Context, sessionID string, overrides *pipeline.Overrides) schemas.RunSummary
	Stop()
}

// buildRunner wires the real components. Tests replace it.
var buildRunner = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pipelineRunner, func(), error) {
	c, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return c.Machine, c.Shutdown, nil
}

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Crawl a web application and report the bugs found",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger, err := getLoggerFromContext(ctx)
			if err != nil {
				return err
			}

			runCfg := pipeline.RunConfigFrom(cfg, normalizeTarget(args[0]))
			logger.Info("Starting new run",
				zap.String("target", runCfg.TargetURL),
				zap.Int("max_pages", runCfg.MaxPages),
				zap.Int("max_depth", runCfg.MaxDepth),
				zap.Bool("file_tickets", runCfg.FileTickets),
			)

			runner, shutdown, err := buildRunner(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer shutdown()

			runCtx, release := handleInterrupts(ctx, runner.Stop, logger)
			summary := runner.Run(runCtx, runCfg)
			release()

			return finish(cmd, summary)
		},
	}

	runCmd.Flags().Int("max-pages", 0, "Maximum pages to crawl. (Overrides config/env)")
	runCmd.Flags().Int("max-depth", 0, "Maximum link depth from the target. (Overrides config/env)")
	runCmd.Flags().Int("stop-on-critical", 0, "Stop once this many critical bugs are found; 0 never stops. (Overrides config/env)")
	runCmd.Flags().Bool("no-tickets", false, "Do not file tickets with the issue tracker.")
	runCmd.Flags().StringP("output", "o", "", "Write a markdown report to this path.")
	runCmd.Flags().String("junit", "", "Write a JUnit XML report to this path.")
	return runCmd
}

// newResumeCmd creates the `resume` command.
func newResumeCmd() *cobra.Command {
	resumeCmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue a checkpointed run from its next step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger, err := getLoggerFromContext(ctx)
			if err != nil {
				return err
			}

			overrides, err := resumeOverrides(cmd)
			if err != nil {
				return err
			}
			sessionID := strings.TrimSpace(args[0])
			logger.Info("Resuming run", zap.String("session_id", sessionID))

			runner, shutdown, err := buildRunner(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer shutdown()

			runCtx, release := handleInterrupts(ctx, runner.Stop, logger)
			summary := runner.Resume(runCtx, sessionID, overrides)
			release()

			return finish(cmd, summary)
		},
	}

	resumeCmd.Flags().Int("max-pages", 0, "Raise or lower the page limit of the session.")
	resumeCmd.Flags().Int("max-depth", 0, "Change the link depth limit for pages discovered from now on.")
	resumeCmd.Flags().Int("stop-on-critical", 0, "Stop once this many critical bugs are found; 0 never stops.")
	resumeCmd.Flags().Bool("no-tickets", false, "Do not file tickets for the rest of the run.")
	resumeCmd.Flags().Float64("budget", 0, "Cost budget in USD for the whole session; 0 disables the limit.")
	return resumeCmd
}

// resumeOverrides collects the flags the user actually set.
func resumeOverrides(cmd *cobra.Command) (*pipeline.Overrides, error) {
	flags := cmd.Flags()
	var o pipeline.Overrides
	if flags.Changed("max-pages") {
		v, err := flags.GetInt("max-pages")
		if err != nil {
			return nil, err
		}
		o.MaxPages = &v
	}
	if flags.Changed("max-depth") {
		v, err := flags.GetInt("max-depth")
		if err != nil {
			return nil, err
		}
		o.MaxDepth = &v
	}
	if flags.Changed("stop-on-critical") {
		v, err := flags.GetInt("stop-on-critical")
		if err != nil {
			return nil, err
		}
		o.StopOnCritical = &v
	}
	if flags.Changed("no-tickets") {
		v, err := flags.GetBool("no-tickets")
		if err != nil {
			return nil, err
		}
		fileTickets := !v
		o.FileTickets = &fileTickets
	}
	if flags.Changed("budget") {
		v, err := flags.GetFloat64("budget")
		if err != nil {
			return nil, err
		}
		o.CostBudget = &v
	}
	return &o, nil
}

// normalizeTarget adds https:// when the user left out the scheme.
func normalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return "https://" + target
	}
	return target
}

// finish prints the summary and maps the run status to the command error.
func finish(cmd *cobra.Command, summary schemas.RunSummary) error {
	out := cmd.OutOrStdout()
	printSummary(out, summary)

	switch summary.Status {
	case schemas.RunFailed:
		return fmt.Errorf("session %s failed: %s", summary.SessionID, summary.Error)
	case schemas.RunInterrupted:
		if summary.SessionID != "" {
			fmt.Fprintf(out, "\nResume with: bughive resume %s\n", summary.SessionID)
		}
		return ErrInterrupted
	}
	return nil
}
