package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/steveyegge/blocksync/internal/config"
	"github.com/steveyegge/blocksync/internal/errreport"
	"github.com/steveyegge/blocksync/internal/jira"
	"github.com/steveyegge/blocksync/internal/reconcile"
	"github.com/steveyegge/blocksync/internal/telemetry"
)

// sentryBeforeSend lets tests observe reported events.
var sentryBeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event

type rootFlags struct {
	noop    bool
	verbose bool
	envFile string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "blocksync [PARENT...]",
		Short: "Link every task of a Jira project to its parent ticket",
		Long: `blocksync makes every task in a project block exactly one parent ticket.

For each parent (JIRA_PARENTTICKETS, or the arguments when given) the project
is the part of the key before the first hyphen. Block links from a task to any
other ticket are removed and the missing parent link is added, except on tasks
that already have worklogs. Open tasks without a due date get one, seven days
after they were created.`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Flag and argument errors are printed by cobra; from here on
			// failures go through the logger.
			cmd.SilenceErrors = true
			return runRoot(cmd.Context(), cmd.ErrOrStderr(), flags, args)
		},
	}

	cmd.Flags().BoolVarP(&flags.noop, "noop", "n", false, "Log what would change without changing anything")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.Flags().StringVar(&flags.envFile, "env-file", ".env", "Read KEY=value settings from this file when it exists")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func runRoot(ctx context.Context, stderr io.Writer, flags rootFlags, args []string) (err error) {
	log := newLogger(stderr, flags.verbose)
	defer func() {
		if err != nil {
			log.Error("sync failed", "error", err)
		}
	}()

	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Parents = config.ParseParents(strings.Join(args, ","))
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	reporter, err := errreport.New(errreport.Options{
		DSN:        cfg.SentryDSN,
		Release:    release(),
		BeforeSend: sentryBeforeSend,
	})
	if err != nil {
		return err
	}
	defer func() {
		reporter.Capture(err)
		reporter.Flush(2 * time.Second)
	}()
	defer reporter.Recover()

	if err := telemetry.Init(ctx, telemetry.Options{
		Enabled:      cfg.Telemetry.Enabled,
		Stdout:       cfg.Telemetry.Stdout,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  "blocksync",
		Version:      Version,
	}); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	client := cfg.NewJiraClient()
	for _, parent := range cfg.Parents {
		log.Debug("parent ticket", "parent", parent, "url", client.BrowseURL(parent))
	}
	tracker := telemetry.WrapTracker(jira.NewTracker(client))
	stats, err := runSync(ctx, log, tracker, cfg, flags.noop, reporter)
	log.Info("sync finished",
		"parents", len(cfg.Parents), "tickets", stats.Tickets,
		"removed", stats.LinksRemoved, "added", stats.LinksAdded,
		"linked", stats.ParentLinked, "due_dates", stats.DueDatesSet,
		"worklog_skips", stats.WorklogSkips,
		"failed", stats.Failed, "dry_run", flags.noop)
	return err
}

// newLogger logs warnings and errors by default; verbose adds debug
// output, including the dry-run "noop" lines.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// runSync reconciles the project of every configured parent in order.
// Failures tag the reporter scope with the parent; runRoot captures the
// returned error.
func runSync(ctx context.Context, log *slog.Logger, tracker reconcile.Tracker, cfg *config.Config, dryRun bool, reporter *errreport.Reporter) (reconcile.Stats, error) {
	var total reconcile.Stats
	var errs []error

	opts := cfg.ReconcileOptions(dryRun)
	for _, parent := range cfg.Parents {
		project := reconcile.ProjectKey(parent)
		runCtx, end := telemetry.StartRun(ctx, project, parent, dryRun)
		stats, err := reconcile.New(tracker, log, opts).Run(runCtx, project, parent)
		end(stats, err)
		total.Add(stats)

		if err != nil {
			err = fmt.Errorf("parent %s: %w", parent, err)
			reporter.SetTag("parent", parent)
			reporter.SetTag("project", project)
			if !cfg.ContinueOnError {
				return total, err
			}
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
