package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Reconciler applies the link and due-date policies to every task of a
// project. It is not safe for concurrent use.
type Reconciler struct {
	tracker Tracker
	log     *slog.Logger
	opts    Options
}

// New creates a Reconciler. A nil logger discards all output.
func New(tracker Tracker, log *slog.Logger, opts Options) *Reconciler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		tracker: tracker,
		log:     log,
		opts:    opts.withDefaults(),
	}
}

// Run makes every task in project hold exactly one outward link to parent
// and gives unresolved tasks without a due date one.
//
// A tracker error aborts the run unless Options.ContinueOnError is set, in
// which case the failing ticket is skipped and all errors are returned
// joined once every ticket has been visited.
func (r *Reconciler) Run(ctx context.Context, project, parent string) (Stats, error) {
	var stats Stats

	r.log.Debug("looking at project, making sure all tasks are linked to parent",
		"project", project, "parent", parent, "dry_run", r.opts.DryRun)

	tickets, err := r.tracker.SearchTickets(ctx, project, r.opts.IssueType)
	if err != nil {
		return stats, fmt.Errorf("search %s issues in %s: %w", r.opts.IssueType, project, err)
	}

	var errs []error
	for i := range tickets {
		if err := ctx.Err(); err != nil {
			return stats, errors.Join(append(errs, err)...)
		}
		stats.Tickets++
		if err := r.reconcileTicket(ctx, &tickets[i], parent, &stats); err != nil {
			if !r.opts.ContinueOnError {
				return stats, err
			}
			stats.Failed++
			r.log.Error("ticket failed, continuing", "ticket", tickets[i].Key, "error", err)
			errs = append(errs, err)
		}
	}

	r.log.Debug("project done", "project", project, "tickets", stats.Tickets,
		"removed", stats.LinksRemoved, "added", stats.LinksAdded,
		"due_dates", stats.DueDatesSet, "failed", stats.Failed)
	return stats, errors.Join(errs...)
}

func (r *Reconciler) reconcileTicket(ctx context.Context, t *Ticket, parent string, stats *Stats) error {
	if t.Key == parent {
		// An issue cannot block itself.
		r.log.Debug("ticket is the parent, skipping link check", "ticket", t.Key)
	} else {
		w := &worklogs{tracker: r.tracker, key: t.Key}
		if err := r.fixLinks(ctx, t, parent, w, stats); err != nil {
			return fmt.Errorf("%s: %w", t.Key, err)
		}
	}
	if err := r.fixDueDate(ctx, t, stats); err != nil {
		return fmt.Errorf("%s: %w", t.Key, err)
	}
	return nil
}

// fixLinks removes every outward link of the policy type that does not
// point at parent and adds the parent link when it is missing. Tickets
// with worklogs are never changed.
func (r *Reconciler) fixLinks(ctx context.Context, t *Ticket, parent string, w *worklogs, stats *Stats) error {
	parentFound := false
	for _, link := range t.Links {
		if link.Type != r.opts.LinkType || link.TargetKey == nil {
			continue
		}
		target := *link.TargetKey

		if target == parent && !parentFound {
			parentFound = true
			stats.ParentLinked++
			r.log.Debug("ticket has block link to parent", "ticket", t.Key, "parent", parent)
			continue
		}

		logged, err := w.present(ctx)
		if err != nil {
			return err
		}
		if logged {
			stats.WorklogSkips++
			r.log.Warn("ticket has rogue block link, but there are existing worklogs, ignoring",
				"ticket", t.Key, "target", target)
			continue
		}

		r.log.Warn("ticket has rogue block link, removing", "ticket", t.Key, "target", target)
		stats.LinksRemoved++
		if r.opts.DryRun {
			r.log.Debug("noop", "action", "delete_link", "ticket", t.Key, "link", link.ID)
			continue
		}
		if err := r.tracker.DeleteLink(ctx, link.ID); err != nil {
			return fmt.Errorf("delete link %s to %s: %w", link.ID, target, err)
		}
	}

	if parentFound {
		return nil
	}

	logged, err := w.present(ctx)
	if err != nil {
		return err
	}
	if logged {
		stats.WorklogSkips++
		r.log.Warn("ticket has no block link to parent, but there are existing worklogs, ignoring",
			"ticket", t.Key, "parent", parent)
		return nil
	}

	r.log.Warn("ticket has no block link to parent, adding", "ticket", t.Key, "parent", parent)
	stats.LinksAdded++
	if r.opts.DryRun {
		r.log.Debug("noop", "action", "create_link", "ticket", t.Key, "parent", parent)
		return nil
	}
	if err := r.tracker.CreateLink(ctx, r.opts.LinkType, t.Key, parent); err != nil {
		return fmt.Errorf("link to %s: %w", parent, err)
	}
	return nil
}

// fixDueDate sets created + DueOffset on unresolved tickets without a due
// date. Worklogs do not matter here.
func (r *Reconciler) fixDueDate(ctx context.Context, t *Ticket, stats *Stats) error {
	if t.Resolved || t.DueDate != nil {
		return nil
	}

	due := t.Created.Add(r.opts.DueOffset)
	r.log.Warn("ticket has empty duedate, updating to created + offset",
		"ticket", t.Key, "due", due.Format(time.RFC3339), "offset", r.opts.DueOffset)
	stats.DueDatesSet++
	if r.opts.DryRun {
		r.log.Debug("noop", "action", "set_duedate", "ticket", t.Key)
		return nil
	}
	if err := r.tracker.SetDueDate(ctx, t.Key, due); err != nil {
		return fmt.Errorf("set duedate: %w", err)
	}
	return nil
}

// worklogs looks up the worklog count of one ticket at most once.
type worklogs struct {
	tracker Tracker
	key     string
	count   int
	fetched bool
}

func (w *worklogs) present(ctx context.Context) (bool, error) {
	if !w.fetched {
		n, err := w.tracker.CountWorklogs(ctx, w.key)
		if err != nil {
			return false, fmt.Errorf("list worklogs: %w", err)
		}
		w.count = n
		w.fetched = true
	}
	return w.count > 0, nil
}
