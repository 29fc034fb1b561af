package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/blocksync/internal/reconcile"
)

const trackerScopeName = "github.com/steveyegge/blocksync/tracker"

// InstrumentedTracker wraps reconcile.Tracker with OTel tracing and metrics.
// Every method gets a span and is counted in blocksync.tracker.* metrics.
type InstrumentedTracker struct {
	inner  reconcile.Tracker
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

var _ reconcile.Tracker = (*InstrumentedTracker)(nil)

// WrapTracker returns t decorated with OTel instrumentation.
// When telemetry is disabled, t is returned as-is.
func WrapTracker(t reconcile.Tracker) reconcile.Tracker {
	if !Enabled() {
		return t
	}
	return NewInstrumentedTracker(t, Tracer(trackerScopeName), Meter(trackerScopeName))
}

// NewInstrumentedTracker decorates t using the given tracer and meter.
func NewInstrumentedTracker(t reconcile.Tracker, tracer trace.Tracer, m metric.Meter) *InstrumentedTracker {
	ops, _ := m.Int64Counter("blocksync.tracker.operations",
		metric.WithDescription("Total issue tracker calls"),
	)
	dur, _ := m.Float64Histogram("blocksync.tracker.operation.duration",
		metric.WithDescription("Issue tracker call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("blocksync.tracker.errors",
		metric.WithDescription("Total failed issue tracker calls"),
	)
	return &InstrumentedTracker{inner: t, tracer: tracer, ops: ops, dur: dur, errs: errs}
}

func (t *InstrumentedTracker) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("tracker.operation", name)}, attrs...)
	ctx, span := t.tracer.Start(ctx, "tracker."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	t.ops.Add(ctx, 1, metric.WithAttributes(attribute.String("tracker.operation", name)))
	return ctx, span, time.Now()
}

func (t *InstrumentedTracker) done(ctx context.Context, name string, span trace.Span, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("tracker.operation", name))
	t.dur.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.errs.Add(ctx, 1, attrs)
	}
	span.End()
}

func (t *InstrumentedTracker) SearchTickets(ctx context.Context, project, issueType string) ([]reconcile.Ticket, error) {
	ctx, span, start := t.op(ctx, "search",
		attribute.String("jira.project", project),
		attribute.String("jira.issue_type", issueType),
	)
	tickets, err := t.inner.SearchTickets(ctx, project, issueType)
	span.SetAttributes(attribute.Int("jira.tickets", len(tickets)))
	t.done(ctx, "search", span, start, err)
	return tickets, err
}

func (t *InstrumentedTracker) CountWorklogs(ctx context.Context, key string) (int, error) {
	ctx, span, start := t.op(ctx, "worklogs", attribute.String("jira.issue", key))
	n, err := t.inner.CountWorklogs(ctx, key)
	span.SetAttributes(attribute.Int("jira.worklogs", n))
	t.done(ctx, "worklogs", span, start, err)
	return n, err
}

func (t *InstrumentedTracker) DeleteLink(ctx context.Context, linkID string) error {
	ctx, span, start := t.op(ctx, "delete_link", attribute.String("jira.link_id", linkID))
	err := t.inner.DeleteLink(ctx, linkID)
	t.done(ctx, "delete_link", span, start, err)
	return err
}

func (t *InstrumentedTracker) CreateLink(ctx context.Context, linkType, from, to string) error {
	ctx, span, start := t.op(ctx, "create_link",
		attribute.String("jira.link_type", linkType),
		attribute.String("jira.issue", from),
		attribute.String("jira.parent", to),
	)
	err := t.inner.CreateLink(ctx, linkType, from, to)
	t.done(ctx, "create_link", span, start, err)
	return err
}

func (t *InstrumentedTracker) SetDueDate(ctx context.Context, key string, due time.Time) error {
	ctx, span, start := t.op(ctx, "set_duedate",
		attribute.String("jira.issue", key),
		attribute.String("jira.duedate", due.Format(time.DateOnly)),
	)
	err := t.inner.SetDueDate(ctx, key, due)
	t.done(ctx, "set_duedate", span, start, err)
	return err
}

// StartRun opens a span covering the reconciliation of one parent. The
// returned function ends it and records the run's outcome counters.
func StartRun(ctx context.Context, project, parent string, dryRun bool) (context.Context, func(reconcile.Stats, error)) {
	return startRun(ctx, Tracer(""), Meter(""), project, parent, dryRun)
}

func startRun(ctx context.Context, tracer trace.Tracer, m metric.Meter, project, parent string, dryRun bool) (context.Context, func(reconcile.Stats, error)) {
	attrs := []attribute.KeyValue{
		attribute.String("jira.project", project),
		attribute.String("jira.parent", parent),
		attribute.Bool("blocksync.dry_run", dryRun),
	}
	ctx, span := tracer.Start(ctx, "reconcile.run", trace.WithAttributes(attrs...))
	actions, _ := m.Int64Counter("blocksync.reconcile.actions",
		metric.WithDescription("Tickets inspected and changes decided, by kind"),
	)

	return ctx, func(stats reconcile.Stats, err error) {
		for kind, n := range map[string]int{
			"tickets":       stats.Tickets,
			"links_removed": stats.LinksRemoved,
			"links_added":   stats.LinksAdded,
			"parent_linked": stats.ParentLinked,
			"worklog_skips": stats.WorklogSkips,
			"due_dates_set": stats.DueDatesSet,
			"failed":        stats.Failed,
		} {
			actions.Add(ctx, int64(n), metric.WithAttributes(append(attrs, attribute.String("kind", kind))...))
		}
		span.SetAttributes(
			attribute.Int("blocksync.tickets", stats.Tickets),
			attribute.Int("blocksync.mutations", stats.Mutations()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
