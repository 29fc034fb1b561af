package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTracker is an in-memory tracker that applies mutations to its own
// state so that consecutive runs observe each other.
type fakeTracker struct {
	order    []string
	tickets  map[string]*Ticket
	worklogs map[string]int
	nextLink int

	calls     []string
	failOn    map[string]error
	searchErr error
	onCall    func(call string)
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		tickets:  make(map[string]*Ticket),
		worklogs: make(map[string]int),
		failOn:   make(map[string]error),
		nextLink: 100,
	}
}

func (f *fakeTracker) add(t Ticket, worklogs int) {
	f.order = append(f.order, t.Key)
	f.tickets[t.Key] = &t
	f.worklogs[t.Key] = worklogs
}

func (f *fakeTracker) SearchTickets(_ context.Context, project, issueType string) ([]Ticket, error) {
	f.calls = append(f.calls, "search "+project+" "+issueType)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []Ticket
	for _, key := range f.order {
		if ProjectKey(key) != project {
			continue
		}
		t := *f.tickets[key]
		t.Links = append([]Link(nil), t.Links...)
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTracker) CountWorklogs(_ context.Context, key string) (int, error) {
	f.calls = append(f.calls, "worklogs "+key)
	return f.worklogs[key], nil
}

func (f *fakeTracker) DeleteLink(_ context.Context, linkID string) error {
	f.calls = append(f.calls, "delete "+linkID)
	if err := f.failOn["delete "+linkID]; err != nil {
		return err
	}
	for _, t := range f.tickets {
		for i, l := range t.Links {
			if l.ID == linkID {
				t.Links = append(t.Links[:i], t.Links[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("link %s not found", linkID)
}

func (f *fakeTracker) CreateLink(_ context.Context, linkType, from, to string) error {
	f.calls = append(f.calls, "link "+from+" "+to)
	if f.onCall != nil {
		f.onCall("link " + from + " " + to)
	}
	if err := f.failOn["link "+from]; err != nil {
		return err
	}
	f.nextLink++
	target := to
	t := f.tickets[from]
	t.Links = append(t.Links, Link{ID: fmt.Sprint(f.nextLink), Type: linkType, TargetKey: &target})
	return nil
}

func (f *fakeTracker) SetDueDate(_ context.Context, key string, due time.Time) error {
	f.calls = append(f.calls, "duedate "+key+" "+due.Format(time.DateOnly))
	f.tickets[key].DueDate = &due
	return nil
}

func (f *fakeTracker) mutations() []string {
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, "search ") || strings.HasPrefix(c, "worklogs ") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *fakeTracker) blocksTargets(key string) []string {
	var out []string
	for _, l := range f.tickets[key].Links {
		if l.Type == DefaultLinkType && l.TargetKey != nil {
			out = append(out, *l.TargetKey)
		}
	}
	return out
}

func outward(id, target string) Link {
	return Link{ID: id, Type: DefaultLinkType, TargetKey: &target}
}

func inward(id string) Link {
	return Link{ID: id, Type: DefaultLinkType}
}

func ptime(t time.Time) *time.Time { return &t }

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
}

var created = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestProjectKey(t *testing.T) {
	tests := map[string]string{
		"ABC-1":     "ABC",
		"OPS-1234":  "OPS",
		"MY-PROJ-7": "MY",
		"NOHYPHEN":  "NOHYPHEN",
		"":          "",
	}
	for parent, want := range tests {
		assert.Equal(t, want, ProjectKey(parent), "ProjectKey(%q)", parent)
	}
}

func TestRun_AddsMissingLinkAndDueDate(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-5", Created: created}, 0)

	stats, err := New(ft, nil, Options{}).Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"link ABC-5 ABC-1", "duedate ABC-5 2024-03-08"}, ft.mutations())
	assert.Equal(t, []string{"ABC-1"}, ft.blocksTargets("ABC-5"))
	require.NotNil(t, ft.tickets["ABC-5"].DueDate)
	assert.True(t, ft.tickets["ABC-5"].DueDate.Equal(time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, Stats{Tickets: 1, LinksAdded: 1, DueDatesSet: 1}, stats)
}

func TestRun_ReplacesRogueLink(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-6", Created: created, DueDate: ptime(created), Links: []Link{outward("10", "ABC-2")}}, 0)

	stats, err := New(ft, nil, Options{}).Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"delete 10", "link ABC-6 ABC-1"}, ft.mutations())
	assert.Equal(t, []string{"ABC-1"}, ft.blocksTargets("ABC-6"))
	assert.Equal(t, 1, stats.LinksRemoved)
	assert.Equal(t, 1, stats.LinksAdded)
}

func TestRun_WorklogsProtectLinks(t *testing.T) {
	var buf bytes.Buffer
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-7", Created: created, Links: []Link{outward("10", "ABC-2")}}, 3)

	stats, err := New(ft, testLogger(&buf), Options{}).Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)

	// Only the due-date policy applies.
	assert.Equal(t, []string{"duedate ABC-7 2024-03-08"}, ft.mutations())
	assert.Equal(t, []string{"ABC-2"}, ft.blocksTargets("ABC-7"))
	assert.Equal(t, 2, stats.WorklogSkips)
	assert.Contains(t, buf.String(), `level=WARN msg="ticket has rogue block link, but there are existing worklogs, ignoring" ticket=ABC-7 target=ABC-2`)
	assert.Contains(t, buf.String(), `level=WARN msg="ticket has no block link to parent, but there are existing worklogs, ignoring" ticket=ABC-7 parent=ABC-1`)
}

func TestRun_WorklogsProtectAnyLinkSet(t *testing.T) {
	tests := map[string][]Link{
		"no links":           nil,
		"parent only":        {outward("1", "ABC-1")},
		"rogue only":         {outward("1", "ABC-2")},
		"parent and rogues":  {outward("1", "ABC-2"), outward("2", "ABC-1"), outward("3", "XYZ-9")},
		"duplicate parent":   {outward("1", "ABC-1"), outward("2", "ABC-1")},
		"inward and outward": {inward("1"), outward("2", "ABC-3")},
	}
	for name, links := range tests {
		t.Run(name, func(t *testing.T) {
			ft := newFakeTracker()
			ft.add(Ticket{Key: "ABC-8", Created: created, Resolved: true, Links: links}, 1)

			_, err := New(ft, nil, Options{}).Run(context.Background(), "ABC", "ABC-1")
			require.NoError(t, err)
			assert.Empty(t, ft.mutations())
		})
	}
}

func TestRun_SingleCorrectLink(t *testing.T) {
	tests := map[string][]Link{
		"no links":          nil,
		"one rogue":         {outward("1", "ABC-2")},
		"many rogues":       {outward("1", "ABC-2"), outward("2", "ABC-3"), outward("3", "XYZ-1")},
		"parent and rogues": {outward("1", "ABC-2"), outward("2", "ABC-1"), outward("3", "ABC-4")},
		"duplicate parent":  {outward("1", "ABC-1"), outward("2", "ABC-1")},
		"inward link kept":  {inward("1"), outward("2", "ABC-2")},
		"other link types":  {{ID: "1", Type: "Relates", TargetKey: ptr("ABC-9")}},
	}
	for name, links := range tests {
		t.Run(name, func(t *testing.T) {
			ft := newFakeTracker()
			ft.add(Ticket{Key: "ABC-9", Created: created, Links: links}, 0)

			_, err := New(ft, nil, Options{}).Run(context.Background(), "ABC", "ABC-1")
			require.NoError(t, err)
			assert.Equal(t, []string{"ABC-1"}, ft.blocksTargets("ABC-9"))
		})
	}
}

func ptr(s string) *string { return &s }

func TestRun_DueDatePolicy(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		ticket  Ticket
		wantDue *time.Time
	}{
		"unresolved without due date": {
			ticket:  Ticket{Created: start},
			wantDue: ptime(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)),
		},
		"resolved without due date": {
			ticket: Ticket{Created: start, Resolved: true},
		},
		"existing due date": {
			ticket:  Ticket{Created: start, DueDate: ptime(existing)},
			wantDue: ptime(existing),
		},
		"resolved with due date": {
			ticket:  Ticket{Created: start, Resolved: true, DueDate: ptime(existing)},
			wantDue: ptime(existing),
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ft := newFakeTracker()
			tt.ticket.Key = "ABC-10"
			tt.ticket.Links = []Link{outward("1", "ABC-1")}
			ft.add(tt.ticket, 0)

			_, err := New(ft, nil, Options{}).Run(context.Background(), "ABC", "ABC-1")
			require.NoError(t, err)

			got := ft.tickets["ABC-10"].DueDate
			if tt.wantDue == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.wantDue.Equal(*got), "due = %v, want %v", got, tt.wantDue)
		})
	}
}

func TestRun_CustomOptions(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-11", Created: created, Links: []Link{outward("1", "ABC-1")}}, 0)

	opts := Options{IssueType: "Story", LinkType: "Relates", DueOffset: 48 * time.Hour}
	_, err := New(ft, nil, opts).Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)

	assert.Equal(t, "search ABC Story", ft.calls[0])
	// The Blocks link is not of the enforced type, so a Relates link is added.
	assert.Equal(t, []string{"link ABC-11 ABC-1", "duedate ABC-11 2024-03-03"}, ft.mutations())
}

func TestRun_Idempotent(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-5", Created: created}, 0)
	ft.add(Ticket{Key: "ABC-6", Created: created, Links: []Link{outward("10", "ABC-2"), outward("11", "ABC-3")}}, 0)
	ft.add(Ticket{Key: "ABC-7", Created: created, Links: []Link{outward("12", "ABC-2")}}, 3)
	ft.add(Ticket{Key: "ABC-8", Created: created, Resolved: true, Links: []Link{outward("13", "ABC-1")}}, 0)

	r := New(ft, nil, Options{})
	first, err := r.Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)
	assert.NotZero(t, first.Mutations())

	ft.calls = nil
	second, err := r.Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)
	assert.Zero(t, second.Mutations())
	assert.Empty(t, ft.mutations())
}

func TestRun_DryRunIsolation(t *testing.T) {
	build := func() *fakeTracker {
		ft := newFakeTracker()
		ft.add(Ticket{Key: "ABC-5", Created: created}, 0)
		ft.add(Ticket{Key: "ABC-6", Created: created, Links: []Link{outward("10", "ABC-2")}}, 0)
		ft.add(Ticket{Key: "ABC-7", Created: created, Links: []Link{outward("12", "ABC-2")}}, 3)
		return ft
	}
	decisions := func(buf *bytes.Buffer) []string {
		var out []string
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			if strings.Contains(line, "msg=noop") || strings.Contains(line, "dry_run=") {
				continue
			}
			out = append(out, line)
		}
		return out
	}

	var dryLog, liveLog bytes.Buffer
	dry, live := build(), build()

	dryStats, err := New(dry, testLogger(&dryLog), Options{DryRun: true}).Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)
	liveStats, err := New(live, testLogger(&liveLog), Options{}).Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)

	assert.Empty(t, dry.mutations())
	assert.NotEmpty(t, live.mutations())
	assert.Equal(t, build().tickets["ABC-6"].Links, dry.tickets["ABC-6"].Links)
	assert.Nil(t, dry.tickets["ABC-5"].DueDate)

	assert.Equal(t, decisions(&liveLog), decisions(&dryLog))
	assert.Equal(t, liveStats, dryStats)
	assert.Equal(t, 6, strings.Count(dryLog.String(), "msg=noop"))
}

func TestRun_WorklogsFetchedOncePerTicket(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-7", Created: created, Links: []Link{outward("1", "ABC-2"), outward("2", "ABC-3")}}, 2)
	ft.add(Ticket{Key: "ABC-8", Created: created, Links: []Link{outward("3", "ABC-1")}}, 2)

	_, err := New(ft, nil, Options{}).Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)

	var lookups []string
	for _, c := range ft.calls {
		if strings.HasPrefix(c, "worklogs ") {
			lookups = append(lookups, c)
		}
	}
	// ABC-8 is correctly linked, so its worklogs are never needed.
	assert.Equal(t, []string{"worklogs ABC-7"}, lookups)
}

func TestRun_ErrorAbortsRun(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-5", Created: created}, 0)
	ft.add(Ticket{Key: "ABC-6", Created: created}, 0)
	boom := errors.New("boom")
	ft.failOn["link ABC-5"] = boom

	stats, err := New(ft, nil, Options{}).Run(context.Background(), "ABC", "ABC-1")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "ABC-5")
	assert.Equal(t, 1, stats.Tickets)
	assert.Equal(t, []string{"link ABC-5 ABC-1"}, ft.mutations())
}

func TestRun_ContinueOnError(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-5", Created: created}, 0)
	ft.add(Ticket{Key: "ABC-6", Created: created}, 0)
	boom := errors.New("boom")
	ft.failOn["link ABC-5"] = boom

	stats, err := New(ft, nil, Options{ContinueOnError: true}).Run(context.Background(), "ABC", "ABC-1")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, stats.Tickets)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []string{"ABC-1"}, ft.blocksTargets("ABC-6"))
}

func TestRun_SearchError(t *testing.T) {
	ft := newFakeTracker()
	ft.searchErr = errors.New("unauthorized")

	_, err := New(ft, nil, Options{}).Run(context.Background(), "ABC", "ABC-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search Task issues in ABC")
}

func TestRun_CanceledContext(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-5", Created: created}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(ft, nil, Options{}).Run(ctx, "ABC", "ABC-1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ft.mutations())
}

func TestRun_CanceledAfterFailureKeepsErrors(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-5", Created: created}, 0)
	ft.add(Ticket{Key: "ABC-6", Created: created}, 0)
	boom := errors.New("boom")
	ft.failOn["link ABC-5"] = boom

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ft.onCall = func(call string) {
		if call == "link ABC-5 ABC-1" {
			cancel()
		}
	}

	stats, err := New(ft, nil, Options{ContinueOnError: true}).Run(ctx, "ABC", "ABC-1")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "ABC-5")
	assert.Equal(t, 1, stats.Failed)
	assert.Empty(t, ft.blocksTargets("ABC-6"))
}

func TestRun_ParentIsNotLinkedToItself(t *testing.T) {
	ft := newFakeTracker()
	ft.add(Ticket{Key: "ABC-1", Created: created, Links: []Link{outward("1", "ABC-99")}}, 0)

	_, err := New(ft, nil, Options{}).Run(context.Background(), "ABC", "ABC-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"duedate ABC-1 2024-03-08"}, ft.mutations())
}

func TestStatsAdd(t *testing.T) {
	total := Stats{Tickets: 1, LinksAdded: 1}
	total.Add(Stats{Tickets: 2, LinksRemoved: 3, DueDatesSet: 1, Failed: 1})
	assert.Equal(t, Stats{Tickets: 3, LinksAdded: 1, LinksRemoved: 3, DueDatesSet: 1, Failed: 1}, total)
	assert.Equal(t, 5, total.Mutations())
}
