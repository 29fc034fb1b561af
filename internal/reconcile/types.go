// Package reconcile enforces the "Blocks" link and due-date policy on the
// tasks of a tracker project.
package reconcile

import (
	"context"
	"strings"
	"time"
)

// Policy defaults.
const (
	DefaultIssueType = "Task"
	DefaultLinkType  = "Blocks"
	DefaultDueOffset = 7 * 24 * time.Hour
)

// Link is an issue link as seen from the ticket that holds it.
type Link struct {
	ID   string
	Type string

	// TargetKey is the key of the linked issue for outward links and nil
	// for inward ones.
	TargetKey *string
}

// Ticket is the subset of a tracker issue the policies look at.
type Ticket struct {
	Key      string
	Resolved bool
	DueDate  *time.Time
	Created  time.Time
	Links    []Link
}

// Tracker is the issue tracker as the reconciler needs it.
type Tracker interface {
	// SearchTickets returns every issue of issueType in project. It must not
	// truncate the result.
	SearchTickets(ctx context.Context, project, issueType string) ([]Ticket, error)
	CountWorklogs(ctx context.Context, key string) (int, error)
	DeleteLink(ctx context.Context, linkID string) error
	// CreateLink creates a link of linkType so that from holds an outward
	// link to to.
	CreateLink(ctx context.Context, linkType, from, to string) error
	SetDueDate(ctx context.Context, key string, due time.Time) error
}

// Options configures a Reconciler. Zero values fall back to the defaults.
type Options struct {
	IssueType string
	LinkType  string
	DueOffset time.Duration
	DryRun    bool

	// ContinueOnError keeps processing the remaining tickets after a
	// tracker error instead of aborting the run.
	ContinueOnError bool
}

func (o Options) withDefaults() Options {
	if o.IssueType == "" {
		o.IssueType = DefaultIssueType
	}
	if o.LinkType == "" {
		o.LinkType = DefaultLinkType
	}
	if o.DueOffset <= 0 {
		o.DueOffset = DefaultDueOffset
	}
	return o
}

// Stats summarizes one project run. In dry-run mode the mutation counters
// count the mutations that would have been issued.
type Stats struct {
	Tickets      int
	ParentLinked int
	LinksRemoved int
	LinksAdded   int
	WorklogSkips int
	DueDatesSet  int
	Failed       int
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Tickets += other.Tickets
	s.ParentLinked += other.ParentLinked
	s.LinksRemoved += other.LinksRemoved
	s.LinksAdded += other.LinksAdded
	s.WorklogSkips += other.WorklogSkips
	s.DueDatesSet += other.DueDatesSet
	s.Failed += other.Failed
}

// Mutations is the number of tracker writes the run issued (or would have).
func (s Stats) Mutations() int {
	return s.LinksRemoved + s.LinksAdded + s.DueDatesSet
}

// ProjectKey returns the project part of an issue key: everything before
// the first hyphen ("ABC-1" -> "ABC").
func ProjectKey(parent string) string {
	project, _, _ := strings.Cut(parent, "-")
	return project
}
