package jira

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/blocksync/internal/reconcile"
)

// Tracker implements reconcile.Tracker on top of a Jira client.
type Tracker struct {
	client *Client
}

var _ reconcile.Tracker = (*Tracker)(nil)

// NewTracker wraps client for use by the reconciler.
func NewTracker(client *Client) *Tracker {
	return &Tracker{client: client}
}

// SearchTickets returns every issue of issueType in project.
func (t *Tracker) SearchTickets(ctx context.Context, project, issueType string) ([]reconcile.Ticket, error) {
	jql := fmt.Sprintf("project = %q AND issuetype = %q ORDER BY key ASC", project, issueType)

	issues, err := t.client.SearchIssues(ctx, jql)
	if err != nil {
		return nil, err
	}

	tickets := make([]reconcile.Ticket, 0, len(issues))
	for i := range issues {
		ticket, err := issueToTicket(&issues[i])
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

// CountWorklogs returns the number of worklogs on an issue.
func (t *Tracker) CountWorklogs(ctx context.Context, key string) (int, error) {
	resp, err := t.client.GetWorklogs(ctx, key)
	if err != nil {
		return 0, err
	}
	return max(resp.Total, len(resp.Worklogs)), nil
}

// DeleteLink deletes an issue link.
func (t *Tracker) DeleteLink(ctx context.Context, linkID string) error {
	return t.client.DeleteIssueLink(ctx, linkID)
}

// CreateLink makes from hold an outward link of linkType to to.
func (t *Tracker) CreateLink(ctx context.Context, linkType, from, to string) error {
	return t.client.CreateIssueLink(ctx, linkType, from, to)
}

// SetDueDate sets the duedate field to the calendar date of due.
func (t *Tracker) SetDueDate(ctx context.Context, key string, due time.Time) error {
	return t.client.UpdateIssue(ctx, key, map[string]interface{}{
		"duedate": due.Format(DateLayout),
	})
}

// issueToTicket converts a Jira issue to the reconciler's view of it.
func issueToTicket(issue *Issue) (reconcile.Ticket, error) {
	ticket := reconcile.Ticket{
		Key:      issue.Key,
		Resolved: issue.Fields.Resolution != nil,
	}

	created, err := ParseTimestamp(issue.Fields.Created)
	if err != nil {
		return ticket, fmt.Errorf("%s: created: %w", issue.Key, err)
	}
	ticket.Created = created

	if issue.Fields.DueDate != "" {
		due, err := time.ParseInLocation(DateLayout, issue.Fields.DueDate, created.Location())
		if err != nil {
			return ticket, fmt.Errorf("%s: duedate: %w", issue.Key, err)
		}
		ticket.DueDate = &due
	}

	for _, l := range issue.Fields.IssueLinks {
		link := reconcile.Link{ID: l.ID, Type: l.Type.Name}
		if l.OutwardIssue != nil {
			target := l.OutwardIssue.Key
			link.TargetKey = &target
		}
		ticket.Links = append(ticket.Links, link)
	}
	return ticket, nil
}
