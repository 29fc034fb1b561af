// Package jira provides a Jira REST client and the adapter that exposes it
// to the reconciler.
package jira

import (
	"time"
)

// API constants
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxElapsed = 30 * time.Second
	MaxPageSize       = 100

	// DateLayout is the format of the duedate field.
	DateLayout = "2006-01-02"
)

// Issue represents a Jira issue from the REST API.
type Issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"` // e.g., "PROJ-123"
	Self   string `json:"self,omitempty"`
	Fields Fields `json:"fields"`
}

// Fields contains the issue field values requested by the reconciler.
type Fields struct {
	IssueType  *IssueType  `json:"issuetype,omitempty"`
	Resolution *Resolution `json:"resolution"`
	DueDate    string      `json:"duedate,omitempty"`
	Created    string      `json:"created"`
	IssueLinks []IssueLink `json:"issuelinks"`
}

// IssueType represents a Jira issue type.
type IssueType struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Subtask bool   `json:"subtask,omitempty"`
}

// Resolution represents a Jira resolution. A nil resolution means the
// issue is unresolved.
type Resolution struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// IssueLink represents a link between issues, as listed on one of them.
// Exactly one of InwardIssue and OutwardIssue is set.
type IssueLink struct {
	ID           string    `json:"id"`
	Type         LinkType  `json:"type"`
	InwardIssue  *IssueRef `json:"inwardIssue,omitempty"`
	OutwardIssue *IssueRef `json:"outwardIssue,omitempty"`
}

// LinkType describes the type of link.
type LinkType struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Inward  string `json:"inward,omitempty"`
	Outward string `json:"outward,omitempty"`
}

// IssueRef is a reference to another issue in a link.
type IssueRef struct {
	ID  string `json:"id,omitempty"`
	Key string `json:"key"`
}

// SearchResponse is the response from the JQL search endpoint.
type SearchResponse struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// Worklog is a single worklog entry. Only its presence matters here.
type Worklog struct {
	ID               string `json:"id"`
	TimeSpentSeconds int    `json:"timeSpentSeconds,omitempty"`
}

// WorklogResponse is the response from the issue worklog endpoint.
type WorklogResponse struct {
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
	Worklogs   []Worklog `json:"worklogs"`
}

// CreateLinkRequest is the request body for creating an issue link.
type CreateLinkRequest struct {
	Type         LinkType `json:"type"`
	InwardIssue  IssueRef `json:"inwardIssue"`
	OutwardIssue IssueRef `json:"outwardIssue"`
}

// UpdateIssueRequest is the request body for updating an issue.
type UpdateIssueRequest struct {
	Fields map[string]interface{} `json:"fields"`
}
