// Package jiratest provides an in-memory Jira server for tests.
//
// The server keeps issues, issue links and worklog counts, applies link
// and duedate mutations to that state and records every request, so that
// consecutive runs against it observe each other.
package jiratest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/steveyegge/blocksync/internal/jira"
)

// RecordedRequest stores information about a request made to the server.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Server is a fake Jira instance.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	issues   map[string]*jira.Issue
	order    []string
	worklogs map[string]int
	nextLink int
	requests []RecordedRequest

	pageSize    int
	failStatus  int
	failCount   int
	requireAuth string
}

// NewServer starts a fake Jira server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		issues:   make(map[string]*jira.Issue),
		worklogs: make(map[string]int),
		nextLink: 20000,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// AddIssue stores an issue with the given number of worklogs.
func (s *Server) AddIssue(issue jira.Issue, worklogs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if issue.Fields.IssueType == nil {
		issue.Fields.IssueType = &jira.IssueType{Name: "Task"}
	}
	if _, ok := s.issues[issue.Key]; !ok {
		s.order = append(s.order, issue.Key)
	}
	s.issues[issue.Key] = &issue
	s.worklogs[issue.Key] = worklogs
}

// AddLink links from -> to with the given type, as the issueLink endpoint
// would, and returns the link ID.
func (s *Server) AddLink(linkType, from, to string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link(linkType, from, to)
}

// Issue returns a copy of the stored issue.
func (s *Server) Issue(key string) (jira.Issue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[key]
	if !ok {
		return jira.Issue{}, false
	}
	cp := *issue
	cp.Fields.IssueLinks = slices.Clone(issue.Fields.IssueLinks)
	return cp, true
}

// OutwardTargets returns the keys of the outward links of linkType on key.
func (s *Server) OutwardTargets(key, linkType string) []string {
	issue, _ := s.Issue(key)
	var out []string
	for _, l := range issue.Fields.IssueLinks {
		if l.Type.Name == linkType && l.OutwardIssue != nil {
			out = append(out, l.OutwardIssue.Key)
		}
	}
	return out
}

// SetPageSize caps the number of issues returned per search page.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// FailNext makes the next n requests fail with status.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failCount = n
}

// RequireAuth rejects requests whose Authorization header differs.
func (s *Server) RequireAuth(header string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireAuth = header
}

// Requests returns all recorded requests.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Mutations returns the recorded requests that change state.
func (s *Server) Mutations() []RecordedRequest {
	var out []RecordedRequest
	for _, r := range s.Requests() {
		if r.Method != http.MethodGet {
			out = append(out, r)
		}
	}
	return out
}

// ClearRequests forgets all recorded requests.
func (s *Server) ClearRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

var (
	worklogPath = regexp.MustCompile(`^/rest/api/2/issue/([^/]+)/worklog$`)
	issuePath   = regexp.MustCompile(`^/rest/api/2/issue/([^/]+)$`)
	linkPath    = regexp.MustCompile(`^/rest/api/2/issueLink/([^/]+)$`)

	jqlProject = regexp.MustCompile(`project\s*=\s*"?([A-Za-z0-9_]+)"?`)
	jqlType    = regexp.MustCompile(`issuetype\s*=\s*"([^"]+)"`)
)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})

	if s.requireAuth != "" && r.Header.Get("Authorization") != s.requireAuth {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.failCount > 0 {
		s.failCount--
		writeError(w, s.failStatus, http.StatusText(s.failStatus))
		return
	}

	path := r.URL.Path
	switch {
	case path == "/rest/api/2/search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)
	case worklogPath.MatchString(path) && r.Method == http.MethodGet:
		s.handleWorklogs(w, worklogPath.FindStringSubmatch(path)[1])
	case issuePath.MatchString(path) && r.Method == http.MethodPut:
		s.handleUpdate(w, issuePath.FindStringSubmatch(path)[1], body)
	case path == "/rest/api/2/issueLink" && r.Method == http.MethodPost:
		s.handleCreateLink(w, body)
	case linkPath.MatchString(path) && r.Method == http.MethodDelete:
		s.handleDeleteLink(w, linkPath.FindStringSubmatch(path)[1])
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jql := q.Get("jql")

	var project, issueType string
	if m := jqlProject.FindStringSubmatch(jql); m != nil {
		project = m[1]
	}
	if m := jqlType.FindStringSubmatch(jql); m != nil {
		issueType = m[1]
	}

	var matched []jira.Issue
	for _, key := range s.order {
		issue := s.issues[key]
		if project != "" && !strings.HasPrefix(key, project+"-") {
			continue
		}
		if issueType != "" && !strings.EqualFold(issue.Fields.IssueType.Name, issueType) {
			continue
		}
		cp := *issue
		cp.Fields.IssueLinks = slices.Clone(issue.Fields.IssueLinks)
		matched = append(matched, cp)
	}

	startAt, _ := strconv.Atoi(q.Get("startAt"))
	maxResults, _ := strconv.Atoi(q.Get("maxResults"))
	if s.pageSize > 0 && (maxResults <= 0 || maxResults > s.pageSize) {
		maxResults = s.pageSize
	}
	if maxResults <= 0 {
		maxResults = 50
	}

	page := []jira.Issue{}
	if startAt < len(matched) {
		page = matched[startAt:min(startAt+maxResults, len(matched))]
	}

	writeJSON(w, http.StatusOK, jira.SearchResponse{
		StartAt:    startAt,
		MaxResults: maxResults,
		Total:      len(matched),
		Issues:     page,
	})
}

func (s *Server) handleWorklogs(w http.ResponseWriter, key string) {
	if _, ok := s.issues[key]; !ok {
		writeError(w, http.StatusNotFound, "Issue does not exist")
		return
	}
	n := s.worklogs[key]
	resp := jira.WorklogResponse{MaxResults: n, Total: n, Worklogs: []jira.Worklog{}}
	for i := 0; i < n; i++ {
		resp.Worklogs = append(resp.Worklogs, jira.Worklog{ID: strconv.Itoa(i + 1), TimeSpentSeconds: 3600})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, key string, body []byte) {
	issue, ok := s.issues[key]
	if !ok {
		writeError(w, http.StatusNotFound, "Issue does not exist")
		return
	}
	var req jira.UpdateIssueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if due, ok := req.Fields["duedate"].(string); ok {
		issue.Fields.DueDate = due
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateLink(w http.ResponseWriter, body []byte) {
	var req jira.CreateLinkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_, fromOK := s.issues[req.InwardIssue.Key]
	if !fromOK {
		writeError(w, http.StatusNotFound, "Issue does not exist")
		return
	}
	s.link(req.Type.Name, req.InwardIssue.Key, req.OutwardIssue.Key)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteLink(w http.ResponseWriter, id string) {
	found := false
	for _, issue := range s.issues {
		before := len(issue.Fields.IssueLinks)
		issue.Fields.IssueLinks = slices.DeleteFunc(issue.Fields.IssueLinks, func(l jira.IssueLink) bool {
			return l.ID == id
		})
		found = found || len(issue.Fields.IssueLinks) != before
	}
	if !found {
		writeError(w, http.StatusNotFound, "No issue link with id '"+id+"' exists.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// link records the link on both ends: outward on from, inward on to.
// The target does not have to exist locally.
func (s *Server) link(linkType, from, to string) string {
	s.nextLink++
	id := strconv.Itoa(s.nextLink)
	lt := jira.LinkType{Name: linkType, Inward: "is blocked by", Outward: "blocks"}
	if issue, ok := s.issues[from]; ok {
		issue.Fields.IssueLinks = append(issue.Fields.IssueLinks, jira.IssueLink{
			ID: id, Type: lt, OutwardIssue: &jira.IssueRef{Key: to},
		})
	}
	if issue, ok := s.issues[to]; ok {
		issue.Fields.IssueLinks = append(issue.Fields.IssueLinks, jira.IssueLink{
			ID: id, Type: lt, InwardIssue: &jira.IssueRef{Key: from},
		})
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string][]string{"errorMessages": {msg}})
}

// MakeIssue creates a task with the given created timestamp and no links.
func MakeIssue(key, created string) jira.Issue {
	return jira.Issue{
		ID:  "10" + key[strings.LastIndex(key, "-")+1:],
		Key: key,
		Fields: jira.Fields{
			IssueType: &jira.IssueType{ID: "10001", Name: "Task"},
			Created:   created,
		},
	}
}
