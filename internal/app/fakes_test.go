package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"intake/api/internal/authpw"
	"intake/api/internal/documents"
	"intake/api/internal/export"
	"intake/api/internal/gateway"
	"intake/api/internal/search"
	"intake/api/internal/session"
	"intake/api/internal/store"
	"intake/api/internal/workflow"
)

// fakeBackend is an in-memory record store serving both the data store and
// the intake gateway.
type fakeBackend struct {
	mu        sync.Mutex
	users     map[string]store.User
	workflows map[string]workflow.Workflow
	responses map[string]map[string]map[string]any // workflowID -> sectionID -> data
	links     map[string]workflow.AccessLink       // workflowID -> link
	docs      map[string]store.Document
	upserts   []string
	subs      []*fakeSubscription
	pingErr   error
	upsertErr error
	fetchErr  error
	subErr    error
	fetches   int
	nextID    int
}

var _ dataStore = (*fakeBackend)(nil)
var _ intakeGateway = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		users:     map[string]store.User{},
		workflows: map[string]workflow.Workflow{},
		responses: map[string]map[string]map[string]any{},
		links:     map[string]workflow.AccessLink{},
		docs:      map[string]store.Document{},
	}
}

func (f *fakeBackend) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *fakeBackend) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, workflow.ErrNotFound
	}
	return user, nil
}

func (f *fakeBackend) FetchWorkflow(_ context.Context, workflowID string) (workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return workflow.Workflow{}, workflow.ErrNotFound
	}
	return wf.Clone(), nil
}

func (f *fakeBackend) UpdateWorkflowStatus(_ context.Context, workflowID string, status workflow.Status) (workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return workflow.Workflow{}, workflow.ErrNotFound
	}
	wf.Status = status
	f.workflows[workflowID] = wf
	return wf.Clone(), nil
}

func (f *fakeBackend) ListWorkflows(_ context.Context, _ int) ([]store.WorkflowSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.WorkflowSummary, 0, len(f.workflows))
	for _, wf := range f.workflows {
		owner := f.users[wf.OwnerID]
		out = append(out, store.WorkflowSummary{ID: wf.ID, OwnerID: wf.OwnerID, OwnerEmail: owner.Email, OwnerName: owner.DisplayName, Title: wf.Title, Status: string(wf.Status)})
	}
	return out, nil
}

func (f *fakeBackend) CompleteAccessLinks(_ context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if link, ok := f.links[workflowID]; ok {
		link.Status = workflow.LinkCompleted
		f.links[workflowID] = link
	}
	return nil
}

func (f *fakeBackend) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return store.Document{}, workflow.ErrNotFound
	}
	return doc, nil
}

func (f *fakeBackend) Ping(context.Context) error { return f.pingErr }

func (f *fakeBackend) FetchActiveWorkflow(_ context.Context, ownerID string) (*workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	for _, wf := range f.workflows {
		if wf.OwnerID == ownerID && wf.Status == workflow.StatusActive {
			out := wf.Clone()
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) CreateWorkflow(_ context.Context, ownerID, title string, sections []workflow.Section) (workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf := workflow.Workflow{ID: f.id("wf"), OwnerID: ownerID, Title: title, Status: workflow.StatusActive, Sections: sections}
	f.workflows[wf.ID] = wf.Clone()
	return wf, nil
}

func (f *fakeBackend) FetchResponse(_ context.Context, workflowID, sectionID string) (*workflow.FormResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.responses[workflowID][sectionID]
	if !ok {
		return nil, nil
	}
	return &workflow.FormResponse{WorkflowID: workflowID, SectionID: sectionID, Data: workflow.CloneData(data)}, nil
}

func (f *fakeBackend) ListResponses(_ context.Context, workflowID string) ([]workflow.FormResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []workflow.FormResponse
	for sectionID, data := range f.responses[workflowID] {
		out = append(out, workflow.FormResponse{WorkflowID: workflowID, SectionID: sectionID, Data: workflow.CloneData(data)})
	}
	return out, nil
}

func (f *fakeBackend) UpsertResponse(_ context.Context, workflowID, sectionID string, data map[string]any) (workflow.FormResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return workflow.FormResponse{}, f.upsertErr
	}
	if f.responses[workflowID] == nil {
		f.responses[workflowID] = map[string]map[string]any{}
	}
	merged := workflow.MergeData(f.responses[workflowID][sectionID], data)
	f.responses[workflowID][sectionID] = merged
	f.upserts = append(f.upserts, sectionID)
	return workflow.FormResponse{ID: "resp_" + sectionID, WorkflowID: workflowID, SectionID: sectionID, Data: workflow.CloneData(merged)}, nil
}

func (f *fakeBackend) DeleteResponse(_ context.Context, workflowID, sectionID string) (workflow.FormResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.responses[workflowID][sectionID]; !ok {
		return workflow.FormResponse{}, workflow.ErrNotFound
	}
	delete(f.responses[workflowID], sectionID)
	return workflow.FormResponse{ID: "resp_" + sectionID, WorkflowID: workflowID, SectionID: sectionID}, nil
}

func (f *fakeBackend) SubscribeToWorkflowChanges(_ context.Context, _ string, _ func(workflow.ChangeEvent)) (gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub := &fakeSubscription{errs: make(chan error, 1)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeBackend) FetchOrCreateAccessLink(_ context.Context, workflowID, clientEmail string, expiresAt time.Time) (workflow.AccessLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if link, ok := f.links[workflowID]; ok && link.Status != workflow.LinkCompleted {
		return link, nil
	}
	link := workflow.AccessLink{ID: f.id("link"), WorkflowID: workflowID, ClientEmail: clientEmail, Status: workflow.LinkInProgress, ExpiresAt: expiresAt}
	f.links[workflowID] = link
	return link, nil
}

func (f *fakeBackend) saved(workflowID, sectionID string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return workflow.CloneData(f.responses[workflowID][sectionID])
}

func (f *fakeBackend) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeBackend) subscriptions() []*fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSubscription(nil), f.subs...)
}

// fakeSubscription never delivers changes. drop ends it with an error.
type fakeSubscription struct {
	mu     sync.Mutex
	closed bool
	errs   chan error
}

func (s *fakeSubscription) Open(context.Context) error { return nil }
func (s *fakeSubscription) Err() <-chan error          { return s.errs }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSubscription) drop(err error) {
	s.errs <- err
}

type fakeSessions struct {
	mu      sync.Mutex
	refresh map[string]store.User
	revoked map[string]bool
	pingErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{refresh: map[string]store.User{}, revoked: map[string]bool{}}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, session.ErrSessionNotFound
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeSessions) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeSessions) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeSessions) Ping(context.Context) error { return f.pingErr }

// fakeAuth signs in any user registered on the backend with password
// "correct-horse".
type fakeAuth struct {
	backend *fakeBackend
}

func (f *fakeAuth) SignUp(_ context.Context, req authpw.SignUpRequest) (store.User, error) {
	if req.Email == "" || len(req.Password) < 8 {
		return store.User{}, authpw.ErrInvalidInput
	}
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	for _, user := range f.backend.users {
		if strings.EqualFold(user.Email, req.Email) {
			return store.User{}, authpw.ErrEmailTaken
		}
	}
	user := store.User{ID: f.backend.id("usr"), Email: req.Email, DisplayName: req.DisplayName, Role: "client"}
	f.backend.users[user.ID] = user
	return user, nil
}

func (f *fakeAuth) SignIn(_ context.Context, email, password string) (store.User, error) {
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	for _, user := range f.backend.users {
		if strings.EqualFold(user.Email, email) && password == "correct-horse" {
			return user, nil
		}
	}
	return store.User{}, authpw.ErrInvalidCredentials
}

type sentMail struct {
	kind string
	to   string
	body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeMailer) IsConfigured() bool { return true }

func (f *fakeMailer) SendResumeLink(to, _ string, resumeURL string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{kind: "resume", to: to, body: resumeURL})
	return nil
}

func (f *fakeMailer) SendStatusNotice(to, _ string, _ string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{kind: "status", to: to, body: status})
	return nil
}

func (f *fakeMailer) messages() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

type fakeDocuments struct {
	backend *fakeBackend
	bodies  map[string][]byte
}

func (f *fakeDocuments) Store(_ context.Context, up documents.Upload) (store.Document, error) {
	data, err := io.ReadAll(up.Body)
	if err != nil {
		return store.Document{}, err
	}
	if len(data) == 0 {
		return store.Document{}, documents.ErrEmpty
	}
	f.backend.mu.Lock()
	doc := store.Document{
		ID:          f.backend.id("doc"),
		WorkflowID:  up.WorkflowID,
		SectionID:   up.SectionID,
		FieldID:     up.FieldID,
		FileName:    up.FileName,
		ContentType: up.ContentType,
		SizeBytes:   int64(len(data)),
		UploadedBy:  up.UploadedBy,
	}
	f.backend.docs[doc.ID] = doc
	f.backend.mu.Unlock()
	f.bodies[doc.ID] = data
	return doc, nil
}

func (f *fakeDocuments) Open(ctx context.Context, documentID string) (store.Document, io.ReadCloser, error) {
	doc, err := f.backend.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, nil, err
	}
	return doc, io.NopCloser(bytes.NewReader(f.bodies[documentID])), nil
}

type fakeSearch struct {
	last search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.last = q
	return search.Response{
		Results: []search.Result{{Type: search.ResultResponse, ID: "resp_income", WorkflowID: "wf_1", SectionID: "income", Snippet: "salary: 85000"}},
		Total:   1,
		Query:   q.Text,
	}
}

type fakeExporter struct{}

func (fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	if req.Format != export.FormatHTML && req.Format != export.FormatPDF {
		return nil, export.ErrUnsupportedFormat
	}
	return &export.Result{Data: []byte("<html>" + req.WorkflowID + "</html>"), Filename: "intake-report.html", MimeType: "text/html; charset=utf-8"}, nil
}
