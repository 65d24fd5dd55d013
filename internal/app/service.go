package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"intake/api/internal/auth"
	"intake/api/internal/authpw"
	"intake/api/internal/autosave"
	"intake/api/internal/clock"
	"intake/api/internal/config"
	"intake/api/internal/documents"
	"intake/api/internal/export"
	"intake/api/internal/gateway"
	"intake/api/internal/intake"
	"intake/api/internal/rbac"
	"intake/api/internal/search"
	"intake/api/internal/store"
	"intake/api/internal/util"
	"intake/api/internal/workflow"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	FetchWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID string, status workflow.Status) (workflow.Workflow, error)
	ListWorkflows(ctx context.Context, limit int) ([]store.WorkflowSummary, error)
	CompleteAccessLinks(ctx context.Context, workflowID string) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

type passwordAuth interface {
	SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error)
	SignIn(ctx context.Context, email, password string) (store.User, error)
}

// intakeGateway is the engine's gateway plus the advisor-only delete.
type intakeGateway interface {
	gateway.Gateway
	DeleteResponse(ctx context.Context, workflowID, sectionID string) (workflow.FormResponse, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type documentStore interface {
	Store(ctx context.Context, up documents.Upload) (store.Document, error)
	Open(ctx context.Context, documentID string) (store.Document, io.ReadCloser, error)
}

type mailer interface {
	IsConfigured() bool
	SendResumeLink(to, userName, resumeURL string, expiresAt time.Time) error
	SendStatusNotice(to, userName, workflowTitle, status string) error
}

// Deps are the collaborators of Service. Search, Export, Documents and
// Mailer may be nil; the routes that need them then answer 503.
type Deps struct {
	Store     dataStore
	Sessions  sessionStore
	Auth      passwordAuth
	Gateway   intakeGateway
	Search    searcher
	Export    exporter
	Documents documentStore
	Mailer    mailer
	Sections  []workflow.Section
	Title     string
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	auth      passwordAuth
	gw        intakeGateway
	search    searcher
	export    exporter
	documents documentStore
	mailer    mailer
	sections  []workflow.Section
	title     string
	clock     clock.Clock
	logger    *slog.Logger

	// mu guards managers, one per signed-in user.
	mu       sync.Mutex
	managers map[string]*intake.Manager
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		auth:      deps.Auth,
		gw:        deps.Gateway,
		search:    deps.Search,
		export:    deps.Export,
		documents: deps.Documents,
		mailer:    deps.Mailer,
		sections:  deps.Sections,
		title:     deps.Title,
		clock:     clk,
		logger:    logger,
		managers:  make(map[string]*intake.Manager),
	}
}

// Ping checks the database and Redis. The returned map holds one entry per
// dependency.
func (s *Service) Ping(ctx context.Context) (map[string]error, bool) {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.sessions != nil {
		checks["redis"] = s.sessions.Ping(ctx)
	}
	ok := true
	for _, err := range checks {
		if err != nil {
			ok = false
		}
	}
	return checks, ok
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Sessions

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.auth.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	// A failed initialize stays terminal until the user authenticates again.
	s.dropFailedManager(ctx, user.ID)
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Email: user.Email,
		Name:  user.DisplayName,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, workflow.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.Expiry(),
	}, nil
}

// Logout revokes both tokens and tears down the user's intake session,
// flushing any pending edits first.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", "user_id", session.UserID, "error", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh token failed", "user_id", session.UserID, "error", err)
		}
	}
	return s.dropManager(ctx, session.UserID)
}

// Intake session registry

func (s *Service) managerFor(userID string) *intake.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.managers[userID]; ok {
		return m
	}
	m := intake.NewManager(s.gw, intake.Options{
		Sections:      s.sections,
		WorkflowTitle: s.title,
		LinkTTL:       s.cfg.LinkTTL,
		Debounce:      s.cfg.AutosaveDebounce,
		SaveTimeout:   s.cfg.SaveTimeout,
		Clock:         s.clock,
		Logger:        s.logger.With("user_id", userID),
	})
	m.OnSubscriptionError(func(err error) {
		s.logger.Warn("intake change stream dropped; reopening on next request", "user_id", userID, "error", err)
	})
	s.managers[userID] = m
	return m
}

// owns reports whether m is still the registered manager for userID. A
// manager dropped while a request was initializing it must not stay live.
func (s *Service) owns(userID string, m *intake.Manager) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.managers[userID] == m
}

func (s *Service) dropManager(ctx context.Context, userID string) error {
	s.mu.Lock()
	m, ok := s.managers[userID]
	delete(s.managers, userID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return m.Reset(ctx)
}

func (s *Service) dropFailedManager(ctx context.Context, userID string) {
	s.mu.Lock()
	m, ok := s.managers[userID]
	if !ok || m.State() != intake.StateError {
		s.mu.Unlock()
		return
	}
	delete(s.managers, userID)
	s.mu.Unlock()
	if err := m.Reset(ctx); err != nil {
		s.logger.Warn("reset failed intake session", "user_id", userID, "error", err)
	}
}

// Shutdown flushes and closes every live intake session.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.managers))
	for id := range s.managers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.dropManager(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// InitializeIntake loads or creates the caller's workflow and opens its
// change stream. A failed initialize is terminal: later calls return the
// stored error without touching the store until the user signs in again or
// logs out. A workflow that loaded but whose stream could not be opened is
// reported as a subscription error; calling again retries the stream.
func (s *Service) InitializeIntake(ctx context.Context, session Session) (workflow.Workflow, workflow.AccessLink, error) {
	m, wf, link, err := s.initialize(ctx, session)
	if err != nil {
		return workflow.Workflow{}, workflow.AccessLink{}, err
	}
	if err := m.SubscriptionErr(); err != nil {
		return workflow.Workflow{}, workflow.AccessLink{}, err
	}
	return wf, link, nil
}

func (s *Service) initialize(ctx context.Context, session Session) (*intake.Manager, workflow.Workflow, workflow.AccessLink, error) {
	return s.initializeManager(ctx, s.managerFor(session.UserID), session)
}

func (s *Service) initializeManager(ctx context.Context, m *intake.Manager, session Session) (*intake.Manager, workflow.Workflow, workflow.AccessLink, error) {
	wf, link, err := m.Initialize(ctx, intake.Identity{ID: session.UserID, Email: session.Email})
	if err != nil {
		return nil, workflow.Workflow{}, workflow.AccessLink{}, err
	}
	s.openStream(ctx, m)
	if !s.owns(session.UserID, m) {
		if err := m.Reset(ctx); err != nil {
			s.logger.Warn("reset orphaned intake session", "user_id", session.UserID, "error", err)
		}
		return nil, workflow.Workflow{}, workflow.AccessLink{}, errNotReady("initialize")
	}
	return m, wf, link, nil
}

// openStream (re)opens the change stream when it is not live. Saving works
// without it, so a failure is recorded on the manager and logged only.
func (s *Service) openStream(ctx context.Context, m *intake.Manager) {
	if err := m.Open(ctx); err != nil {
		s.logger.Warn("open change stream failed", "user_id", m.Identity().ID, "error", err)
	}
}

// readyManager returns the caller's manager, initializing it on first use
// and reopening a change stream that dropped.
func (s *Service) readyManager(ctx context.Context, session Session) (*intake.Manager, error) {
	m := s.managerFor(session.UserID)
	if m.State() == intake.StateReady {
		if m.SubscriptionErr() != nil {
			s.openStream(ctx, m)
		}
		return m, nil
	}
	if _, _, _, err := s.initializeManager(ctx, m, session); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamState reports whether remote changes are reaching the session.
type StreamState struct {
	Live  bool   `json:"live"`
	Error string `json:"error,omitempty"`
}

func streamState(m *intake.Manager) StreamState {
	if err := m.SubscriptionErr(); err != nil {
		return StreamState{Error: err.Error()}
	}
	return StreamState{Live: true}
}

// StatusView is the autosave status plus the change stream state.
type StatusView struct {
	autosave.Status
	Stream StreamState `json:"stream"`
}

// IntakeView is the client-facing snapshot of an intake session.
type IntakeView struct {
	Workflow workflow.Workflow   `json:"workflow"`
	Link     workflow.AccessLink `json:"link"`
	Status   autosave.Status     `json:"status"`
	Stream   StreamState         `json:"stream"`
	Complete int                 `json:"complete"`
	Total    int                 `json:"total"`
}

func (s *Service) IntakeSnapshot(ctx context.Context, session Session) (IntakeView, error) {
	m, err := s.readyManager(ctx, session)
	if err != nil {
		return IntakeView{}, err
	}
	wf := m.CurrentWorkflow()
	link := m.Link()
	status, err := m.Status()
	if err != nil {
		return IntakeView{}, err
	}
	if wf == nil || link == nil {
		return IntakeView{}, errNotReady("snapshot")
	}
	// Show unsaved edits of the bound section on top of the cache.
	if sectionID, draft := m.Draft(); sectionID != "" {
		wf.ReplaceSectionData(sectionID, draft)
	}
	complete, total := wf.Progress()
	return IntakeView{Workflow: *wf, Link: *link, Status: status, Stream: streamState(m), Complete: complete, Total: total}, nil
}

func (s *Service) SelectSection(ctx context.Context, session Session, sectionID string) (workflow.Section, autosave.Status, error) {
	m, err := s.readyManager(ctx, session)
	if err != nil {
		return workflow.Section{}, autosave.Status{}, err
	}
	controller, err := m.SelectSection(ctx, sectionID)
	if err != nil {
		return workflow.Section{}, autosave.Status{}, err
	}
	wf := m.CurrentWorkflow()
	if wf == nil {
		return workflow.Section{}, autosave.Status{}, errNotReady("select section")
	}
	section, _ := wf.Section(sectionID)
	if controller.SectionID() == sectionID {
		section.Data = controller.Draft()
	}
	return section, controller.Status(), nil
}

func (s *Service) EditField(ctx context.Context, session Session, sectionID, fieldID string, value any) (autosave.Status, error) {
	m, err := s.readyManager(ctx, session)
	if err != nil {
		return autosave.Status{}, err
	}
	return m.Edit(ctx, sectionID, fieldID, value)
}

func (s *Service) FlushIntake(ctx context.Context, session Session) (autosave.Status, error) {
	m, err := s.readyManager(ctx, session)
	if err != nil {
		return autosave.Status{}, err
	}
	return m.Flush(ctx)
}

func (s *Service) SaveProgress(ctx context.Context, session Session, sectionID string, data map[string]any) (workflow.Section, error) {
	m, err := s.readyManager(ctx, session)
	if err != nil {
		return workflow.Section{}, err
	}
	if err := m.SaveProgress(ctx, sectionID, data); err != nil {
		return workflow.Section{}, err
	}
	wf := m.CurrentWorkflow()
	if wf == nil {
		return workflow.Section{}, errNotReady("save progress")
	}
	section, _ := wf.Section(sectionID)
	return section, nil
}

func (s *Service) IntakeStatus(ctx context.Context, session Session) (StatusView, error) {
	m, err := s.readyManager(ctx, session)
	if err != nil {
		return StatusView{}, err
	}
	status, err := m.Status()
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Status: status, Stream: streamState(m)}, nil
}

// UploadDocument stores a file for a file field and records the document id
// as the field's answer.
func (s *Service) UploadDocument(ctx context.Context, session Session, sectionID, fieldID, fileName, contentType string, body io.Reader) (store.Document, error) {
	if s.documents == nil {
		return store.Document{}, domainError(http.StatusServiceUnavailable, "DOCUMENTS_UNAVAILABLE", "Document storage not configured", nil)
	}
	m, err := s.readyManager(ctx, session)
	if err != nil {
		return store.Document{}, err
	}
	wf := m.CurrentWorkflow()
	if wf == nil {
		return store.Document{}, errNotReady("upload")
	}
	section, ok := wf.Section(sectionID)
	if !ok {
		return store.Document{}, &workflow.Error{Kind: workflow.KindValidation, Op: "upload", WorkflowID: wf.ID, SectionID: sectionID, Err: workflow.ErrUnknownSection}
	}
	field, ok := section.Field(fieldID)
	if !ok || field.Type != workflow.FieldFile {
		return store.Document{}, &workflow.Error{Kind: workflow.KindValidation, Op: "upload", WorkflowID: wf.ID, SectionID: sectionID, FieldID: fieldID, Err: workflow.ErrUnknownField}
	}

	doc, err := s.documents.Store(ctx, documents.Upload{
		WorkflowID:  wf.ID,
		SectionID:   sectionID,
		FieldID:     fieldID,
		FileName:    fileName,
		ContentType: contentType,
		UploadedBy:  session.UserID,
		Body:        body,
	})
	if err != nil {
		return store.Document{}, err
	}
	if err := m.SaveProgress(ctx, sectionID, map[string]any{fieldID: doc.ID}); err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

// OpenDocument lets advisors read any document and clients read documents
// of their own workflow.
func (s *Service) OpenDocument(ctx context.Context, session Session, documentID string) (store.Document, io.ReadCloser, error) {
	if s.documents == nil {
		return store.Document{}, nil, domainError(http.StatusServiceUnavailable, "DOCUMENTS_UNAVAILABLE", "Document storage not configured", nil)
	}
	if !s.Can(session.Role, rbac.ActionReview) {
		doc, err := s.store.GetDocument(ctx, documentID)
		if err != nil {
			return store.Document{}, nil, err
		}
		m, err := s.readyManager(ctx, session)
		if err != nil {
			return store.Document{}, nil, err
		}
		if wf := m.CurrentWorkflow(); wf == nil || wf.ID != doc.WorkflowID {
			return store.Document{}, nil, workflow.ErrNotFound
		}
	}
	return s.documents.Open(ctx, documentID)
}

// EmailResumeLink sends the caller a link back into their intake.
func (s *Service) EmailResumeLink(ctx context.Context, session Session) error {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return domainError(http.StatusServiceUnavailable, "EMAIL_UNAVAILABLE", "Email not configured", nil)
	}
	m, err := s.readyManager(ctx, session)
	if err != nil {
		return err
	}
	link := m.Link()
	if link == nil {
		return errNotReady("email link")
	}
	if err := s.mailer.SendResumeLink(link.ClientEmail, session.UserName, s.resumeURL(*link), link.ExpiresAt); err != nil {
		return domainError(http.StatusBadGateway, "EMAIL_FAILED", "Could not send email", nil)
	}
	return nil
}

func (s *Service) resumeURL(link workflow.AccessLink) string {
	base := strings.TrimRight(s.cfg.PublicURL, "/")
	return base + "/intake?link=" + url.QueryEscape(link.ID)
}

// Advisor operations

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) ListWorkflows(ctx context.Context, limit int) ([]store.WorkflowSummary, error) {
	return s.store.ListWorkflows(ctx, limit)
}

// WorkflowDetail returns the persisted state of any workflow.
func (s *Service) WorkflowDetail(ctx context.Context, workflowID string) (workflow.Workflow, error) {
	wf, err := s.store.FetchWorkflow(ctx, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	responses, err := s.gw.ListResponses(ctx, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	for _, resp := range responses {
		wf.ReplaceSectionData(resp.SectionID, resp.Data)
	}
	return wf, nil
}

func (s *Service) ExportReport(ctx context.Context, workflowID string, format export.Format) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export not configured", nil)
	}
	return s.export.Export(ctx, export.Request{WorkflowID: workflowID, Format: format})
}

// UpdateWorkflowStatus moves a workflow between active, completed and
// archived. Completing closes its links. The owner's live session is
// flushed and dropped so their next request starts from the new state.
func (s *Service) UpdateWorkflowStatus(ctx context.Context, workflowID string, status workflow.Status) (workflow.Workflow, error) {
	switch status {
	case workflow.StatusActive, workflow.StatusCompleted, workflow.StatusArchived:
	default:
		return workflow.Workflow{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be active, completed or archived", map[string]any{"status": status})
	}

	current, err := s.store.FetchWorkflow(ctx, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if err := s.dropManager(ctx, current.OwnerID); err != nil {
		s.logger.Warn("flush owner session before status change", "workflow_id", workflowID, "error", err)
	}

	wf, err := s.store.UpdateWorkflowStatus(ctx, workflowID, status)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if status == workflow.StatusCompleted {
		if err := s.store.CompleteAccessLinks(ctx, workflowID); err != nil {
			return workflow.Workflow{}, err
		}
	}

	if s.mailer != nil && s.mailer.IsConfigured() && status != workflow.StatusActive {
		if owner, err := s.store.GetUserByID(ctx, wf.OwnerID); err == nil {
			if err := s.mailer.SendStatusNotice(owner.Email, owner.DisplayName, wf.Title, string(status)); err != nil {
				s.logger.Warn("status notice failed", "workflow_id", workflowID, "error", err)
			}
		}
	}
	s.logger.Info("workflow status changed", "workflow_id", workflowID, "status", status)
	return wf, nil
}

// ClearSection removes a section's saved answers. Live sessions receive the
// delete over the change stream.
func (s *Service) ClearSection(ctx context.Context, workflowID, sectionID string) error {
	if _, err := s.gw.DeleteResponse(ctx, workflowID, sectionID); err != nil {
		return err
	}
	return nil
}

func errNotReady(op string) error {
	return &workflow.Error{Kind: workflow.KindInitialization, Op: op, Err: workflow.ErrNotReady}
}
