// Package intake ties one signed-in identity to its active workflow. The
// Manager resolves or creates the workflow and access link, keeps a cached
// copy of every section's answers, drives the autosave controller for the
// section being edited, and folds in changes made by other sessions.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"intake/api/internal/autosave"
	"intake/api/internal/clock"
	"intake/api/internal/gateway"
	"intake/api/internal/workflow"
)

const (
	DefaultLinkTTL    = 30 * 24 * time.Hour
	maxSelectAttempts = 3
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateError         State = "error"
)

type Identity struct {
	ID    string
	Email string
}

type Options struct {
	// Sections is the template copied into newly created workflows.
	Sections      []workflow.Section
	WorkflowTitle string
	LinkTTL       time.Duration
	Debounce      time.Duration
	SaveTimeout   time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

type Manager struct {
	gw            gateway.Gateway
	sections      []workflow.Section
	workflowTitle string
	linkTTL       time.Duration
	debounce      time.Duration
	saveTimeout   time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	// initMu serializes Initialize and Reset.
	initMu sync.Mutex
	// subMu serializes Open and Close.
	subMu sync.Mutex

	// mu guards the fields below. It is never held while calling
	// controller.Flush, because a commit's OnCommit hook takes it.
	mu         sync.Mutex
	state      State
	identity   Identity
	current    *workflow.Workflow
	link       *workflow.AccessLink
	initErr    error
	controller *autosave.Controller
	sub        gateway.Subscription
	stopWatch  chan struct{}
	subErr     error
	onSubErr   func(error)
}

func NewManager(gw gateway.Gateway, opts Options) *Manager {
	sections := opts.Sections
	if len(sections) == 0 {
		sections = workflow.DefaultDefinition().NewSections()
	}
	title := strings.TrimSpace(opts.WorkflowTitle)
	if title == "" {
		title = workflow.DefaultDefinition().Title
	}
	linkTTL := opts.LinkTTL
	if linkTTL <= 0 {
		linkTTL = DefaultLinkTTL
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		gw:            gw,
		sections:      sections,
		workflowTitle: title,
		linkTTL:       linkTTL,
		debounce:      opts.Debounce,
		saveTimeout:   opts.SaveTimeout,
		clock:         clk,
		logger:        logger,
		state:         StateUninitialized,
	}
}

// Initialize loads, or on first use creates, the identity's active workflow
// and its access link. Once Ready it returns the cached pair without calling
// the gateway. After a failure the manager stays in StateError until Reset.
func (m *Manager) Initialize(ctx context.Context, identity Identity) (workflow.Workflow, workflow.AccessLink, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	identity.ID = strings.TrimSpace(identity.ID)
	identity.Email = strings.TrimSpace(identity.Email)

	m.mu.Lock()
	switch m.state {
	case StateReady:
		defer m.mu.Unlock()
		if identity.ID != m.identity.ID {
			return workflow.Workflow{}, workflow.AccessLink{}, initializationError("", fmt.Errorf("session belongs to another identity"))
		}
		return m.current.Clone(), *m.link, nil
	case StateError:
		defer m.mu.Unlock()
		return workflow.Workflow{}, workflow.AccessLink{}, m.initErr
	}
	if identity.ID == "" {
		m.mu.Unlock()
		return workflow.Workflow{}, workflow.AccessLink{}, initializationError("", workflow.ErrMissingIdentity)
	}
	if identity.Email == "" {
		m.mu.Unlock()
		return workflow.Workflow{}, workflow.AccessLink{}, initializationError("", workflow.ErrMissingEmail)
	}
	m.state = StateLoading
	m.identity = identity
	m.mu.Unlock()

	wf, link, err := m.load(ctx, identity)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateError
		m.initErr = err
		m.logger.Error("intake initialize failed", "user_id", identity.ID, "error", err)
		return workflow.Workflow{}, workflow.AccessLink{}, err
	}
	m.current = &wf
	m.link = &link
	m.controller = autosave.New(linkGuard{m: m}, autosave.Options{
		WorkflowID:  wf.ID,
		Debounce:    m.debounce,
		SaveTimeout: m.saveTimeout,
		Clock:       m.clock,
		Logger:      m.logger,
		OnCommit:    m.applyCommit,
	})
	m.state = StateReady
	m.logger.Info("intake ready", "user_id", identity.ID, "workflow_id", wf.ID, "link_id", link.ID)
	return wf.Clone(), link, nil
}

func (m *Manager) load(ctx context.Context, identity Identity) (workflow.Workflow, workflow.AccessLink, error) {
	active, err := m.gw.FetchActiveWorkflow(ctx, identity.ID)
	if err != nil {
		return workflow.Workflow{}, workflow.AccessLink{}, initializationError("", fmt.Errorf("fetch active workflow: %w", err))
	}
	var wf workflow.Workflow
	if active != nil {
		wf = *active
	} else {
		sections := make([]workflow.Section, len(m.sections))
		for i, section := range m.sections {
			sections[i] = section.Clone()
			sections[i].Data = map[string]any{}
		}
		wf, err = m.gw.CreateWorkflow(ctx, identity.ID, m.workflowTitle, sections)
		if err != nil {
			return workflow.Workflow{}, workflow.AccessLink{}, initializationError("", fmt.Errorf("create workflow: %w", err))
		}
	}

	responses, err := m.gw.ListResponses(ctx, wf.ID)
	if err != nil {
		return workflow.Workflow{}, workflow.AccessLink{}, initializationError(wf.ID, fmt.Errorf("load responses: %w", err))
	}
	for _, resp := range responses {
		if !wf.ReplaceSectionData(resp.SectionID, resp.Data) {
			m.logger.Warn("ignoring response for unknown section", "workflow_id", wf.ID, "section_id", resp.SectionID)
		}
	}

	link, err := m.gw.FetchOrCreateAccessLink(ctx, wf.ID, identity.Email, m.clock.Now().Add(m.linkTTL))
	if err != nil {
		return workflow.Workflow{}, workflow.AccessLink{}, initializationError(wf.ID, fmt.Errorf("access link: %w", err))
	}
	return wf, link, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// CurrentWorkflow returns a copy of the cached workflow, or nil before the
// manager is ready.
func (m *Manager) CurrentWorkflow() *workflow.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	wf := m.current.Clone()
	return &wf
}

func (m *Manager) Link() *workflow.AccessLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return nil
	}
	link := *m.link
	return &link
}

// Controller returns the autosave controller, or nil before Ready.
func (m *Manager) Controller() *autosave.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controller
}

func (m *Manager) ready() (*autosave.Controller, workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return nil, workflow.Workflow{}, &workflow.Error{Kind: workflow.KindInitialization, Op: "ready", Err: workflow.ErrNotReady}
	}
	return m.controller, m.current.Clone(), nil
}

// SaveProgress writes data for a section immediately, bypassing the
// debounce. The stored answers are merged, never replaced.
func (m *Manager) SaveProgress(ctx context.Context, sectionID string, data map[string]any) error {
	controller, wf, err := m.ready()
	if err != nil {
		return err
	}
	section, ok := wf.Section(sectionID)
	if !ok {
		return validationError("save_progress", wf.ID, sectionID, "", workflow.ErrUnknownSection)
	}

	normalized := make(map[string]any, len(data))
	for fieldID, value := range data {
		field, ok := section.Field(fieldID)
		if !ok {
			return validationError("save_progress", wf.ID, sectionID, fieldID, workflow.ErrUnknownField)
		}
		v, err := field.Normalize(value)
		if err != nil {
			return validationError("save_progress", wf.ID, sectionID, fieldID, err)
		}
		normalized[fieldID] = v
	}

	saveCtx := ctx
	if m.saveTimeout > 0 {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(ctx, m.saveTimeout)
		defer cancel()
	}

	// The bound section may have a commit in flight; writing beside it
	// would let the older draft land last.
	if handled, err := controller.Commit(saveCtx, sectionID, normalized); handled {
		if err != nil {
			return persistenceError("save_progress", wf.ID, sectionID, err)
		}
		return nil
	}

	resp, err := linkGuard{m: m}.UpsertResponse(saveCtx, wf.ID, sectionID, normalized)
	if err != nil {
		return persistenceError("save_progress", wf.ID, sectionID, err)
	}

	m.mu.Lock()
	if m.current != nil && m.current.ID == wf.ID {
		m.current.MergeSectionData(sectionID, normalized)
	}
	m.mu.Unlock()

	// Untouched fields of a bound draft pick up the saved values.
	resp.Data = normalized
	controller.ApplyRemote(workflow.ChangeEvent{Kind: workflow.ChangeUpdate, Record: resp})
	return nil
}

// SelectSection flushes the section currently being edited and binds the
// controller to sectionID. When the flush fails the previous binding is
// kept so its unsaved edits survive.
func (m *Manager) SelectSection(ctx context.Context, sectionID string) (*autosave.Controller, error) {
	controller, wf, err := m.ready()
	if err != nil {
		return nil, err
	}
	if _, ok := wf.Section(sectionID); !ok {
		return nil, validationError("select_section", wf.ID, sectionID, "", workflow.ErrUnknownSection)
	}
	if controller.SectionID() == sectionID {
		return controller, nil
	}
	// Edits can land between the flush and the bind; BindClean refuses to
	// drop them, so flush again.
	for attempt := 0; attempt < maxSelectAttempts; attempt++ {
		if err := controller.Flush(ctx); err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.controller != controller || m.current == nil {
			m.mu.Unlock()
			return nil, &workflow.Error{Kind: workflow.KindInitialization, Op: "select_section", WorkflowID: wf.ID, Err: workflow.ErrNotReady}
		}
		section, _ := m.current.Section(sectionID)
		bound := controller.BindClean(section)
		m.mu.Unlock()
		if bound {
			m.logger.Debug("section selected", "workflow_id", wf.ID, "section_id", sectionID)
			return controller, nil
		}
	}
	return nil, persistenceError("select_section", wf.ID, sectionID, errors.New("section kept changing while switching"))
}

// Edit records a field value in the draft of sectionID, selecting the
// section first if another one is bound.
func (m *Manager) Edit(ctx context.Context, sectionID, fieldID string, value any) (autosave.Status, error) {
	controller, err := m.SelectSection(ctx, sectionID)
	if err != nil {
		return autosave.Status{}, err
	}
	if err := controller.EditSection(sectionID, fieldID, value); err != nil {
		return controller.Status(), err
	}
	return controller.Status(), nil
}

// Flush commits any unsaved edits of the bound section now.
func (m *Manager) Flush(ctx context.Context) (autosave.Status, error) {
	controller, _, err := m.ready()
	if err != nil {
		return autosave.Status{}, err
	}
	err = controller.Flush(ctx)
	return controller.Status(), err
}

func (m *Manager) Status() (autosave.Status, error) {
	controller, _, err := m.ready()
	if err != nil {
		return autosave.Status{}, err
	}
	return controller.Status(), nil
}

// Draft returns the bound section and its in-memory answers.
func (m *Manager) Draft() (string, map[string]any) {
	controller, _, err := m.ready()
	if err != nil {
		return "", nil
	}
	return controller.SectionID(), controller.Draft()
}

func (m *Manager) applyCommit(sectionID string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.MergeSectionData(sectionID, data)
	}
}

// Open subscribes to the workflow's change stream. Calling it while a
// subscription is live is a no-op; after the stream drops it re-subscribes.
func (m *Manager) Open(ctx context.Context) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	_, wf, err := m.ready()
	if err != nil {
		return err
	}
	m.mu.Lock()
	live := m.sub != nil
	m.mu.Unlock()
	if live {
		return nil
	}

	sub, err := m.gw.SubscribeToWorkflowChanges(ctx, wf.ID, m.handleChange)
	if err != nil {
		return m.failSubscription(wf.ID, err)
	}
	if err := sub.Open(ctx); err != nil {
		return m.failSubscription(wf.ID, err)
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.sub = sub
	m.stopWatch = stop
	m.subErr = nil
	m.mu.Unlock()
	go m.watch(wf.ID, sub, stop)
	m.logger.Debug("subscribed to workflow changes", "workflow_id", wf.ID)
	return nil
}

func (m *Manager) failSubscription(workflowID string, err error) error {
	subErr := subscriptionError(workflowID, err)
	m.mu.Lock()
	m.subErr = subErr
	m.mu.Unlock()
	return subErr
}

func (m *Manager) watch(workflowID string, sub gateway.Subscription, stop chan struct{}) {
	select {
	case <-stop:
		return
	case err := <-sub.Err():
		subErr := subscriptionError(workflowID, err)
		m.mu.Lock()
		if m.sub != sub {
			m.mu.Unlock()
			return
		}
		m.sub = nil
		m.stopWatch = nil
		m.subErr = subErr
		hook := m.onSubErr
		m.mu.Unlock()

		_ = sub.Close()
		m.logger.Warn("workflow change stream lost", "workflow_id", workflowID, "error", err)
		if hook != nil {
			hook(subErr)
		}
	}
}

// Close ends the change subscription. The manager stays ready.
func (m *Manager) Close() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return m.closeSubscription()
}

func (m *Manager) closeSubscription() error {
	m.mu.Lock()
	sub, stop := m.sub, m.stopWatch
	m.sub = nil
	m.stopWatch = nil
	m.mu.Unlock()
	if sub == nil {
		return nil
	}
	close(stop)
	if err := sub.Close(); err != nil {
		return subscriptionError("", err)
	}
	return nil
}

// SubscriptionErr returns the error that ended the last subscription, or
// nil while it is healthy.
func (m *Manager) SubscriptionErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subErr
}

// OnSubscriptionError registers fn to run when the change stream drops.
func (m *Manager) OnSubscriptionError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSubErr = fn
}

func (m *Manager) handleChange(event workflow.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || event.Record.WorkflowID != m.current.ID {
		return
	}
	sectionID := event.Record.SectionID

	if m.controller != nil && m.controller.SectionID() == sectionID {
		merge, _ := m.controller.ApplyRemote(event)
		if event.Kind == workflow.ChangeDelete {
			section, _ := m.current.Section(sectionID)
			for _, fieldID := range merge.Cleared {
				delete(section.Data, fieldID)
			}
			m.current.ReplaceSectionData(sectionID, section.Data)
			return
		}
		m.current.MergeSectionData(sectionID, merge.Applied)
		return
	}

	if event.Kind == workflow.ChangeDelete {
		m.current.ReplaceSectionData(sectionID, map[string]any{})
		return
	}
	if !m.current.MergeSectionData(sectionID, event.Record.Data) {
		m.logger.Debug("change for unknown section", "workflow_id", m.current.ID, "section_id", sectionID)
	}
}

// Reset flushes pending edits, drops the subscription and returns the
// manager to StateUninitialized. The returned error reports a failed flush;
// the reset happens regardless.
func (m *Manager) Reset(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	var errs []error
	if controller := m.Controller(); controller != nil {
		if err := controller.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.subMu.Lock()
	if err := m.closeSubscription(); err != nil {
		errs = append(errs, err)
	}
	m.subMu.Unlock()

	m.mu.Lock()
	if m.controller != nil {
		m.controller.Close()
	}
	m.state = StateUninitialized
	m.identity = Identity{}
	m.current = nil
	m.link = nil
	m.initErr = nil
	m.controller = nil
	m.subErr = nil
	m.mu.Unlock()
	return errors.Join(errs...)
}

// linkGuard refuses writes once the session's access link has expired.
type linkGuard struct {
	m *Manager
}

func (g linkGuard) UpsertResponse(ctx context.Context, workflowID, sectionID string, data map[string]any) (workflow.FormResponse, error) {
	g.m.mu.Lock()
	link := g.m.link
	g.m.mu.Unlock()
	if link == nil || !link.Writable(g.m.clock.Now()) {
		return workflow.FormResponse{}, &workflow.Error{
			Kind:       workflow.KindPersistence,
			Op:         "commit",
			WorkflowID: workflowID,
			SectionID:  sectionID,
			Err:        workflow.ErrLinkExpired,
		}
	}
	return g.m.gw.UpsertResponse(ctx, workflowID, sectionID, data)
}

func initializationError(workflowID string, err error) error {
	return &workflow.Error{Kind: workflow.KindInitialization, Op: "initialize", WorkflowID: workflowID, Err: err}
}

func subscriptionError(workflowID string, err error) error {
	if workflow.IsKind(err, workflow.KindSubscription) {
		return err
	}
	return &workflow.Error{Kind: workflow.KindSubscription, Op: "subscribe", WorkflowID: workflowID, Err: err}
}

func validationError(op, workflowID, sectionID, fieldID string, err error) error {
	if workflow.IsKind(err, workflow.KindValidation) {
		return err
	}
	return &workflow.Error{Kind: workflow.KindValidation, Op: op, WorkflowID: workflowID, SectionID: sectionID, FieldID: fieldID, Err: err}
}

func persistenceError(op, workflowID, sectionID string, err error) error {
	if workflow.IsKind(err, workflow.KindPersistence) {
		return err
	}
	return &workflow.Error{Kind: workflow.KindPersistence, Op: op, WorkflowID: workflowID, SectionID: sectionID, Err: err}
}
