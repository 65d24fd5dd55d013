// Package autosave owns a client's in-progress answers for one section at a
// time. It debounces edits into commits, keeps at most one commit in flight,
// and merges remote changes without overwriting fields the user has touched
// since the last successful commit.
package autosave

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"intake/api/internal/clock"
	"intake/api/internal/workflow"
)

const (
	MinDebounce        = time.Second
	MaxDebounce        = 1500 * time.Millisecond
	DefaultDebounce    = 1200 * time.Millisecond
	DefaultSaveTimeout = 15 * time.Second
)

// Saver persists a section's answers. Implementations update the live row
// for (workflowID, sectionID) when one exists and insert it otherwise.
type Saver interface {
	UpsertResponse(ctx context.Context, workflowID, sectionID string, data map[string]any) (workflow.FormResponse, error)
}

type Options struct {
	WorkflowID string
	// Debounce is the quiet period after the last edit before a commit.
	// Clamped to [MinDebounce, MaxDebounce]; zero means DefaultDebounce.
	Debounce    time.Duration
	SaveTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
	// OnCommit runs after a successful commit with the data that was sent.
	// It is not called for commits whose binding has since been replaced.
	OnCommit func(sectionID string, data map[string]any)
}

// Status is the save state observable by callers.
type Status struct {
	SectionID   string          `json:"sectionId"`
	Saving      bool            `json:"saving"`
	Dirty       bool            `json:"dirty"`
	LastSavedAt *time.Time      `json:"lastSavedAt"`
	LastError   *workflow.Error `json:"-"`
}

// RemoteMerge describes what a remote change did to the draft.
type RemoteMerge struct {
	// Applied holds the remote values that were accepted.
	Applied map[string]any
	// Kept lists fields whose local edits were preserved over the remote
	// value.
	Kept []string
	// Cleared lists fields removed by a delete event.
	Cleared []string
}

type commitRequest struct {
	generation uint64
	sectionID  string
	data       map[string]any
	versions   map[string]uint64
}

type Controller struct {
	saver       Saver
	workflowID  string
	debounce    time.Duration
	saveTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	onCommit    func(string, map[string]any)

	mu         sync.Mutex
	generation uint64
	bound      bool
	sectionID  string
	fields     map[string]workflow.Field
	draft      map[string]any
	// touched maps a field to the edit version that last changed it. A
	// field leaves the map once a commit carrying that version succeeds.
	touched     map[string]uint64
	version     uint64
	timer       clock.Timer
	timerSeq    uint64
	inFlight    bool
	followUp    bool
	settled     chan struct{}
	lastSavedAt *time.Time
	lastError   *workflow.Error
}

// New returns an unbound Controller.
func New(saver Saver, opts Options) *Controller {
	debounce := opts.Debounce
	switch {
	case debounce == 0:
		debounce = DefaultDebounce
	case debounce < MinDebounce:
		debounce = MinDebounce
	case debounce > MaxDebounce:
		debounce = MaxDebounce
	}
	saveTimeout := opts.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = DefaultSaveTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		saver:       saver,
		workflowID:  opts.WorkflowID,
		debounce:    debounce,
		saveTimeout: saveTimeout,
		clock:       clk,
		logger:      logger,
		onCommit:    opts.OnCommit,
		settled:     make(chan struct{}),
	}
}

// Debounce returns the configured quiet period.
func (c *Controller) Debounce() time.Duration { return c.debounce }

// Bind points the controller at section and resets the draft to its data.
// A pending debounce timer from the previous binding is stopped, and a
// commit still in flight for it will be discarded when it settles.
func (c *Controller) Bind(section workflow.Section) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindLocked(section)
}

func (c *Controller) bindLocked(section workflow.Section) {
	c.resetLocked()
	c.bound = true
	c.sectionID = section.ID
	c.fields = make(map[string]workflow.Field, len(section.Fields))
	for _, f := range section.Fields {
		c.fields[f.ID] = f
	}
	c.draft = workflow.CloneData(section.Data)
	c.logger.Debug("autosave bound", "workflow_id", c.workflowID, "section_id", section.ID)
}

// BindClean binds section like Bind, but only when the current binding has
// no unsaved edits and no commit in flight. It reports whether it bound.
func (c *Controller) BindClean(section workflow.Section) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound && (c.inFlight || len(c.touched) > 0) {
		return false
	}
	c.bindLocked(section)
	return true
}

// Close unbinds the controller. An in-flight commit is allowed to finish
// but its result is discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	c.stopTimerLocked()
	c.generation++
	c.bound = false
	c.sectionID = ""
	c.fields = nil
	c.draft = nil
	c.touched = make(map[string]uint64)
	c.inFlight = false
	c.followUp = false
	c.lastSavedAt = nil
	c.lastError = nil
	c.signalSettledLocked()
}

// Edit records value for fieldID in the draft and schedules a commit. The
// value is checked against the field's declared type; a rejected value
// leaves the draft unchanged.
func (c *Controller) Edit(fieldID string, value any) error {
	return c.edit("", fieldID, value)
}

// EditSection is Edit that fails with workflow.ErrNotBound unless sectionID
// is the bound section.
func (c *Controller) EditSection(sectionID, fieldID string, value any) error {
	return c.edit(sectionID, fieldID, value)
}

func (c *Controller) edit(sectionID, fieldID string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.bound || (sectionID != "" && sectionID != c.sectionID) {
		return c.validationErrorLocked(fieldID, workflow.ErrNotBound)
	}
	field, ok := c.fields[fieldID]
	if !ok {
		return c.validationErrorLocked(fieldID, workflow.ErrUnknownField)
	}
	normalized, err := field.Normalize(value)
	if err != nil {
		return c.validationErrorLocked(fieldID, err)
	}

	c.draft[fieldID] = normalized
	c.version++
	c.touched[fieldID] = c.version

	if c.inFlight {
		c.followUp = true
		return nil
	}
	c.armTimerLocked()
	return nil
}

// Flush stops the debounce timer and commits the draft now. It first waits
// for an in-flight commit (and any follow-up it triggers) to settle. It
// returns nil when there is nothing unsaved.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	if !c.bound {
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked()
	generation := c.generation
	for c.inFlight && c.generation == generation {
		settled := c.settled
		c.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if c.generation != generation || len(c.touched) == 0 {
		c.mu.Unlock()
		return nil
	}
	req := c.beginCommitLocked()
	c.mu.Unlock()
	return c.run(req)
}

// Commit lays patch over the draft of sectionID and commits it through the
// single-flight path, after any in-flight commit settles. Values must
// already be normalized. It reports false and does nothing when sectionID
// is not the bound section.
func (c *Controller) Commit(ctx context.Context, sectionID string, patch map[string]any) (bool, error) {
	c.mu.Lock()
	if !c.bound || c.sectionID != sectionID {
		c.mu.Unlock()
		return false, nil
	}
	for fieldID, value := range patch {
		c.draft[fieldID] = value
		c.version++
		c.touched[fieldID] = c.version
	}
	c.mu.Unlock()
	return true, c.Flush(ctx)
}

// ApplyRemote merges a remote change for the bound section into the draft.
// Fields touched since the last successful commit keep their local value.
// It reports false when the event does not concern the bound section.
func (c *Controller) ApplyRemote(event workflow.ChangeEvent) (RemoteMerge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := event.Record
	if !c.bound || record.WorkflowID != c.workflowID || record.SectionID != c.sectionID {
		return RemoteMerge{}, false
	}

	var merge RemoteMerge
	if event.Kind == workflow.ChangeDelete {
		for fieldID := range c.draft {
			if _, touched := c.touched[fieldID]; touched {
				merge.Kept = append(merge.Kept, fieldID)
				continue
			}
			delete(c.draft, fieldID)
			merge.Cleared = append(merge.Cleared, fieldID)
		}
		return merge, true
	}

	merge.Applied = make(map[string]any, len(record.Data))
	for fieldID, value := range record.Data {
		if _, touched := c.touched[fieldID]; touched {
			merge.Kept = append(merge.Kept, fieldID)
			continue
		}
		c.draft[fieldID] = value
		merge.Applied[fieldID] = value
	}
	if len(merge.Kept) > 0 {
		c.logger.Debug("remote change kept local edits",
			"workflow_id", c.workflowID, "section_id", c.sectionID, "fields", merge.Kept)
	}
	return merge, true
}

// Status returns the current save state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		SectionID: c.sectionID,
		Saving:    c.inFlight,
		Dirty:     len(c.touched) > 0,
		LastError: c.lastError,
	}
	if c.lastSavedAt != nil {
		saved := *c.lastSavedAt
		status.LastSavedAt = &saved
	}
	return status
}

// Draft returns a copy of the in-memory answers for the bound section.
func (c *Controller) Draft() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return workflow.CloneData(c.draft)
}

// SectionID returns the bound section, or "" when unbound.
func (c *Controller) SectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sectionID
}

// Touched reports whether fieldID has unsaved local edits.
func (c *Controller) Touched(fieldID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.touched[fieldID]
	return ok
}

func (c *Controller) armTimerLocked() {
	c.stopTimerLocked()
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(c.debounce, func() { c.fire(seq) })
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	// A timer that already started firing is fenced off by the sequence.
	c.timerSeq++
}

func (c *Controller) fire(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq || !c.bound {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.inFlight {
		c.followUp = true
		c.mu.Unlock()
		return
	}
	req := c.beginCommitLocked()
	c.mu.Unlock()
	_ = c.run(req)
}

func (c *Controller) beginCommitLocked() commitRequest {
	c.inFlight = true
	c.followUp = false
	versions := make(map[string]uint64, len(c.touched))
	for fieldID, version := range c.touched {
		versions[fieldID] = version
	}
	return commitRequest{
		generation: c.generation,
		sectionID:  c.sectionID,
		data:       workflow.CloneData(c.draft),
		versions:   versions,
	}
}

// run persists req and any follow-up commits queued while it was in flight.
func (c *Controller) run(req commitRequest) error {
	for {
		err := c.persist(req)
		next, result := c.settle(req, err)
		if next == nil {
			return result
		}
		req = *next
	}
}

func (c *Controller) persist(req commitRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout)
	defer cancel()
	started := c.clock.Now()
	_, err := c.saver.UpsertResponse(ctx, c.workflowID, req.sectionID, req.data)
	if err != nil {
		c.logger.Warn("autosave commit failed",
			"workflow_id", c.workflowID, "section_id", req.sectionID, "error", err)
		return err
	}
	c.logger.Debug("autosave commit",
		"workflow_id", c.workflowID, "section_id", req.sectionID,
		"fields", len(req.data), "duration", c.clock.Now().Sub(started))
	return nil
}

func (c *Controller) settle(req commitRequest, err error) (*commitRequest, error) {
	c.mu.Lock()
	if req.generation != c.generation {
		c.mu.Unlock()
		c.logger.Debug("autosave discarded stale commit", "workflow_id", c.workflowID, "section_id", req.sectionID)
		return nil, nil
	}

	c.inFlight = false
	var result error
	if err != nil {
		c.lastError = persistenceError(c.workflowID, req.sectionID, err)
		result = c.lastError
	} else {
		now := c.clock.Now()
		c.lastSavedAt = &now
		c.lastError = nil
		for fieldID, version := range req.versions {
			if c.touched[fieldID] == version {
				delete(c.touched, fieldID)
			}
		}
	}

	var next *commitRequest
	if c.followUp {
		queued := c.beginCommitLocked()
		next = &queued
	}
	c.signalSettledLocked()
	onCommit := c.onCommit
	c.mu.Unlock()

	if err == nil && onCommit != nil {
		onCommit(req.sectionID, req.data)
	}
	return next, result
}

func (c *Controller) signalSettledLocked() {
	close(c.settled)
	c.settled = make(chan struct{})
}

func (c *Controller) validationErrorLocked(fieldID string, err error) error {
	return &workflow.Error{
		Kind:       workflow.KindValidation,
		Op:         "edit",
		WorkflowID: c.workflowID,
		SectionID:  c.sectionID,
		FieldID:    fieldID,
		Err:        err,
	}
}

func persistenceError(workflowID, sectionID string, err error) *workflow.Error {
	var existing *workflow.Error
	if errors.As(err, &existing) && existing.Kind == workflow.KindPersistence {
		return existing
	}
	return &workflow.Error{
		Kind:       workflow.KindPersistence,
		Op:         "commit",
		WorkflowID: workflowID,
		SectionID:  sectionID,
		Err:        err,
	}
}
