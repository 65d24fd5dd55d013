package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"intake/api/internal/notify"
	"intake/api/internal/workflow"
)

// Records is the slice of the Postgres store the gateway reads and writes.
type Records interface {
	FetchWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error)
	FetchActiveWorkflow(ctx context.Context, ownerID string) (*workflow.Workflow, error)
	CreateWorkflow(ctx context.Context, ownerID, title string, sections []workflow.Section) (workflow.Workflow, error)
	FetchResponse(ctx context.Context, workflowID, sectionID string) (*workflow.FormResponse, error)
	ListResponses(ctx context.Context, workflowID string) ([]workflow.FormResponse, error)
	UpsertResponse(ctx context.Context, workflowID, sectionID string, data map[string]any) (workflow.FormResponse, bool, error)
	DeleteResponse(ctx context.Context, workflowID, sectionID string) (workflow.FormResponse, error)
	FetchOrCreateAccessLink(ctx context.Context, workflowID, clientEmail string, expiresAt time.Time) (workflow.AccessLink, error)
}

// Indexer receives saved responses for search. Calls must not block.
type Indexer interface {
	IndexResponse(resp workflow.FormResponse)
	DeleteResponse(id string)
}

// Remote writes through the store and announces every response change on
// the bus so other sessions on the same workflow can merge it.
type Remote struct {
	records Records
	bus     *notify.Bus
	indexer Indexer
	logger  *slog.Logger
}

func NewRemote(records Records, bus *notify.Bus, indexer Indexer, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Remote{records: records, bus: bus, indexer: indexer, logger: logger}
}

func (r *Remote) FetchWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error) {
	return r.records.FetchWorkflow(ctx, workflowID)
}

func (r *Remote) FetchActiveWorkflow(ctx context.Context, ownerID string) (*workflow.Workflow, error) {
	return r.records.FetchActiveWorkflow(ctx, ownerID)
}

func (r *Remote) CreateWorkflow(ctx context.Context, ownerID, title string, sections []workflow.Section) (workflow.Workflow, error) {
	wf, err := r.records.CreateWorkflow(ctx, ownerID, title, sections)
	if err != nil {
		return workflow.Workflow{}, err
	}
	r.logger.Info("workflow created", "workflow_id", wf.ID, "owner_id", ownerID)
	return wf, nil
}

func (r *Remote) FetchResponse(ctx context.Context, workflowID, sectionID string) (*workflow.FormResponse, error) {
	return r.records.FetchResponse(ctx, workflowID, sectionID)
}

func (r *Remote) ListResponses(ctx context.Context, workflowID string) ([]workflow.FormResponse, error) {
	return r.records.ListResponses(ctx, workflowID)
}

func (r *Remote) UpsertResponse(ctx context.Context, workflowID, sectionID string, data map[string]any) (workflow.FormResponse, error) {
	resp, inserted, err := r.records.UpsertResponse(ctx, workflowID, sectionID, data)
	if err != nil {
		return workflow.FormResponse{}, err
	}
	kind := workflow.ChangeUpdate
	if inserted {
		kind = workflow.ChangeInsert
	}
	r.announce(ctx, workflow.ChangeEvent{Kind: kind, Record: resp})
	if r.indexer != nil {
		r.indexer.IndexResponse(resp)
	}
	return resp, nil
}

// DeleteResponse clears a section's saved answers.
func (r *Remote) DeleteResponse(ctx context.Context, workflowID, sectionID string) (workflow.FormResponse, error) {
	resp, err := r.records.DeleteResponse(ctx, workflowID, sectionID)
	if err != nil {
		return workflow.FormResponse{}, err
	}
	r.announce(ctx, workflow.ChangeEvent{Kind: workflow.ChangeDelete, Record: resp})
	if r.indexer != nil {
		r.indexer.DeleteResponse(resp.ID)
	}
	return resp, nil
}

// announce publishes event. The write already succeeded, so a failed
// publish is logged rather than returned.
func (r *Remote) announce(ctx context.Context, event workflow.ChangeEvent) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Warn("change notification failed",
			"workflow_id", event.Record.WorkflowID, "section_id", event.Record.SectionID, "kind", event.Kind, "error", err)
	}
}

func (r *Remote) SubscribeToWorkflowChanges(_ context.Context, workflowID string, onChange func(workflow.ChangeEvent)) (Subscription, error) {
	if r.bus == nil {
		return nil, errors.New("change bus not configured")
	}
	if workflowID == "" {
		return nil, workflow.ErrNotFound
	}
	return r.bus.Subscription(workflowID, onChange), nil
}

func (r *Remote) FetchOrCreateAccessLink(ctx context.Context, workflowID, clientEmail string, expiresAt time.Time) (workflow.AccessLink, error) {
	return r.records.FetchOrCreateAccessLink(ctx, workflowID, clientEmail, expiresAt)
}
