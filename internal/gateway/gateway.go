// Package gateway is the boundary between the intake engine and the record
// store. Remote is the production implementation.
package gateway

import (
	"context"
	"time"

	"intake/api/internal/workflow"
)

// Subscription is a change stream with an explicit lifecycle. Nothing is
// delivered before Open or after Close. Err yields an error whenever the
// stream drops on its own; Open may then be called again.
type Subscription interface {
	Open(ctx context.Context) error
	Close() error
	Err() <-chan error
}

type Gateway interface {
	// FetchWorkflow returns workflow.ErrNotFound when no such workflow exists.
	FetchWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error)
	// FetchActiveWorkflow returns nil, nil when the owner has none.
	FetchActiveWorkflow(ctx context.Context, ownerID string) (*workflow.Workflow, error)
	CreateWorkflow(ctx context.Context, ownerID, title string, sections []workflow.Section) (workflow.Workflow, error)
	// FetchResponse returns nil, nil when the section has no saved answers.
	FetchResponse(ctx context.Context, workflowID, sectionID string) (*workflow.FormResponse, error)
	ListResponses(ctx context.Context, workflowID string) ([]workflow.FormResponse, error)
	// UpsertResponse merges data into the (workflowID, sectionID) row,
	// creating it when absent.
	UpsertResponse(ctx context.Context, workflowID, sectionID string, data map[string]any) (workflow.FormResponse, error)
	SubscribeToWorkflowChanges(ctx context.Context, workflowID string, onChange func(workflow.ChangeEvent)) (Subscription, error)
	FetchOrCreateAccessLink(ctx context.Context, workflowID, clientEmail string, expiresAt time.Time) (workflow.AccessLink, error)
}
