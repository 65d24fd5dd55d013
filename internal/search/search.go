package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"intake/api/internal/workflow"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultResponse ResultType = "response"
	ResultDocument ResultType = "document"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflowId"`
	SectionID  string     `json:"sectionId"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterWorkflowID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ResponseRecord is the data we index for a section's answers. Content is
// the flattened "field: value" text of the response data.
type ResponseRecord struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflowId"`
	SectionID  string `json:"sectionId"`
	Content    string `json:"content"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// DocumentRecord is the data we index for an uploaded document.
type DocumentRecord struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflowId"`
	SectionID  string `json:"sectionId"`
	FileName   string `json:"fileName"`
	Text       string `json:"text"`
}

// NewResponseRecord flattens a persisted response into its index shape.
func NewResponseRecord(resp workflow.FormResponse) ResponseRecord {
	updated := resp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return ResponseRecord{
		ID:         resp.ID,
		WorkflowID: resp.WorkflowID,
		SectionID:  resp.SectionID,
		Content:    flattenData(resp.Data),
		UpdatedAt:  updated.Unix(),
	}
}

// flattenData renders field values in key order so reindexing the same data
// yields the same text.
func flattenData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := data[k]
		if v == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %v", k, v))
	}
	return strings.Join(parts, "; ")
}
