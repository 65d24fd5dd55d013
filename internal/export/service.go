package export

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"intake/api/internal/store"
	"intake/api/internal/workflow"
)

// DataStore defines the interface for data access
type DataStore interface {
	FetchWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error)
	ListResponses(ctx context.Context, workflowID string) ([]workflow.FormResponse, error)
	ListDocuments(ctx context.Context, workflowID string) ([]store.Document, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// Service renders intake reports from persisted answers.
type Service struct {
	store    DataStore
	now      func() time.Time
	printPDF func(ctx context.Context, html string) ([]byte, error)
}

// NewService returns a Service printing PDFs on the named paper ("letter"
// or "a4").
func NewService(store DataStore, paperName string) *Service {
	printer := chromePrinter{paper: paperNamed(paperName), timeout: 30 * time.Second}
	return &Service{store: store, now: time.Now, printPDF: printer.print}
}

// Export generates an intake report for one workflow in the requested
// format. Answers come from the persisted responses, not from any live
// session.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format != FormatPDF && req.Format != FormatHTML {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	wf, err := s.store.FetchWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	responses, err := s.store.ListResponses(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	documents, err := s.store.ListDocuments(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	owner, err := s.store.GetUserByID(ctx, wf.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}

	generatedAt := s.now()
	data := buildReport(wf, responses, documents, owner, generatedAt)
	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	filename := reportFilename(wf.Title+" "+owner.DisplayName, generatedAt, string(req.Format))
	if req.Format == FormatHTML {
		return &Result{Data: []byte(html), Filename: filename, MimeType: "text/html; charset=utf-8"}, nil
	}
	pdf, err := s.printPDF(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{Data: pdf, Filename: filename, MimeType: "application/pdf"}, nil
}

func buildReport(wf workflow.Workflow, responses []workflow.FormResponse, documents []store.Document, owner store.User, generatedAt time.Time) TemplateData {
	wf = wf.Clone()
	for _, resp := range responses {
		wf.ReplaceSectionData(resp.SectionID, resp.Data)
	}
	complete, total := wf.Progress()

	filesByField := make(map[string][]string)
	for _, doc := range documents {
		key := doc.SectionID + "/" + doc.FieldID
		filesByField[key] = append(filesByField[key], doc.FileName)
	}

	data := TemplateData{
		Title:       wf.Title,
		ClientName:  owner.DisplayName,
		ClientEmail: owner.Email,
		Status:      string(wf.Status),
		GeneratedAt: generatedAt,
		Complete:    complete,
		Total:       total,
		Sections:    make([]TemplateSection, 0, len(wf.Sections)),
	}

	workflow.SortSections(wf.Sections)
	for _, section := range wf.Sections {
		ts := TemplateSection{
			Title:    section.Title,
			Required: section.Required,
			Complete: section.Complete(),
			Fields:   make([]TemplateField, 0, len(section.Fields)),
		}
		for _, id := range section.Missing() {
			if f, ok := section.Field(id); ok {
				ts.Missing = append(ts.Missing, f.Label)
			}
		}
		for _, field := range section.Fields {
			tf := TemplateField{Label: field.Label, Value: formatValue(field, section.Data[field.ID])}
			if field.Type == workflow.FieldFile {
				tf.Documents = filesByField[section.ID+"/"+field.ID]
			}
			ts.Fields = append(ts.Fields, tf)
		}
		data.Sections = append(data.Sections, ts)
	}
	return data
}

func formatValue(field workflow.Field, value any) string {
	if !workflow.HasValue(value) {
		return ""
	}
	switch v := value.(type) {
	case string:
		if field.Type == workflow.FieldNumber {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return strconv.FormatFloat(n, 'f', -1, 64)
			}
		}
		return strings.TrimSpace(v)
	case bool:
		if v {
			return "Yes"
		}
		return "No"
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}
