package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intake/api/internal/store"
	"intake/api/internal/workflow"
)

func TestReportFilename(t *testing.T) {
	day := time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "hello-world-2026-05-04.pdf"},
		{"Client onboarding v1.2", "client-onboarding-v1-2-2026-05-04.pdf"},
		{"Special!@#$%Chars", "special-chars-2026-05-04.pdf"},
		{"  Zoë Ångström ", "zo-ngstr-m-2026-05-04.pdf"},
		{"", "intake-report-2026-05-04.pdf"},
		{"!!!", "intake-report-2026-05-04.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, reportFilename(tt.input, day, "pdf"))
		})
	}
}

func TestReportFilenameCapsSlugLength(t *testing.T) {
	name := reportFilename(strings.Repeat("retirement ", 20), time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), "html")
	slug := strings.TrimSuffix(name, "-2026-05-04.html")
	assert.LessOrEqual(t, len(slug), 60)
	assert.False(t, strings.HasSuffix(slug, "-"))
}

func TestPaperNamed(t *testing.T) {
	assert.Equal(t, paperA4, paperNamed(" A4 "))
	assert.Equal(t, paperLetter, paperNamed("letter"))
	assert.Equal(t, paperLetter, paperNamed(""))
}


func testWorkflow() workflow.Workflow {
	return workflow.Workflow{
		ID:      "wf_1",
		OwnerID: "usr_1",
		Title:   "Client onboarding",
		Status:  workflow.StatusActive,
		Sections: []workflow.Section{
			{
				ID: "documents", Title: "Documents", Type: workflow.SectionDocuments, Order: 2,
				Fields: []workflow.Field{{ID: "w2", Label: "W-2", Type: workflow.FieldFile}},
			},
			{
				ID: "income", Title: "Income", Type: workflow.SectionFinancial, Order: 1, Required: true,
				Fields: []workflow.Field{
					{ID: "salary", Label: "Annual salary", Type: workflow.FieldNumber, Required: true},
					{ID: "employer", Label: "Employer", Type: workflow.FieldText, Required: true},
				},
			},
		},
	}
}

func TestBuildReport(t *testing.T) {
	generated := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	data := buildReport(
		testWorkflow(),
		[]workflow.FormResponse{{WorkflowID: "wf_1", SectionID: "income", Data: map[string]any{"salary": "85000"}}},
		[]store.Document{{SectionID: "documents", FieldID: "w2", FileName: "w2-2025.pdf"}},
		store.User{ID: "usr_1", DisplayName: "Ada Client", Email: "ada@example.com"},
		generated,
	)

	assert.Equal(t, "Ada Client", data.ClientName)
	assert.Equal(t, 0, data.Complete)
	assert.Equal(t, 1, data.Total)
	require.Len(t, data.Sections, 2)

	income := data.Sections[0]
	assert.Equal(t, "Income", income.Title, "sections render in order")
	assert.False(t, income.Complete)
	assert.Equal(t, []string{"Employer"}, income.Missing)
	assert.Equal(t, "85000", income.Fields[0].Value)
	assert.Equal(t, "", income.Fields[1].Value)

	docs := data.Sections[1]
	assert.Equal(t, []string{"w2-2025.pdf"}, docs.Fields[0].Documents)
}

func TestFormatValue(t *testing.T) {
	number := workflow.Field{Type: workflow.FieldNumber}
	text := workflow.Field{Type: workflow.FieldText}

	assert.Equal(t, "85000", formatValue(number, "85000"))
	assert.Equal(t, "85000", formatValue(number, 85000.0))
	assert.Equal(t, "", formatValue(text, "  "))
	assert.Equal(t, "", formatValue(text, nil))
	assert.Equal(t, "Yes", formatValue(text, true))
	assert.Equal(t, "a, b", formatValue(text, []any{"a", "b"}))
}

func TestRenderReportHTML(t *testing.T) {
	html, err := RenderReportHTML(TemplateData{
		Title:       "Client onboarding",
		ClientName:  "<Ada>",
		ClientEmail: "ada@example.com",
		Complete:    1,
		Total:       2,
		Sections: []TemplateSection{{
			Title: "Income", Required: true,
			Missing: []string{"Employer"},
			Fields:  []TemplateField{{Label: "Annual salary", Value: "85000"}, {Label: "Employer"}},
		}},
	})
	require.NoError(t, err)

	assert.Contains(t, html, "Client onboarding")
	assert.Contains(t, html, "1 of 2 required sections complete")
	assert.Contains(t, html, "Missing: Employer")
	assert.Contains(t, html, "Not provided")
	assert.Contains(t, html, "&lt;Ada&gt;")
	assert.NotContains(t, html, "<Ada>")
}

type fakeStore struct {
	wf        workflow.Workflow
	responses []workflow.FormResponse
	err       error
}

func (f *fakeStore) FetchWorkflow(context.Context, string) (workflow.Workflow, error) {
	return f.wf, f.err
}

func (f *fakeStore) ListResponses(context.Context, string) ([]workflow.FormResponse, error) {
	return f.responses, nil
}

func (f *fakeStore) ListDocuments(context.Context, string) ([]store.Document, error) {
	return nil, nil
}

func (f *fakeStore) GetUserByID(context.Context, string) (store.User, error) {
	return store.User{ID: "usr_1", DisplayName: "Ada Client", Email: "ada@example.com"}, nil
}

func newTestService(st DataStore) *Service {
	svc := NewService(st, "letter")
	svc.now = func() time.Time { return time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC) }
	return svc
}

func TestExportHTML(t *testing.T) {
	svc := newTestService(&fakeStore{wf: testWorkflow()})
	result, err := svc.Export(context.Background(), Request{WorkflowID: "wf_1", Format: FormatHTML})
	require.NoError(t, err)
	assert.Equal(t, "client-onboarding-ada-client-2026-05-04.html", result.Filename)
	assert.True(t, strings.HasPrefix(result.MimeType, "text/html"))
	assert.Contains(t, string(result.Data), "Annual salary")
}

func TestExportPDFUsesRenderer(t *testing.T) {
	svc := newTestService(&fakeStore{wf: testWorkflow()})
	var rendered string
	svc.printPDF = func(_ context.Context, html string) ([]byte, error) {
		rendered = html
		return []byte("%PDF"), nil
	}

	result, err := svc.Export(context.Background(), Request{WorkflowID: "wf_1", Format: FormatPDF})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", result.MimeType)
	assert.Equal(t, "client-onboarding-ada-client-2026-05-04.pdf", result.Filename)
	assert.Equal(t, []byte("%PDF"), result.Data)
	assert.Contains(t, rendered, "Client onboarding")
}

func TestExportPDFPassesPrinterError(t *testing.T) {
	svc := newTestService(&fakeStore{wf: testWorkflow()})
	svc.printPDF = func(context.Context, string) ([]byte, error) {
		return nil, ErrPDFDependencyMissing
	}
	_, err := svc.Export(context.Background(), Request{WorkflowID: "wf_1", Format: FormatPDF})
	assert.ErrorIs(t, err, ErrPDFDependencyMissing)
}

func TestExportErrors(t *testing.T) {
	svc := newTestService(&fakeStore{err: workflow.ErrNotFound})

	_, err := svc.Export(context.Background(), Request{WorkflowID: "wf_1", Format: "docx"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = svc.Export(context.Background(), Request{WorkflowID: "wf_missing", Format: FormatHTML})
	assert.True(t, errors.Is(err, workflow.ErrNotFound))
}
