package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDefinitionIsValidAndOrdered(t *testing.T) {
	def := DefaultDefinition()
	require.NotEmpty(t, def.Sections)
	require.NoError(t, ValidateSections(def.Sections))
	for i := 1; i < len(def.Sections); i++ {
		assert.Less(t, def.Sections[i-1].Order, def.Sections[i].Order)
	}
	income, ok := Workflow{Sections: def.Sections}.Section("income")
	require.True(t, ok)
	salary, ok := income.Field("salary")
	require.True(t, ok)
	assert.Equal(t, FieldNumber, salary.Type)
}

func TestNewSectionsDoNotShareData(t *testing.T) {
	def := DefaultDefinition()
	a := def.NewSections()
	b := def.NewSections()
	a[0].Data["firstName"] = "Ana"
	assert.Empty(t, b[0].Data)
	assert.Empty(t, def.Sections[0].Data)
}

func TestLoadDefinitionFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
title: Short form
sections:
  - id: second
    title: Second
    type: goals
    order: 2
    fields:
      - {id: goal, label: Goal, type: text}
  - id: first
    title: First
    type: personal
    order: 1
    fields:
      - {id: name, label: Name, type: text, required: true}
`), 0o600))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "Short form", def.Title)
	require.Len(t, def.Sections, 2)
	assert.Equal(t, "first", def.Sections[0].ID)
}

func TestValidateSectionsRejectsDuplicates(t *testing.T) {
	base := func() []Section {
		return []Section{
			{ID: "a", Type: SectionPersonal, Order: 1, Fields: []Field{{ID: "x", Type: FieldText}}},
			{ID: "b", Type: SectionGoals, Order: 2},
		}
	}

	dupID := base()
	dupID[1].ID = "a"
	assert.Error(t, ValidateSections(dupID))

	dupOrder := base()
	dupOrder[1].Order = 1
	assert.Error(t, ValidateSections(dupOrder))

	dupField := base()
	dupField[0].Fields = append(dupField[0].Fields, Field{ID: "x", Type: FieldText})
	assert.Error(t, ValidateSections(dupField))

	selectWithoutOptions := base()
	selectWithoutOptions[0].Fields[0].Type = FieldSelect
	assert.Error(t, ValidateSections(selectWithoutOptions))

	assert.NoError(t, ValidateSections(base()))
}

func TestMergeSectionDataKeepsEarlierKeys(t *testing.T) {
	w := Workflow{Sections: []Section{{ID: "income", Data: map[string]any{}}}}
	require.True(t, w.MergeSectionData("income", map[string]any{"a": 1}))
	require.True(t, w.MergeSectionData("income", map[string]any{"b": 2}))
	section, _ := w.Section("income")
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, section.Data)
	assert.False(t, w.MergeSectionData("missing", map[string]any{"a": 1}))
}

func TestWorkflowCloneIsDeep(t *testing.T) {
	w := Workflow{Sections: []Section{{ID: "s", Data: map[string]any{"a": 1}}}}
	clone := w.Clone()
	clone.Sections[0].Data["a"] = 2
	assert.Equal(t, 1, w.Sections[0].Data["a"])
}

func TestProgressCountsRequiredSections(t *testing.T) {
	w := Workflow{Sections: []Section{
		{ID: "a", Required: true, Fields: []Field{{ID: "x", Required: true}}, Data: map[string]any{"x": "yes"}},
		{ID: "b", Required: true, Fields: []Field{{ID: "y", Required: true}}, Data: map[string]any{"y": ""}},
		{ID: "c", Required: false},
	}}
	complete, total := w.Progress()
	assert.Equal(t, 1, complete)
	assert.Equal(t, 2, total)
}

func TestAccessLinkExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	link := AccessLink{Status: LinkInProgress, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, link.Writable(now))
	assert.False(t, link.Writable(now.Add(time.Hour)))
	link.Status = LinkCompleted
	assert.False(t, link.Writable(now))
}

func TestErrorKinds(t *testing.T) {
	err := &Error{Kind: KindPersistence, Op: "commit", WorkflowID: "wf_1", SectionID: "income", Err: ErrNotFound}
	assert.True(t, IsKind(err, KindPersistence))
	assert.False(t, IsKind(err, KindValidation))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.Contains(t, err.Error(), "section=income")
}
