package workflow

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

type SectionType string

const (
	SectionPersonal  SectionType = "personal"
	SectionFinancial SectionType = "financial"
	SectionDocuments SectionType = "documents"
	SectionGoals     SectionType = "goals"
)

func (t SectionType) Valid() bool {
	switch t {
	case SectionPersonal, SectionFinancial, SectionDocuments, SectionGoals:
		return true
	}
	return false
}

// Section is one page of the intake form. Data holds the latest known
// answers keyed by field id.
type Section struct {
	ID       string         `json:"id" yaml:"id"`
	Title    string         `json:"title" yaml:"title"`
	Type     SectionType    `json:"type" yaml:"type"`
	Order    int            `json:"order" yaml:"order"`
	Required bool           `json:"required" yaml:"required"`
	Fields   []Field        `json:"fields" yaml:"fields"`
	Data     map[string]any `json:"data" yaml:"-"`
}

// Field looks up a field by id.
func (s Section) Field(id string) (Field, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Clone returns a copy that shares no maps or slices with s.
func (s Section) Clone() Section {
	out := s
	out.Fields = slices.Clone(s.Fields)
	out.Data = CloneData(s.Data)
	return out
}

// Missing returns the ids of required fields without an answer, in field
// order.
func (s Section) Missing() []string {
	var missing []string
	for _, f := range s.Fields {
		if f.Required && !HasValue(s.Data[f.ID]) {
			missing = append(missing, f.ID)
		}
	}
	return missing
}

func (s Section) Complete() bool { return len(s.Missing()) == 0 }

// ValidateSections checks the structural invariants of a section list:
// unique ids and orders, known types, unique field ids per section and
// options on every select field.
func ValidateSections(sections []Section) error {
	if len(sections) == 0 {
		return fmt.Errorf("no sections defined")
	}
	ids := make(map[string]struct{}, len(sections))
	orders := make(map[int]struct{}, len(sections))
	for _, section := range sections {
		if section.ID == "" {
			return fmt.Errorf("section %q: id is required", section.Title)
		}
		if _, dup := ids[section.ID]; dup {
			return fmt.Errorf("section %s: duplicate id", section.ID)
		}
		ids[section.ID] = struct{}{}
		if _, dup := orders[section.Order]; dup {
			return fmt.Errorf("section %s: duplicate order %d", section.ID, section.Order)
		}
		orders[section.Order] = struct{}{}
		if !section.Type.Valid() {
			return fmt.Errorf("section %s: unknown type %q", section.ID, section.Type)
		}
		fieldIDs := make(map[string]struct{}, len(section.Fields))
		for _, field := range section.Fields {
			if field.ID == "" {
				return fmt.Errorf("section %s: field %q has no id", section.ID, field.Label)
			}
			if _, dup := fieldIDs[field.ID]; dup {
				return fmt.Errorf("section %s: duplicate field %s", section.ID, field.ID)
			}
			fieldIDs[field.ID] = struct{}{}
			if !field.Type.Valid() {
				return fmt.Errorf("section %s field %s: unknown type %q", section.ID, field.ID, field.Type)
			}
			if field.Type == FieldSelect && len(field.Options) == 0 {
				return fmt.Errorf("section %s field %s: select needs options", section.ID, field.ID)
			}
		}
	}
	return nil
}

// SortSections orders sections by their Order value.
func SortSections(sections []Section) {
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].Order < sections[j].Order })
}

// CloneData copies a section data map. A nil map yields an empty one.
func CloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	maps.Copy(out, data)
	return out
}

// MergeData returns base with patch laid over it. Keys in patch win; keys
// only in base are kept.
func MergeData(base, patch map[string]any) map[string]any {
	out := CloneData(base)
	maps.Copy(out, patch)
	return out
}
