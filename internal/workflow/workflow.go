package workflow

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Workflow is the ordered set of sections an advisor sends to one client
// context.
type Workflow struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Sections  []Section `json:"sections"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (w Workflow) Clone() Workflow {
	out := w
	out.Sections = make([]Section, len(w.Sections))
	for i, section := range w.Sections {
		out.Sections[i] = section.Clone()
	}
	return out
}

// Section returns a copy of the section with the given id.
func (w Workflow) Section(id string) (Section, bool) {
	if i := w.sectionIndex(id); i >= 0 {
		return w.Sections[i].Clone(), true
	}
	return Section{}, false
}

// MergeSectionData folds data into the section's answers. It reports false
// when the section does not exist.
func (w *Workflow) MergeSectionData(sectionID string, data map[string]any) bool {
	i := w.sectionIndex(sectionID)
	if i < 0 {
		return false
	}
	w.Sections[i].Data = MergeData(w.Sections[i].Data, data)
	return true
}

// ReplaceSectionData swaps the section's answers wholesale. Used when
// loading persisted responses.
func (w *Workflow) ReplaceSectionData(sectionID string, data map[string]any) bool {
	i := w.sectionIndex(sectionID)
	if i < 0 {
		return false
	}
	w.Sections[i].Data = CloneData(data)
	return true
}

// Progress counts required sections that have every required field
// answered.
func (w Workflow) Progress() (complete, total int) {
	for _, section := range w.Sections {
		if !section.Required {
			continue
		}
		total++
		if section.Complete() {
			complete++
		}
	}
	return complete, total
}

func (w Workflow) sectionIndex(id string) int {
	for i := range w.Sections {
		if w.Sections[i].ID == id {
			return i
		}
	}
	return -1
}

type LinkStatus string

const (
	LinkPending    LinkStatus = "pending"
	LinkInProgress LinkStatus = "in_progress"
	LinkCompleted  LinkStatus = "completed"
)

// AccessLink is a time-bounded grant for a client email to read and write
// one workflow.
type AccessLink struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflowId"`
	ClientEmail string     `json:"clientEmail"`
	Status      LinkStatus `json:"status"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (l AccessLink) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// Writable reports whether the link still permits writes.
func (l AccessLink) Writable(now time.Time) bool {
	return l.Status != LinkCompleted && !l.Expired(now)
}

// FormResponse is the persisted answer set for one section of one workflow.
type FormResponse struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	SectionID  string         `json:"sectionId"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is a remote notification about a form response row.
type ChangeEvent struct {
	Kind   ChangeKind   `json:"kind"`
	Record FormResponse `json:"record"`
}
