package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"intake/api/internal/util"
	"intake/api/internal/workflow"
)

var ErrConflict = errors.New("conflict")

const (
	activeWorkflowIndex = "workflows_one_active_per_owner_idx"
	usersEmailIndex     = "users_email_lower_idx"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, strings.TrimSpace(user.Email), user.DisplayName, user.PasswordHash, user.Role)
	if isUniqueViolation(err, usersEmailIndex) {
		return fmt.Errorf("create user: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `WHERE id = $1`, userID)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, role, created_at, updated_at
		FROM users `+where, arg).Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, workflow.ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

const workflowColumns = `id, owner_id, title, status, sections, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (workflow.Workflow, error) {
	var (
		wf       workflow.Workflow
		status   string
		sections []byte
	)
	if err := row.Scan(&wf.ID, &wf.OwnerID, &wf.Title, &status, &sections, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return workflow.Workflow{}, err
	}
	wf.Status = workflow.Status(status)
	if err := json.Unmarshal(sections, &wf.Sections); err != nil {
		return workflow.Workflow{}, fmt.Errorf("decode sections: %w", err)
	}
	for i := range wf.Sections {
		wf.Sections[i].Data = map[string]any{}
	}
	return wf, nil
}

// FetchWorkflow returns the workflow definition. Section data is left empty;
// answers live in form_responses.
func (s *PostgresStore) FetchWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, workflowID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, fmt.Errorf("fetch workflow %s: %w", workflowID, workflow.ErrNotFound)
	}
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("fetch workflow %s: %w", workflowID, err)
	}
	return wf, nil
}

// FetchActiveWorkflow returns nil, nil when the owner has no active workflow.
func (s *PostgresStore) FetchActiveWorkflow(ctx context.Context, ownerID string) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE owner_id = $1 AND status = 'active'
	`, ownerID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch active workflow: %w", err)
	}
	return &wf, nil
}

// CreateWorkflow inserts an active workflow for ownerID. If another caller
// created one first, that workflow is returned instead.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, ownerID, title string, sections []workflow.Section) (workflow.Workflow, error) {
	definitions := make([]workflow.Section, len(sections))
	for i, section := range sections {
		definitions[i] = section.Clone()
		definitions[i].Data = nil
	}
	encoded, err := json.Marshal(definitions)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("encode sections: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflows (id, owner_id, title, status, sections)
		VALUES ($1, $2, $3, 'active', $4::jsonb)
		RETURNING `+workflowColumns,
		util.NewID("wf"), ownerID, title, string(encoded))
	wf, err := scanWorkflow(row)
	if isUniqueViolation(err, activeWorkflowIndex) {
		existing, fetchErr := s.FetchActiveWorkflow(ctx, ownerID)
		if fetchErr != nil {
			return workflow.Workflow{}, fetchErr
		}
		if existing == nil {
			return workflow.Workflow{}, fmt.Errorf("create workflow: %w", ErrConflict)
		}
		return *existing, nil
	}
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("create workflow: %w", err)
	}
	return wf, nil
}

func (s *PostgresStore) UpdateWorkflowStatus(ctx context.Context, workflowID string, status workflow.Status) (workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE workflows SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+workflowColumns, workflowID, string(status))
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, fmt.Errorf("update workflow status: %w", workflow.ErrNotFound)
	}
	if isUniqueViolation(err, activeWorkflowIndex) {
		return workflow.Workflow{}, fmt.Errorf("update workflow status: %w", ErrConflict)
	}
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("update workflow status: %w", err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, limit int) ([]WorkflowSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.owner_id, u.email, u.display_name, w.title, w.status, w.updated_at
		FROM workflows w
		JOIN users u ON u.id = w.owner_id
		ORDER BY w.updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var items []WorkflowSummary
	for rows.Next() {
		var item WorkflowSummary
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.OwnerEmail, &item.OwnerName, &item.Title, &item.Status, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const responseColumns = `id, workflow_id, section_id, data, created_at, updated_at`

func scanResponse(row rowScanner, extra ...any) (workflow.FormResponse, error) {
	var (
		resp workflow.FormResponse
		data []byte
	)
	dest := append([]any{&resp.ID, &resp.WorkflowID, &resp.SectionID, &data, &resp.CreatedAt, &resp.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return workflow.FormResponse{}, err
	}
	resp.Data = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp.Data); err != nil {
			return workflow.FormResponse{}, fmt.Errorf("decode response data: %w", err)
		}
	}
	return resp, nil
}

// FetchResponse returns nil, nil when the section has no live response.
func (s *PostgresStore) FetchResponse(ctx context.Context, workflowID, sectionID string) (*workflow.FormResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+responseColumns+`
		FROM form_responses
		WHERE workflow_id = $1 AND section_id = $2 AND deleted_at IS NULL
	`, workflowID, sectionID)
	resp, err := scanResponse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch response: %w", err)
	}
	return &resp, nil
}

func (s *PostgresStore) ListResponses(ctx context.Context, workflowID string) ([]workflow.FormResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+responseColumns+`
		FROM form_responses
		WHERE workflow_id = $1 AND deleted_at IS NULL
		ORDER BY section_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var items []workflow.FormResponse
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		items = append(items, resp)
	}
	return items, rows.Err()
}

// UpsertResponse writes data for (workflowID, sectionID). An existing live
// row keeps its keys and takes the incoming value for every key in data;
// concurrent writers of the same key resolve last-writer-wins. inserted
// reports whether a new row was created.
func (s *PostgresStore) UpsertResponse(ctx context.Context, workflowID, sectionID string, data map[string]any) (workflow.FormResponse, bool, error) {
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return workflow.FormResponse{}, false, fmt.Errorf("encode response data: %w", err)
	}

	var inserted bool
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO form_responses (id, workflow_id, section_id, data)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (workflow_id, section_id) WHERE deleted_at IS NULL
		DO UPDATE SET data = form_responses.data || EXCLUDED.data, updated_at = NOW()
		RETURNING `+responseColumns+`, (xmax = 0) AS inserted
	`, util.NewID("resp"), workflowID, sectionID, string(encoded))
	resp, err := scanResponse(row, &inserted)
	if err != nil {
		return workflow.FormResponse{}, false, fmt.Errorf("upsert response: %w", err)
	}
	return resp, inserted, nil
}

// DeleteResponse soft-deletes the live response of a section.
func (s *PostgresStore) DeleteResponse(ctx context.Context, workflowID, sectionID string) (workflow.FormResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE form_responses SET deleted_at = NOW(), updated_at = NOW()
		WHERE workflow_id = $1 AND section_id = $2 AND deleted_at IS NULL
		RETURNING `+responseColumns, workflowID, sectionID)
	resp, err := scanResponse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.FormResponse{}, fmt.Errorf("delete response: %w", workflow.ErrNotFound)
	}
	if err != nil {
		return workflow.FormResponse{}, fmt.Errorf("delete response: %w", err)
	}
	return resp, nil
}

const linkColumns = `id, workflow_id, client_email, status, expires_at, created_at`

func scanLink(row rowScanner) (workflow.AccessLink, error) {
	var (
		link   workflow.AccessLink
		status string
	)
	if err := row.Scan(&link.ID, &link.WorkflowID, &link.ClientEmail, &status, &link.ExpiresAt, &link.CreatedAt); err != nil {
		return workflow.AccessLink{}, err
	}
	link.Status = workflow.LinkStatus(status)
	return link, nil
}

// FetchOrCreateAccessLink returns the live in-progress link for
// (workflowID, clientEmail), creating one that expires at expiresAt when
// none exists. Expired links are superseded first so they never block a new
// one.
func (s *PostgresStore) FetchOrCreateAccessLink(ctx context.Context, workflowID, clientEmail string, expiresAt time.Time) (workflow.AccessLink, error) {
	clientEmail = strings.TrimSpace(clientEmail)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return workflow.AccessLink{}, fmt.Errorf("begin access link tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE access_links SET superseded_at = NOW()
		WHERE workflow_id = $1 AND LOWER(client_email) = LOWER($2)
			AND status = 'in_progress' AND superseded_at IS NULL
			AND expires_at <= NOW()
	`, workflowID, clientEmail); err != nil {
		return workflow.AccessLink{}, fmt.Errorf("supersede expired links: %w", err)
	}

	selectLive := `
		SELECT ` + linkColumns + `
		FROM access_links
		WHERE workflow_id = $1 AND LOWER(client_email) = LOWER($2)
			AND status = 'in_progress' AND superseded_at IS NULL
	`
	link, err := scanLink(tx.QueryRowContext(ctx, selectLive, workflowID, clientEmail))
	if err == nil {
		return link, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return workflow.AccessLink{}, fmt.Errorf("fetch access link: %w", err)
	}

	link, err = scanLink(tx.QueryRowContext(ctx, `
		INSERT INTO access_links (id, workflow_id, client_email, status, expires_at)
		VALUES ($1, $2, $3, 'in_progress', $4)
		ON CONFLICT (workflow_id, LOWER(client_email)) WHERE status = 'in_progress' AND superseded_at IS NULL
		DO NOTHING
		RETURNING `+linkColumns,
		util.NewID("link"), workflowID, clientEmail, expiresAt))
	if errors.Is(err, sql.ErrNoRows) {
		// A concurrent caller inserted the link between our select and insert.
		link, err = scanLink(tx.QueryRowContext(ctx, selectLive, workflowID, clientEmail))
	}
	if err != nil {
		return workflow.AccessLink{}, fmt.Errorf("create access link: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return workflow.AccessLink{}, fmt.Errorf("commit access link: %w", err)
	}
	return link, nil
}

// CompleteAccessLinks closes every live link of a workflow.
func (s *PostgresStore) CompleteAccessLinks(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE access_links SET status = 'completed'
		WHERE workflow_id = $1 AND status = 'in_progress' AND superseded_at IS NULL
	`, workflowID)
	if err != nil {
		return fmt.Errorf("complete access links: %w", err)
	}
	return nil
}

const documentColumns = `id, workflow_id, section_id, field_id, file_name, content_type, size_bytes, blob_key, extracted_text, uploaded_by, created_at`

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.WorkflowID, &doc.SectionID, &doc.FieldID, &doc.FileName, &doc.ContentType,
		&doc.SizeBytes, &doc.BlobKey, &doc.ExtractedText, &doc.UploadedBy, &doc.CreatedAt)
	return doc, err
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, workflow_id, section_id, field_id, file_name, content_type, size_bytes, blob_key, extracted_text, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+documentColumns,
		doc.ID, doc.WorkflowID, doc.SectionID, doc.FieldID, doc.FileName, doc.ContentType,
		doc.SizeBytes, doc.BlobKey, doc.ExtractedText, doc.UploadedBy)
	inserted, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("get document: %w", workflow.ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, workflowID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE workflow_id = $1
		ORDER BY created_at
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var items []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
