package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over live form responses and documents using
// plainto_tsquery and ts_rank, with ts_headline for snippets. The 'simple'
// configuration matches the GIN index on form_responses and keeps numbers
// and names unstemmed.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultResponse {
		where := "to_tsvector('simple', r.data::text) @@ " + tsQuery + " AND r.deleted_at IS NULL"
		if q.FilterWorkflowID != "" {
			where += fmt.Sprintf(" AND r.workflow_id = $%d", argN)
			args = append(args, q.FilterWorkflowID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'response'::text AS type, r.id, r.workflow_id, r.section_id,
				w.title || ' / ' || r.section_id AS title,
				ts_headline('simple', r.data::text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(to_tsvector('simple', r.data::text), %s) AS rank
			FROM form_responses r
			JOIN workflows w ON w.id = r.workflow_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultDocument {
		docVector := "to_tsvector('simple', d.file_name || ' ' || d.extracted_text)"
		where := docVector + " @@ " + tsQuery
		if q.FilterWorkflowID != "" {
			where += fmt.Sprintf(" AND d.workflow_id = $%d", argN)
			args = append(args, q.FilterWorkflowID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.workflow_id, d.section_id,
				d.file_name AS title,
				ts_headline('simple', d.extracted_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(%s, %s) AS rank
			FROM documents d
			WHERE %s`, tsQuery, docVector, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, workflow_id, section_id, title, snippet
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.WorkflowID, &r.SectionID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ResponseRecord, []DocumentRecord, error) {
	respRows, err := p.db.QueryContext(ctx, `
		SELECT id, workflow_id, section_id, data, updated_at
		FROM form_responses
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load responses: %w", err)
	}
	defer respRows.Close()

	responses := make([]ResponseRecord, 0)
	for respRows.Next() {
		var (
			r    ResponseRecord
			data []byte
			upd  sql.NullTime
		)
		if err := respRows.Scan(&r.ID, &r.WorkflowID, &r.SectionID, &data, &upd); err != nil {
			return nil, nil, fmt.Errorf("scan response: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, nil, fmt.Errorf("decode response %s: %w", r.ID, err)
		}
		r.Content = flattenData(fields)
		if upd.Valid {
			r.UpdatedAt = upd.Time.Unix()
		}
		responses = append(responses, r)
	}
	if err := respRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate responses: %w", err)
	}

	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, workflow_id, section_id, file_name, extracted_text
		FROM documents
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.WorkflowID, &d.SectionID, &d.FileName, &d.Text); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}
	return responses, documents, nil
}
