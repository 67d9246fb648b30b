package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moolen/triage/internal/models"
)

// PostgresStore persists documents as JSONB rows with a handful of extracted
// index columns and an update_version guard column for conditional writes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS issues (
	id             BIGINT PRIMARY KEY,
	doc            JSONB  NOT NULL,
	owner_id       TEXT   NOT NULL DEFAULT '',
	resolved       BOOLEAN NOT NULL DEFAULT FALSE,
	promoted       BOOLEAN NOT NULL DEFAULT FALSE,
	update_version BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS issues_owner_idx ON issues (owner_id) WHERE owner_id <> '';
CREATE INDEX IF NOT EXISTS issues_resolved_idx ON issues (resolved);
CREATE INDEX IF NOT EXISTS issues_streams_idx ON issues USING GIN ((doc -> 'streams'));

CREATE TABLE IF NOT EXISTS spans (
	id             TEXT PRIMARY KEY,
	issue_id       BIGINT NOT NULL,
	stream_id      TEXT   NOT NULL,
	template_id    TEXT   NOT NULL,
	node_name      TEXT   NOT NULL,
	open           BOOLEAN NOT NULL,
	first_failure  BIGINT NOT NULL,
	last_failure   BIGINT NOT NULL,
	doc            JSONB  NOT NULL,
	update_version BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS spans_issue_idx ON spans (issue_id);
CREATE INDEX IF NOT EXISTS spans_lineage_idx ON spans (stream_id, template_id, node_name, open);

CREATE TABLE IF NOT EXISTS steps (
	span_id TEXT   NOT NULL,
	change  BIGINT NOT NULL,
	doc     JSONB  NOT NULL
);
CREATE INDEX IF NOT EXISTS steps_span_idx ON steps (span_id, change);

CREATE TABLE IF NOT EXISTS sentinels (
	stream_id   TEXT NOT NULL,
	template_id TEXT NOT NULL,
	node_name   TEXT NOT NULL,
	change      BIGINT NOT NULL,
	doc         JSONB NOT NULL,
	PRIMARY KEY (stream_id, template_id, node_name)
);

CREATE TABLE IF NOT EXISTS ledger (
	name  TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
INSERT INTO ledger (name, value) VALUES ('issues', 0) ON CONFLICT (name) DO NOTHING;
`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Issues returns the issues collection.
func (p *PostgresStore) Issues() IssueStore { return &pgIssues{pool: p.pool} }

// Spans returns the spans collection.
func (p *PostgresStore) Spans() SpanStore { return &pgSpans{pool: p.pool} }

// Steps returns the append-only step history.
func (p *PostgresStore) Steps() StepStore { return &pgSteps{pool: p.pool} }

// Sentinels returns the per-lineage success sentinels.
func (p *PostgresStore) Sentinels() SentinelStore { return &pgSentinels{pool: p.pool} }

// Ledger returns the id allocator.
func (p *PostgresStore) Ledger() Ledger { return &pgLedger{pool: p.pool} }

type pgIssues struct {
	pool *pgxpool.Pool
}

func (s *pgIssues) Insert(ctx context.Context, issue *models.Issue) error {
	issue.UpdateVersion = 1
	doc, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("failed to encode issue %d: %w", issue.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO issues (id, doc, owner_id, resolved, promoted, update_version) VALUES ($1, $2, $3, $4, $5, $6)`,
		issue.ID, doc, issue.OwnerID, issue.Resolved(), issue.Promoted, issue.UpdateVersion)
	if err != nil {
		return fmt.Errorf("failed to insert issue %d: %w", issue.ID, err)
	}
	return nil
}

func (s *pgIssues) Get(ctx context.Context, id int64) (*models.Issue, bool, error) {
	var doc []byte
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT doc, update_version FROM issues WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load issue %d: %w", id, err)
	}
	issue, err := decodeIssue(doc, version)
	if err != nil {
		return nil, false, err
	}
	return issue, true, nil
}

func decodeIssue(doc []byte, version int64) (*models.Issue, error) {
	var issue models.Issue
	if err := json.Unmarshal(doc, &issue); err != nil {
		return nil, fmt.Errorf("failed to decode issue document: %w", err)
	}
	// The guard column, not the document, is the version of record.
	issue.UpdateVersion = version
	return &issue, nil
}

func (s *pgIssues) Update(ctx context.Context, issue *models.Issue) error {
	expect := issue.UpdateVersion
	issue.UpdateVersion = expect + 1
	doc, err := json.Marshal(issue)
	if err != nil {
		issue.UpdateVersion = expect
		return fmt.Errorf("failed to encode issue %d: %w", issue.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE issues SET doc = $2, owner_id = $3, resolved = $4, promoted = $5, update_version = $6
		 WHERE id = $1 AND update_version = $7`,
		issue.ID, doc, issue.OwnerID, issue.Resolved(), issue.Promoted, issue.UpdateVersion, expect)
	if err != nil {
		issue.UpdateVersion = expect
		return fmt.Errorf("failed to update issue %d: %w", issue.ID, err)
	}
	if tag.RowsAffected() == 0 {
		issue.UpdateVersion = expect
		exists, err := s.exists(ctx, issue.ID)
		if err != nil {
			return err
		}
		if !exists {
			return models.NewNotFoundError("issue", strconv.FormatInt(issue.ID, 10))
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *pgIssues) exists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM issues WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe issue %d: %w", id, err)
	}
	return true, nil
}

func (s *pgIssues) Find(ctx context.Context, filter IssueFilter, offset, limit int) ([]*models.Issue, error) {
	query := `SELECT i.doc, i.update_version FROM issues i`
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.MinChange != 0 || filter.MaxChange != 0 {
		cond := `EXISTS (SELECT 1 FROM spans sp WHERE sp.issue_id = i.id`
		if filter.MinChange != 0 {
			// Open spans are still failing: unbounded above their last
			// observed failure.
			cond += ` AND (sp.open OR sp.last_failure >= ` + arg(filter.MinChange) + `)`
		}
		if filter.MaxChange != 0 {
			cond += ` AND sp.first_failure <= ` + arg(filter.MaxChange)
		}
		conds = append(conds, cond+`)`)
	}
	if len(filter.IDs) > 0 {
		conds = append(conds, `i.id = ANY(`+arg(filter.IDs)+`)`)
	}
	if filter.OwnerID != "" {
		conds = append(conds, `i.owner_id = `+arg(filter.OwnerID))
	}
	if filter.StreamID != "" {
		conds = append(conds, `i.doc -> 'streams' @> jsonb_build_array(jsonb_build_object('streamId', `+arg(filter.StreamID)+`::text))`)
	}
	if filter.Resolved != nil {
		conds = append(conds, `i.resolved = `+arg(*filter.Resolved))
	}
	if filter.Promoted != nil {
		conds = append(conds, `i.promoted = `+arg(*filter.Promoted))
	}

	for idx, cond := range conds {
		if idx == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}
	query += ` ORDER BY i.id`
	if limit > 0 {
		query += ` LIMIT ` + arg(limit)
	}
	if offset > 0 {
		query += ` OFFSET ` + arg(offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var out []*models.Issue
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		issue, err := decodeIssue(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, issue)
	}
	return out, rows.Err()
}

type pgSpans struct {
	pool *pgxpool.Pool
}

func (s *pgSpans) Insert(ctx context.Context, span *models.Span) error {
	span.UpdateVersion = 1
	doc, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("failed to encode span %s: %w", span.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO spans (id, issue_id, stream_id, template_id, node_name, open, first_failure, last_failure, doc, update_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		span.ID, span.IssueID, span.StreamID, span.TemplateID, span.NodeName, span.Open(),
		span.FirstFailure.Change, span.LastFailure.Change, doc, span.UpdateVersion)
	if err != nil {
		return fmt.Errorf("failed to insert span %s: %w", span.ID, err)
	}
	return nil
}

func (s *pgSpans) Get(ctx context.Context, id string) (*models.Span, bool, error) {
	var doc []byte
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT doc, update_version FROM spans WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load span %s: %w", id, err)
	}
	span, err := decodeSpan(doc, version)
	if err != nil {
		return nil, false, err
	}
	return span, true, nil
}

func decodeSpan(doc []byte, version int64) (*models.Span, error) {
	var span models.Span
	if err := json.Unmarshal(doc, &span); err != nil {
		return nil, fmt.Errorf("failed to decode span document: %w", err)
	}
	span.UpdateVersion = version
	return &span, nil
}

func (s *pgSpans) Update(ctx context.Context, span *models.Span) error {
	expect := span.UpdateVersion
	span.UpdateVersion = expect + 1
	doc, err := json.Marshal(span)
	if err != nil {
		span.UpdateVersion = expect
		return fmt.Errorf("failed to encode span %s: %w", span.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE spans SET issue_id = $2, open = $3, first_failure = $4, last_failure = $5, doc = $6, update_version = $7
		 WHERE id = $1 AND update_version = $8`,
		span.ID, span.IssueID, span.Open(), span.FirstFailure.Change, span.LastFailure.Change, doc, span.UpdateVersion, expect)
	if err != nil {
		span.UpdateVersion = expect
		return fmt.Errorf("failed to update span %s: %w", span.ID, err)
	}
	if tag.RowsAffected() == 0 {
		span.UpdateVersion = expect
		return ErrVersionConflict
	}
	return nil
}

func (s *pgSpans) Find(ctx context.Context, filter SpanFilter) ([]*models.Span, error) {
	query := `SELECT doc, update_version FROM spans`
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(filter.IDs) > 0 {
		conds = append(conds, `id = ANY(`+arg(filter.IDs)+`)`)
	}
	if filter.IssueID != 0 {
		conds = append(conds, `issue_id = `+arg(filter.IssueID))
	}
	if filter.StreamID != "" {
		conds = append(conds, `stream_id = `+arg(filter.StreamID))
	}
	if filter.TemplateID != "" {
		conds = append(conds, `template_id = `+arg(filter.TemplateID))
	}
	if filter.NodeName != "" {
		conds = append(conds, `node_name = `+arg(filter.NodeName))
	}
	if filter.Open != nil {
		conds = append(conds, `open = `+arg(*filter.Open))
	}

	for idx, cond := range conds {
		if idx == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var out []*models.Span
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("failed to scan span row: %w", err)
		}
		span, err := decodeSpan(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, span)
	}
	return out, rows.Err()
}

type pgSteps struct {
	pool *pgxpool.Pool
}

func (s *pgSteps) Append(ctx context.Context, step *models.Step) error {
	doc, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to encode step: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO steps (span_id, change, doc) VALUES ($1, $2, $3)`, step.SpanID, step.Change, doc); err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

func (s *pgSteps) Find(ctx context.Context, filter StepFilter) ([]*models.Step, error) {
	query := `SELECT doc FROM steps`
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.SpanID != "" {
		conds = append(conds, `span_id = `+arg(filter.SpanID))
	}
	if filter.MinChange != 0 {
		conds = append(conds, `change >= `+arg(filter.MinChange))
	}
	if filter.MaxChange != 0 {
		conds = append(conds, `change <= `+arg(filter.MaxChange))
	}
	for idx, cond := range conds {
		if idx == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}
	query += ` ORDER BY change`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		var step models.Step
		if err := json.Unmarshal(doc, &step); err != nil {
			return nil, fmt.Errorf("failed to decode step document: %w", err)
		}
		out = append(out, &step)
	}
	return out, rows.Err()
}

type pgSentinels struct {
	pool *pgxpool.Pool
}

func (s *pgSentinels) Advance(ctx context.Context, lineage models.Lineage, step *models.Step) error {
	doc, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to encode sentinel: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sentinels (stream_id, template_id, node_name, change, doc) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (stream_id, template_id, node_name)
		 DO UPDATE SET change = EXCLUDED.change, doc = EXCLUDED.doc
		 WHERE sentinels.change < EXCLUDED.change`,
		lineage.StreamID, lineage.TemplateID, lineage.NodeName, step.Change, doc)
	if err != nil {
		return fmt.Errorf("failed to advance sentinel for %s: %w", lineage, err)
	}
	return nil
}

func (s *pgSentinels) Get(ctx context.Context, lineage models.Lineage) (*models.Step, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM sentinels WHERE stream_id = $1 AND template_id = $2 AND node_name = $3`,
		lineage.StreamID, lineage.TemplateID, lineage.NodeName).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load sentinel for %s: %w", lineage, err)
	}
	var step models.Step
	if err := json.Unmarshal(doc, &step); err != nil {
		return nil, false, fmt.Errorf("failed to decode sentinel document: %w", err)
	}
	return &step, true, nil
}

type pgLedger struct {
	pool *pgxpool.Pool
}

func (l *pgLedger) NextIssueID(ctx context.Context) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx, `UPDATE ledger SET value = value + 1 WHERE name = 'issues' RETURNING value`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate issue id: %w", err)
	}
	return id, nil
}
