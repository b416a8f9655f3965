// Package store persists production requests as jsonb documents keyed
// by prepid, with optimistic revision checks on updates.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kskovpen/rereco/internal/model"
)

var (
	ErrNotFound         = errors.New("request not found")
	ErrAlreadyExists    = errors.New("request already exists")
	ErrRevisionConflict = errors.New("request revision conflict")
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type RequestStore struct {
	db DB
}

func NewRequestStore(db DB) *RequestStore {
	if db == nil {
		return nil
	}
	return &RequestStore{db: db}
}

// Create inserts a new request at revision 1.
func (s *RequestStore) Create(ctx context.Context, req *model.Request) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("request store not initialized")
	}
	prepid := strings.TrimSpace(req.PrepID())
	if prepid == "" {
		return fmt.Errorf("prepid is required")
	}
	document, err := json.Marshal(req.Map())
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO requests (
			prepid,
			revision,
			document,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5)`,
		prepid,
		1,
		document,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// Update replaces the stored document if the caller holds the current
// revision. A stale revision is reported as ErrRevisionConflict.
func (s *RequestStore) Update(ctx context.Context, req *model.Request, revision int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("request store not initialized")
	}
	prepid := strings.TrimSpace(req.PrepID())
	if prepid == "" {
		return fmt.Errorf("prepid is required")
	}
	document, err := json.Marshal(req.Map())
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE requests
		 SET document = $1, revision = revision + 1, updated_at = $2
		 WHERE prepid = $3 AND revision = $4`,
		document,
		time.Now().UTC(),
		prepid,
		revision,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if affected == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE prepid = $1)`, prepid).Scan(&exists)
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		if exists {
			return ErrRevisionConflict
		}
		return ErrNotFound
	}
	return nil
}

// Get loads one request and its current revision.
func (s *RequestStore) Get(ctx context.Context, prepid string) (*model.Request, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("request store not initialized")
	}
	prepid = strings.TrimSpace(prepid)
	if prepid == "" {
		return nil, 0, fmt.Errorf("prepid is required")
	}
	var document []byte
	var revision int64
	row := s.db.QueryRowContext(
		ctx,
		`SELECT document, revision FROM requests WHERE prepid = $1`,
		prepid,
	)
	if err := row.Scan(&document, &revision); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get request: %w", err)
	}
	req, err := decodeRequest(document)
	if err != nil {
		return nil, 0, err
	}
	return req, revision, nil
}

func (s *RequestStore) Delete(ctx context.Context, prepid string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("request store not initialized")
	}
	prepid = strings.TrimSpace(prepid)
	if prepid == "" {
		return fmt.Errorf("prepid is required")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE prepid = $1`, prepid)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type ListFilter struct {
	Subcampaign string
	Status      string
	Limit       int
}

func (s *RequestStore) List(ctx context.Context, filter ListFilter) ([]*model.Request, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("request store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.Subcampaign) != "" {
		args = append(args, strings.TrimSpace(filter.Subcampaign))
		clauses = append(clauses, fmt.Sprintf("document->>'subcampaign' = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, strings.TrimSpace(filter.Status))
		clauses = append(clauses, fmt.Sprintf("document->>'status' = $%d", len(args)))
	}

	query := `SELECT document FROM requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY prepid"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	requests := make([]*model.Request, 0)
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		req, err := decodeRequest(document)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return requests, nil
}

func (s *RequestStore) Count(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("request store not initialized")
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return count, nil
}

func decodeRequest(document []byte) (*model.Request, error) {
	var raw map[string]any
	if err := json.Unmarshal(document, &raw); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	req, err := model.LoadRequest(raw)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return req, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
