package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/guardrail/internal/agent"
	guardotel "github.com/dativo-io/guardrail/internal/otel"
)

var tracer = guardotel.Tracer("github.com/dativo-io/guardrail/internal/audit")

// ErrNotFound is returned when no report has the requested ID.
var ErrNotFound = errors.New("audit report not found")

// The payload column holds the exact bytes that were signed, so
// verification never depends on re-encoding.
const schema = `
CREATE TABLE IF NOT EXISTS turn_reports (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	state          TEXT NOT NULL,
	payload        BLOB NOT NULL,
	signature      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS turn_reports_session ON turn_reports(session_id, created_at);
CREATE INDEX IF NOT EXISTS turn_reports_created ON turn_reports(created_at);
`

// Store keeps signed turn reports in SQLite. It implements agent.Auditor.
type Store struct {
	db     *sql.DB
	signer *Signer
}

var _ agent.Auditor = (*Store)(nil)

// NewStore opens the database at dbPath, creating the schema if needed.
func NewStore(dbPath, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("audit signer: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db %s: %w", dbPath, err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating audit db: %w", err)
	}
	return &Store{db: db, signer: signer}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record stores the report for a finished turn.
func (s *Store) Record(ctx context.Context, out *agent.Outcome) error {
	return s.Save(ctx, FromOutcome(out))
}

// Save signs r, sets r.Signature and inserts it.
func (s *Store) Save(ctx context.Context, r *Report) error {
	ctx, span := tracer.Start(ctx, "audit.save", trace.WithAttributes(
		attribute.String("audit.id", r.ID),
		attribute.String("audit.state", r.State),
		guardotel.SessionID.String(r.SessionID),
	))
	defer span.End()

	r.Signature = ""
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report %s: %w", r.ID, err)
	}
	r.Signature = s.signer.Sign(payload)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_reports (id, session_id, correlation_id, created_at, state, payload, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.CorrelationID, r.Timestamp.UTC(), r.State, payload, r.Signature,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("inserting report %s: %w", r.ID, err)
	}
	return nil
}

// Get loads one report by ID.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "audit.get", trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	payload, sig, err := s.row(ctx, id)
	if err != nil {
		return nil, err
	}
	return decode(payload, sig)
}

func (s *Store) row(ctx context.Context, id string) (payload []byte, sig string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT payload, signature FROM turn_reports WHERE id = ?`, id).Scan(&payload, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading report %s: %w", id, err)
	}
	return payload, sig, nil
}

func decode(payload []byte, sig string) (*Report, error) {
	var r Report
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	r.Signature = sig
	return &r, nil
}

// Query narrows List. Zero fields do not filter; Limit <= 0 is unbounded.
type Query struct {
	SessionID string
	State     string
	Since     time.Time
	Limit     int
}

func (q Query) sql() (string, []interface{}) {
	var where []string
	var args []interface{}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.State != "" {
		where = append(where, "state = ?")
		args = append(args, strings.ToUpper(q.State))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	stmt := "SELECT payload, signature FROM turn_reports"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return stmt, args
}

// List returns matching reports, newest first. Rows that fail to decode are
// skipped and logged on the span.
func (s *Store) List(ctx context.Context, q Query) ([]Report, error) {
	ctx, span := tracer.Start(ctx, "audit.list")
	defer span.End()

	stmt, args := q.sql()
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	reports := []Report{}
	skipped := 0
	for rows.Next() {
		var payload []byte
		var sig string
		if err := rows.Scan(&payload, &sig); err != nil {
			skipped++
			continue
		}
		r, err := decode(payload, sig)
		if err != nil {
			skipped++
			continue
		}
		reports = append(reports, *r)
	}
	span.SetAttributes(attribute.Int("audit.count", len(reports)), attribute.Int("audit.skipped", skipped))
	return reports, rows.Err()
}

// Verify reports whether the stored payload still matches its signature.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify", trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	payload, sig, err := s.row(ctx, id)
	if err != nil {
		return false, err
	}
	ok := s.signer.Verify(payload, sig)
	span.SetAttributes(attribute.Bool("audit.valid", ok))
	return ok, nil
}
