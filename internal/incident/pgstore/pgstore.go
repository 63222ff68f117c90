// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/roadwatch/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents and alert attempts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
// The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, source_id, cluster_key, status, severity, confidence, lat, lon, address,
	evidence, evidence_count, last_alert_at, alerted_severity, notes, created_at, updated_at`

const openPredicate = `status NOT IN ('false_alarm', 'resolved')`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return inc, inc != nil, nil
}

// FindOpenByCluster returns the most recently updated open incident for a cluster key.
func (s *Store) FindOpenByCluster(ctx context.Context, clusterKey string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.FindOpenByCluster", "SELECT")
	defer span.End()
	span.SetAttributes(attribute.String("roadwatch.cluster_key", clusterKey))

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE cluster_key = $1 AND ` + openPredicate + `
		ORDER BY updated_at DESC LIMIT 1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, clusterKey))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return inc, inc != nil, nil
}

// ListOpen returns all open incidents, oldest first.
func (s *Store) ListOpen(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.ListOpen", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE `+openPredicate+` ORDER BY created_at`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query open incidents: %w", err))
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	span.SetAttributes(attribute.Int("roadwatch.open_incidents", len(out)))
	return out, nil
}

// Put inserts or updates an incident.
func (s *Store) Put(ctx context.Context, inc *incident.Incident) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	address, err := marshalNullable(inc.ResolvedAddress)
	if err != nil {
		return fail(span, fmt.Errorf("marshal address: %w", err))
	}
	evidence, err := json.Marshal(nonNil(inc.Evidence))
	if err != nil {
		return fail(span, fmt.Errorf("marshal evidence: %w", err))
	}
	lastAlert, err := json.Marshal(nonNilMap(inc.LastAlertAt))
	if err != nil {
		return fail(span, fmt.Errorf("marshal last_alert_at: %w", err))
	}
	alerted, err := json.Marshal(nonNilMap(inc.AlertedSeverity))
	if err != nil {
		return fail(span, fmt.Errorf("marshal alerted_severity: %w", err))
	}
	notes, err := json.Marshal(nonNil(inc.Notes))
	if err != nil {
		return fail(span, fmt.Errorf("marshal notes: %w", err))
	}

	var lat, lon *float64
	if inc.Location != nil {
		lat, lon = &inc.Location.Lat, &inc.Location.Lon
	}

	query := `INSERT INTO incidents (` + incidentColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	ON CONFLICT (id) DO UPDATE SET
		status           = EXCLUDED.status,
		severity         = EXCLUDED.severity,
		confidence       = EXCLUDED.confidence,
		lat              = EXCLUDED.lat,
		lon              = EXCLUDED.lon,
		address          = EXCLUDED.address,
		evidence         = EXCLUDED.evidence,
		evidence_count   = EXCLUDED.evidence_count,
		last_alert_at    = EXCLUDED.last_alert_at,
		alerted_severity = EXCLUDED.alerted_severity,
		notes            = EXCLUDED.notes,
		updated_at       = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		inc.ID, inc.SourceID, inc.ClusterKey, string(inc.Status), string(inc.Severity), inc.Confidence,
		lat, lon, address, evidence, inc.EvidenceCount, lastAlert, alerted, notes,
		inc.CreatedAt, inc.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert incident: %w", err))
	}
	return nil
}

// AppendAttempts inserts attempt rows in a single transaction.
func (s *Store) AppendAttempts(ctx context.Context, attempts []incident.AlertAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	ctx, span := startSpan(ctx, "pgstore.AppendAttempts", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.Int("roadwatch.attempts", len(attempts)))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	for i := range attempts {
		a := &attempts[i]
		var lastErr *string
		if a.LastError != "" {
			lastErr = &a.LastError
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO alert_attempts (id, incident_id, channel, recipient, language, severity, status, attempt_count, last_error, created_at, sent_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO NOTHING`,
			a.ID, a.IncidentID, a.Channel, a.Recipient, a.Language, string(a.Severity), string(a.Status),
			a.AttemptCount, lastErr, a.CreatedAt, a.SentAt,
		)
		if err != nil {
			return fail(span, fmt.Errorf("insert attempt %s: %w", a.ID, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ListAttempts returns an incident's attempts in insertion order.
func (s *Store) ListAttempts(ctx context.Context, incidentID string) ([]incident.AlertAttempt, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAttempts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, incident_id, channel, recipient, language, severity, status, attempt_count, last_error, created_at, sent_at
		 FROM alert_attempts WHERE incident_id = $1 ORDER BY created_at, id`,
		incidentID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query attempts: %w", err))
	}
	defer rows.Close()

	out := []incident.AlertAttempt{}
	for rows.Next() {
		var (
			a        incident.AlertAttempt
			severity string
			status   string
			lastErr  *string
			sentAt   *time.Time
		)
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.Channel, &a.Recipient, &a.Language, &severity, &status,
			&a.AttemptCount, &lastErr, &a.CreatedAt, &sentAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan attempt: %w", err))
		}
		a.Severity = incident.Severity(severity)
		a.Status = incident.AttemptStatus(status)
		if lastErr != nil {
			a.LastError = *lastErr
		}
		a.SentAt = sentAt
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate attempts: %w", err))
	}
	return out, nil
}

// scanIncident scans a single row. Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc       incident.Incident
		status    string
		severity  string
		lat, lon  *float64
		address   []byte
		evidence  []byte
		lastAlert []byte
		alerted   []byte
		notes     []byte
	)

	err := row.Scan(
		&inc.ID, &inc.SourceID, &inc.ClusterKey, &status, &severity, &inc.Confidence, &lat, &lon, &address,
		&evidence, &inc.EvidenceCount, &lastAlert, &alerted, &notes, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inc.Status = incident.Status(status)
	inc.Severity = incident.Severity(severity)
	if lat != nil && lon != nil {
		inc.Location = &incident.Location{Lat: *lat, Lon: *lon}
	}
	if len(address) > 0 {
		inc.ResolvedAddress = &incident.Address{}
		if err := json.Unmarshal(address, inc.ResolvedAddress); err != nil {
			return nil, fmt.Errorf("unmarshal address: %w", err)
		}
	}
	if err := json.Unmarshal(evidence, &inc.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal(lastAlert, &inc.LastAlertAt); err != nil {
		return nil, fmt.Errorf("unmarshal last_alert_at: %w", err)
	}
	if err := json.Unmarshal(alerted, &inc.AlertedSeverity); err != nil {
		return nil, fmt.Errorf("unmarshal alerted_severity: %w", err)
	}
	if err := json.Unmarshal(notes, &inc.Notes); err != nil {
		return nil, fmt.Errorf("unmarshal notes: %w", err)
	}
	return &inc, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
