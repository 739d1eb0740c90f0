// ABOUTME: Audit event table operations for the SQLite store
// ABOUTME: Append and retention sweep are the only writes, queries are filtered

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAuditEvent appends one event to the audit trail. Generates ID and
// Timestamp if unset. Events are never updated after insert.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var metadataJSON *string
	if e.Metadata != nil {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling audit metadata: %w", err)
		}
		str := string(data)
		metadataJSON = &str
	}

	query := `
		INSERT INTO audit_events (id, ts, event_type, subject, success, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Type),
		e.Subject,
		e.Success,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	s.logger.Debug("audit event appended", "id", e.ID, "type", e.Type, "subject", e.Subject, "success", e.Success)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000).
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditEventQuery = `
	SELECT id, ts, event_type, subject, success, metadata_json
	FROM audit_events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR event_type = ?)
	  AND (? IS NULL OR subject = ?)
	  AND (? IS NULL OR success = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	var sinceStr, untilStr, typeStr *string
	if filter.Since != nil {
		v := filter.Since.UTC().Format(time.RFC3339Nano)
		sinceStr = &v
	}
	if filter.Until != nil {
		v := filter.Until.UTC().Format(time.RFC3339Nano)
		untilStr = &v
	}
	if filter.Type != nil {
		v := string(*filter.Type)
		typeStr = &v
	}
	limit := normalizeAuditLimit(filter.Limit)

	rows, err := s.db.QueryContext(ctx, auditEventQuery,
		sinceStr, sinceStr,
		untilStr, untilStr,
		typeStr, typeStr,
		filter.Subject, filter.Subject,
		filter.Success, filter.Success,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteAuditEventsBefore removes events older than cutoff. This retention
// sweep is the only deletion path for the audit trail.
func (s *SQLiteStore) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE ts < ?",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sweeping audit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking sweep result: %w", err)
	}
	if n > 0 {
		s.logger.Info("audit retention sweep", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// scanAuditEvent scans one audit event row.
func scanAuditEvent(scanner rowScanner) (*AuditEvent, error) {
	var e AuditEvent
	var tsStr, typeStr string
	var metadataJSON *string

	if err := scanner.Scan(&e.ID, &tsStr, &typeStr, &e.Subject, &e.Success, &metadataJSON); err != nil {
		return nil, fmt.Errorf("scanning audit event: %w", err)
	}

	e.Type = EventType(typeStr)
	var err error
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr); err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	if metadataJSON != nil {
		if err := json.Unmarshal([]byte(*metadataJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return &e, nil
}
