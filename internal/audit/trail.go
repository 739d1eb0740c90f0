// ABOUTME: Trail implementation: synchronous append, filtered query, retention
// ABOUTME: Metadata redaction strips secrets and truncates oversized values

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketagent/pocketagent/internal/store"
)

// maxMetadataValueLen bounds any single string value persisted in metadata.
const maxMetadataValueLen = 256

// secretKeyMarkers flag metadata keys whose values must never be persisted.
var secretKeyMarkers = []string{"key", "token", "secret", "password", "passphrase", "value"}

// Store is the persistence surface the trail needs.
type Store interface {
	AppendAuditEvent(ctx context.Context, e *store.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEvent, error)
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Trail is the append-only audit log.
type Trail struct {
	store  Store
	logger *slog.Logger
}

// New creates a Trail over the given store.
func New(s Store) *Trail {
	return &Trail{
		store:  s,
		logger: slog.Default().With("component", "audit"),
	}
}

// Append records one event. Metadata is redacted before persistence.
// Callers must invoke Append before returning any externally observable
// decision derived from the event.
func (t *Trail) Append(ctx context.Context, typ store.EventType, subject string, success bool, metadata map[string]any) error {
	e := &store.AuditEvent{
		Type:     typ,
		Subject:  subject,
		Success:  success,
		Metadata: redact(metadata),
	}
	if err := t.store.AppendAuditEvent(ctx, e); err != nil {
		// An unwritable audit trail is a serious condition, surface loudly.
		t.logger.Error("audit append failed", "type", typ, "subject", subject, "error", err)
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns events matching the filter.
func (t *Trail) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEvent, error) {
	return t.store.ListAuditEvents(ctx, filter)
}

// SweepBefore removes events older than cutoff. The retention sweep is the
// only deletion path into the trail.
func (t *Trail) SweepBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return t.store.DeleteAuditEventsBefore(ctx, cutoff)
}

// RunRetention sweeps on the given interval until ctx is cancelled,
// removing events older than the retention horizon.
func (t *Trail) RunRetention(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.SweepBefore(ctx, time.Now().Add(-retention)); err != nil {
				t.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// redact returns a copy of metadata safe for persistence: values under
// secret-flagged keys are replaced and long strings truncated.
func redact(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if isSecretKey(k) {
			out[k] = "[redacted]"
			continue
		}
		if s, ok := v.(string); ok && len(s) > maxMetadataValueLen {
			out[k] = s[:maxMetadataValueLen] + "…"
			continue
		}
		out[k] = v
	}
	return out
}

// isSecretKey reports whether a metadata key names something secret.
func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
