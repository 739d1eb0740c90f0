// ABOUTME: Tests for audit event append, filtered listing, and retention sweep
// ABOUTME: Verifies newest-first ordering and filter combinations

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudit_Append(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := &AuditEvent{
		Type:     EventHandshakeSucceeded,
		Subject:  "sess-1",
		Success:  true,
		Metadata: map[string]any{"fingerprint": "abc123"},
	}
	require.NoError(t, s.AppendAuditEvent(ctx, e))

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestAudit_ListNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	types := []EventType{EventKeyImported, EventTokenStored, EventPermissionGranted}
	for i, typ := range types {
		require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{
			Type:      typ,
			Subject:   "subj",
			Success:   true,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := s.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventPermissionGranted, events[0].Type)
	assert.Equal(t, EventKeyImported, events[2].Type)
}

func TestAudit_FilterByType(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventInvalidSignature, Subject: "sess-1", Success: false}))
	require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventPermissionDenied, Subject: "sess-1", Success: false}))

	typ := EventInvalidSignature
	events, err := s.ListAuditEvents(ctx, AuditFilter{Type: &typ})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventInvalidSignature, events[0].Type)
}

func TestAudit_FilterBySubjectAndSuccess(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventPermissionGranted, Subject: "sess-1", Success: true}))
	require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventPermissionDenied, Subject: "sess-1", Success: false}))
	require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventPermissionGranted, Subject: "sess-2", Success: true}))

	subject := "sess-1"
	failed := false
	events, err := s.ListAuditEvents(ctx, AuditFilter{Subject: &subject, Success: &failed})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventPermissionDenied, events[0].Type)
}

func TestAudit_FilterBySince(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventKeyImported, Subject: "k1", Success: true, Timestamp: old}))
	require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventKeyImported, Subject: "k2", Success: true}))

	since := time.Now().UTC().Add(-time.Minute)
	events, err := s.ListAuditEvents(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "k2", events[0].Subject)
}

func TestAudit_MetadataRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := &AuditEvent{
		Type:     EventSecurityAlert,
		Subject:  "sess-1",
		Success:  false,
		Metadata: map[string]any{"alert": "brute_force_suspected", "failures": float64(5)},
	}
	require.NoError(t, s.AppendAuditEvent(ctx, e))

	events, err := s.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e.Metadata, events[0].Metadata)
}

func TestAudit_Limit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventKeyUsed, Subject: "k", Success: true}))
	}

	events, err := s.ListAuditEvents(ctx, AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAudit_RetentionSweep(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventKeyUsed, Subject: "old", Success: true, Timestamp: old}))
	require.NoError(t, s.AppendAuditEvent(ctx, &AuditEvent{Type: EventKeyUsed, Subject: "new", Success: true}))

	n, err := s.DeleteAuditEventsBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := s.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].Subject)
}
