// ABOUTME: Tests for audit trail append, redaction, query, and retention
// ABOUTME: Runs against a real SQLite store in a temp directory

package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketagent/pocketagent/internal/store"
)

func setupTrail(t *testing.T) (*Trail, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func TestTrail_AppendAndQuery(t *testing.T) {
	trail, _ := setupTrail(t)
	ctx := context.Background()

	require.NoError(t, trail.Append(ctx, store.EventHandshakeSucceeded, "sess-1", true, map[string]any{"project": "proj-1"}))

	events, err := trail.Query(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventHandshakeSucceeded, events[0].Type)
	assert.Equal(t, "sess-1", events[0].Subject)
	assert.True(t, events[0].Success)
}

func TestTrail_RedactsSecretKeys(t *testing.T) {
	trail, _ := setupTrail(t)
	ctx := context.Background()

	require.NoError(t, trail.Append(ctx, store.EventTokenStored, "tok-1", true, map[string]any{
		"token_value": "super-secret-bearer",
		"session_key": "deadbeef",
		"passphrase":  "hunter2",
		"project":     "proj-1",
	}))

	events, err := trail.Query(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	md := events[0].Metadata
	assert.Equal(t, "[redacted]", md["token_value"])
	assert.Equal(t, "[redacted]", md["session_key"])
	assert.Equal(t, "[redacted]", md["passphrase"])
	assert.Equal(t, "proj-1", md["project"])
}

func TestTrail_TruncatesLongValues(t *testing.T) {
	trail, _ := setupTrail(t)
	ctx := context.Background()

	long := strings.Repeat("x", 2000)
	require.NoError(t, trail.Append(ctx, store.EventPermissionDenied, "req-1", false, map[string]any{"params": long}))

	events, err := trail.Query(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	got, ok := events[0].Metadata["params"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(got), maxMetadataValueLen+len("…"))
}

func TestTrail_SweepBefore(t *testing.T) {
	trail, s := setupTrail(t)
	ctx := context.Background()

	old := &store.AuditEvent{Type: store.EventKeyUsed, Subject: "stale", Success: true, Timestamp: time.Now().UTC().Add(-48 * time.Hour)}
	require.NoError(t, s.AppendAuditEvent(ctx, old))
	require.NoError(t, trail.Append(ctx, store.EventKeyUsed, "fresh", true, nil))

	n, err := trail.SweepBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := trail.Query(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].Subject)
}

func TestRedact_NilMetadata(t *testing.T) {
	assert.Nil(t, redact(nil))
}

func TestIsSecretKey(t *testing.T) {
	assert.True(t, isSecretKey("session_key"))
	assert.True(t, isSecretKey("AccessToken"))
	assert.True(t, isSecretKey("PASSWORD"))
	assert.False(t, isSecretKey("project"))
	assert.False(t, isSecretKey("tool"))
}
