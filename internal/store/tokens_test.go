// ABOUTME: Tests for token table operations
// ABOUTME: Covers usage tracking, revocation semantics, and the revoked sweep

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testToken(projectID string) *Token {
	return &Token{
		ProjectID:  projectID,
		Type:       TokenTypeSession,
		Ciphertext: []byte("sealed-token-bytes"),
	}
}

func TestTokens_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tok := testToken("proj-1")
	require.NoError(t, s.CreateToken(ctx, tok))
	assert.NotEmpty(t, tok.ID)

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, TokenTypeSession, got.Type)
	assert.Equal(t, []byte("sealed-token-bytes"), got.Ciphertext)
	assert.Equal(t, 0, got.UsageCount)
	assert.False(t, got.Revoked)
}

func TestTokens_GetNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetToken(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokens_ExpiresAtRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	tok := testToken("proj-1")
	tok.ExpiresAt = &expires
	require.NoError(t, s.CreateToken(ctx, tok))

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
}

func TestTokens_RecordUse(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tok := testToken("proj-1")
	require.NoError(t, s.CreateToken(ctx, tok))

	usedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.RecordTokenUse(ctx, tok.ID, usedAt))
	require.NoError(t, s.RecordTokenUse(ctx, tok.ID, usedAt))

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(usedAt))
}

func TestTokens_Revoke(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tok := testToken("proj-1")
	require.NoError(t, s.CreateToken(ctx, tok))
	require.NoError(t, s.RevokeToken(ctx, tok.ID, RevokeReasonManual, time.Now()))

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, RevokeReasonManual, got.RevokeReason)
	assert.NotNil(t, got.RevokedAt)
}

func TestTokens_RevokeTwicePreservesReason(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tok := testToken("proj-1")
	require.NoError(t, s.CreateToken(ctx, tok))
	require.NoError(t, s.RevokeToken(ctx, tok.ID, RevokeReasonSecurityIncident, time.Now()))
	require.NoError(t, s.RevokeToken(ctx, tok.ID, RevokeReasonManual, time.Now()))

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, RevokeReasonSecurityIncident, got.RevokeReason)
}

func TestTokens_RevokeMissing(t *testing.T) {
	s := setupTestStore(t)

	err := s.RevokeToken(context.Background(), "missing", RevokeReasonManual, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokens_ListByProject(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateToken(ctx, testToken("proj-1")))
	require.NoError(t, s.CreateToken(ctx, testToken("proj-1")))
	require.NoError(t, s.CreateToken(ctx, testToken("proj-2")))

	toks, err := s.ListTokens(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, toks, 2)
}

func TestTokens_SweepRevoked(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := testToken("proj-1")
	require.NoError(t, s.CreateToken(ctx, old))
	require.NoError(t, s.RevokeToken(ctx, old.ID, RevokeReasonExpired, time.Now().Add(-48*time.Hour)))

	fresh := testToken("proj-1")
	require.NoError(t, s.CreateToken(ctx, fresh))

	n, err := s.DeleteRevokedTokensBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetToken(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetToken(ctx, fresh.ID)
	assert.NoError(t, err)
}
