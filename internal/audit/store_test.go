package audit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/guardrail/internal/agent"
	"github.com/dativo-io/guardrail/internal/pipeline"
	"github.com/dativo-io/guardrail/internal/scanner"
	"github.com/dativo-io/guardrail/internal/testutil"
	"github.com/dativo-io/guardrail/internal/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleOutcome() *agent.Outcome {
	return &agent.Outcome{
		SessionID:     "sess-1",
		CorrelationID: "corr-1",
		State:         agent.StateDone,
		Output:        "Mail a@b.com today",
		InputScan: &pipeline.Result{
			Valid:  map[string]bool{"anonymize": true, "token_limit": true},
			Scores: map[string]float64{"anonymize": 0.3, "token_limit": 0.1},
			Results: []scanner.Result{
				{Scanner: "anonymize", Valid: true, Score: 0.3, Entities: []vault.Entity{{Kind: "EMAIL", Value: "a@b.com", Start: 5, End: 12}}},
				{Scanner: "token_limit", Valid: true, Score: 0.1},
			},
		},
		Tools:        []agent.ToolRecord{{Name: "add", Executed: true}, {Name: "calculate", Denied: true, Error: "denied"}},
		ToolRounds:   1,
		Model:        "gpt-4o-mini",
		InputTokens:  12,
		OutputTokens: 7,
		Duration:     1500 * time.Millisecond,
	}
}

func TestFromOutcome_HoldsNoRawText(t *testing.T) {
	r := FromOutcome(sampleOutcome())

	assert.Equal(t, "DONE", r.State)
	assert.Equal(t, map[string]int{"EMAIL": 1}, r.Input.Entities)
	assert.True(t, r.Input.Valid)
	assert.Nil(t, r.Output)
	assert.Equal(t, []ToolAudit{{Name: "add", Executed: true}, {Name: "calculate", Denied: true, Failed: true}}, r.Tools)
	assert.Equal(t, int64(1500), r.DurationMS)
	assert.True(t, strings.HasPrefix(r.OutputHash, "sha256:"))
	assert.True(t, strings.HasPrefix(r.ID, "aud_"))

	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), r))
	var raw string
	require.NoError(t, store.db.QueryRow(`SELECT payload FROM turn_reports WHERE id = ?`, r.ID).Scan(&raw))
	assert.NotContains(t, raw, "a@b.com")
	assert.NotContains(t, raw, "Mail")
}

func TestStore_RecordGetVerify(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Record(ctx, sampleOutcome()))
	reports, err := store.List(ctx, Query{SessionID: "sess-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, strings.HasPrefix(reports[0].Signature, "hmac-sha256:"))

	got, err := store.Get(ctx, reports[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", got.CorrelationID)

	ok, err := store.Verify(ctx, got.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.db.Exec(`UPDATE turn_reports SET payload = CAST(replace(CAST(payload AS TEXT), '"DONE"', '"REJECTED"') AS BLOB) WHERE id = ?`, got.ID)
	require.NoError(t, err)
	ok, err = store.Verify(ctx, got.ID)
	require.NoError(t, err)
	assert.False(t, ok, "tampered report must not verify")
}

func TestStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for i, sid := range []string{"a", "a", "b"} {
		out := sampleOutcome()
		out.SessionID = sid
		if i == 2 {
			out.State = agent.StateRejected
		}
		require.NoError(t, store.Record(ctx, out))
	}

	all, err := store.List(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := store.List(ctx, Query{SessionID: "a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	rejected, err := store.List(ctx, Query{State: "rejected"})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "b", rejected[0].SessionID)

	future, err := store.List(ctx, Query{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)

	limited, err := store.List(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_GetMissing(t *testing.T) {
	_, err := newTestStore(t).Get(context.Background(), "aud_missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNewSigner(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"raw 32 bytes", testutil.TestSigningKey, false},
		{"hex 64 chars", strings.Repeat("ab", 32), false},
		{"too short", "short", true},
		{"non-hex 64 chars used raw", strings.Repeat("xy", 32), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSigner(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			sig := s.Sign([]byte("payload"))
			assert.True(t, s.Verify([]byte("payload"), sig))
			assert.False(t, s.Verify([]byte("payload2"), sig))
			assert.False(t, s.Verify([]byte("payload"), strings.Replace(sig, "hmac-sha256", "hmac-md5", 1)))
			assert.False(t, s.Verify([]byte("payload"), "hmac-sha256:zz"))
		})
	}
}
