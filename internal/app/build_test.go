package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/ragchat/internal/chat"
	"github.com/ent0n29/ragchat/internal/config"
	"github.com/ent0n29/ragchat/internal/memory"
	"github.com/ent0n29/ragchat/internal/retrieval"
)

func localConfig() config.Config {
	return config.Config{
		SessionInactivityTimeout: time.Minute,
		MetricsNamespace:         "ragchat_test",
		MemoryBackend:            "memory",
		MemoryWindowSize:         10,
		ModelMode:                "mock",
		ModelTimeout:             5 * time.Second,
		VectorBackend:            "memory",
		EmbeddingBackend:         "hash",
		EmbeddingDim:             64,
		RetrievalTopK:            4,
	}
}

func TestBuildLocalStackAnswers(t *testing.T) {
	res, err := Build(context.Background(), localConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	_, err = res.Ingester.IngestText(context.Background(), "notes.md", "The office opens at nine in the morning.")
	require.NoError(t, err)

	sess := res.Sessions.Create("u1", "", 0)
	answer, err := res.Orchestrator.Ask(context.Background(), chat.AskRequest{SessionID: sess.ID, Question: "when does the office open"})
	require.NoError(t, err)
	assert.Contains(t, answer.Text, "when does the office open")
	require.NotEmpty(t, answer.Sources)
	assert.Equal(t, "notes.md", answer.Sources[0].Source)
}

func TestBuildAppliesPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("window_size: 2\ntop_k: 1\n"), 0o600))

	cfg := localConfig()
	cfg.PolicyFile = path
	res, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	assert.Equal(t, 2, res.Policy.WindowSize)
	sess := res.Sessions.Create("u1", "", 0)
	for _, q := range []string{"one", "two"} {
		_, err := res.Orchestrator.Ask(context.Background(), chat.AskRequest{SessionID: sess.ID, Question: q})
		require.NoError(t, err)
	}
	turns, err := res.Orchestrator.History(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, memory.RoleUser, turns[0].Role)
	assert.Equal(t, "two", turns[0].Text)
}

func TestBuildSQLiteSessionsSurviveRestart(t *testing.T) {
	cfg := localConfig()
	cfg.MemoryBackend = "sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	first, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	sess := first.Sessions.Create("u1", "", 2)
	_, err = first.Orchestrator.Ask(ctx, chat.AskRequest{SessionID: sess.ID, Question: "before restart"})
	require.NoError(t, err)
	require.NoError(t, first.Sessions.SetTitle(sess.ID, "Kept title"))
	require.NoError(t, first.Cleanup())

	second, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Cleanup() })

	restored, err := second.Sessions.Authorize(sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Kept title", restored.Title)
	assert.Equal(t, 2, restored.WindowSize)

	history, err := second.Orchestrator.History(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "before restart", history[0].Text)

	for _, q := range []string{"after one", "after two"} {
		_, err := second.Orchestrator.Ask(ctx, chat.AskRequest{SessionID: sess.ID, Question: q})
		require.NoError(t, err)
	}
	history, err = second.Orchestrator.History(ctx, sess.ID)
	require.NoError(t, err)
	// The stored window size of 2 still applies after the restart.
	require.Len(t, history, 2)
	assert.Equal(t, "after two", history[0].Text)
}

func TestBuildRejectsUnknownVectorBackend(t *testing.T) {
	cfg := localConfig()
	cfg.VectorBackend = "faiss"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestNewEmbedderFallsBackToHash(t *testing.T) {
	cfg := localConfig()
	cfg.EmbeddingBackend = "auto"
	e := newEmbedder(cfg, nil)
	h, ok := e.(*retrieval.HashEmbedder)
	require.True(t, ok)
	assert.Equal(t, 64, h.Dimensions())
}
