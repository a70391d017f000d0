package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/dispatcher"
	"chronicle.dev/chronicle/runtime/chronicle/store"
	"chronicle.dev/chronicle/runtime/chronicle/store/migrate"
)

func openTestDB(t *testing.T) *store.Store {
	t.Helper()
	s, db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	err = migrate.Run(context.Background(), db, Schema, nil, Dialect{}.Placeholder, func() time.Time { return time.Unix(0, 0) })
	require.NoError(t, err)
	return s
}

func TestInsertLogEventRoundTrips(t *testing.T) {
	s := openTestDB(t)
	err := s.InsertLogEvent(context.Background(), dispatcher.ProxyLogEntry{
		ID: uuid.NewString(), Org: "org1", Provider: "openai", Model: "gpt-4o",
		Attempts: 1, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestApplyEventBatchUpsertsRunAndStep(t *testing.T) {
	s := openTestDB(t)
	err := s.ApplyEventBatch(context.Background(), "org1", canon.EventBatch{
		Events: []canon.ChronicleEvent{
			{Type: canon.EventRunStart, RunID: "run-1", Data: map[string]any{"status": "running"}},
			{Type: canon.EventStepStart, RunID: "run-1", StepID: "step-1", Data: map[string]any{}},
		},
	}, time.Now())
	require.NoError(t, err)
}

func TestAliasByNameMissReturnsFalse(t *testing.T) {
	s := openTestDB(t)
	_, ok, err := s.AliasByName(context.Background(), "org1", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
