package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessedRoundTrip(t *testing.T) {
	s := testStore(t)

	done, err := s.IsProcessed("42")
	require.NoError(t, err)
	assert.False(t, done)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.RecordProcessed(ProcessedMessage{
		MessageID: "42",
		OrderID:   "ORDER_1_20260824T101500",
		AuditDir:  "/tmp/audit/x",
		Status:    "ok",
		CreatedAt: now,
	}))

	done, err = s.IsProcessed("42")
	require.NoError(t, err)
	assert.True(t, done)

	m, err := s.ByOrderID("ORDER_1_20260824T101500")
	require.NoError(t, err)
	assert.Equal(t, "42", m.MessageID)
	assert.Equal(t, "/tmp/audit/x", m.AuditDir)

	m, err = s.ByMessageID("42")
	require.NoError(t, err)
	assert.Equal(t, "ORDER_1_20260824T101500", m.OrderID)

	_, err = s.ByOrderID("ORDER_9_20990101T000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMostRecentSince(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.RecordProcessed(ProcessedMessage{
		MessageID: "1", OrderID: "ORDER_1_20260824T100000", AuditDir: "a", Status: "ok",
		CreatedAt: base.Add(-20 * time.Minute),
	}))
	require.NoError(t, s.RecordProcessed(ProcessedMessage{
		MessageID: "2", OrderID: "ORDER_2_20260824T101000", AuditDir: "b", Status: "requires_review",
		CreatedAt: base.Add(-2 * time.Minute),
	}))

	m, err := s.MostRecentSince(base.Add(-10 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "ORDER_2_20260824T101000", m.OrderID)

	_, err = s.MostRecentSince(base.Add(-1 * time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderIdempotencyKeyUnique(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.RecordOrder(OrderRecord{
		IdempotencyKey: "42|PO-114", ERPOrderID: 9001, Status: "created", CreatedAt: now,
	}))

	o, err := s.OrderByKey("42|PO-114")
	require.NoError(t, err)
	assert.Equal(t, int64(9001), o.ERPOrderID)

	// A second insert with the same key must fail, not overwrite.
	err = s.RecordOrder(OrderRecord{IdempotencyKey: "42|PO-114", ERPOrderID: 9002, Status: "created", CreatedAt: now})
	assert.Error(t, err)

	_, err = s.OrderByKey("43|PO-115")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	for i, status := range []string{"ok", "ok", "requires_review"} {
		require.NoError(t, s.RecordProcessed(ProcessedMessage{
			MessageID: string(rune('a' + i)), OrderID: "ORDER_" + string(rune('a'+i)),
			AuditDir: "d", Status: status, CreatedAt: now,
		}))
	}
	counts, err := s.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, counts["ok"])
	assert.Equal(t, 1, counts["requires_review"])
}
