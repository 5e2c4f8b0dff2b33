package delivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
)

func testDB(t *testing.T) store.DBTX {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s.DB()
}

var at = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

// --- state machine ---

func TestNew_IsUnsent(t *testing.T) {
	d := New(1, "bob#x.org")
	assert.Equal(t, Unsent, d.State)
	assert.Empty(t, d.Reason)
	assert.True(t, d.Date.IsZero())
}

func TestTransitions_OnlyFromUnsent(t *testing.T) {
	delivered, err := New(1, "bob#x.org").Deliver(at)
	require.NoError(t, err)
	assert.Equal(t, Delivered, delivered.State)
	assert.Equal(t, at, delivered.Date)

	failed, err := New(1, "bob#x.org").Fail(ReasonDoesntExist, at)
	require.NoError(t, err)
	assert.Equal(t, Failed, failed.State)
	assert.Equal(t, ReasonDoesntExist, failed.Reason)

	for _, terminal := range []Delivery{delivered, failed} {
		_, err := terminal.Deliver(at)
		assert.ErrorIs(t, err, apperrors.ErrInvalidDeliveryTransition)

		_, err = terminal.Fail(ReasonUnknown, at)
		assert.ErrorIs(t, err, apperrors.ErrInvalidDeliveryTransition)
	}
}

func TestParseReason(t *testing.T) {
	assert.Equal(t, ReasonTooLarge, ParseReason("too_large"))
	assert.Equal(t, ReasonUnknown, ParseReason("gremlins"))
}

// --- SQL tracker ---

func TestInsert_OneRowPerRecipient(t *testing.T) {
	q := testDB(t)
	ctx := context.Background()

	require.NoError(t, Insert(ctx, q, []Delivery{New(5, "b#x.org"), New(5, "a#x.org")}))

	err := Insert(ctx, q, []Delivery{New(5, "a#x.org")})
	assert.Error(t, err, "duplicate recipient must be rejected")

	got, err := Load(ctx, q, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a#x.org", got[0].Recipient)
	assert.Equal(t, Unsent, got[1].State)
}

func TestInsert_RejectsResolvedState(t *testing.T) {
	q := testDB(t)

	d, err := New(1, "a#x.org").Deliver(at)
	require.NoError(t, err)

	err = Insert(context.Background(), q, []Delivery{d})
	assert.ErrorIs(t, err, apperrors.ErrInvalidDeliveryTransition)
}

func TestMarkDeliveredAndFailed(t *testing.T) {
	q := testDB(t)
	ctx := context.Background()

	require.NoError(t, Insert(ctx, q, []Delivery{New(1, "a#x.org"), New(1, "b#x.org")}))

	require.NoError(t, MarkDelivered(ctx, q, 1, "a#x.org", at))
	require.NoError(t, MarkFailed(ctx, q, 1, "b#x.org", ReasonDoesntExist, at))

	got, err := Load(ctx, q, 1)
	require.NoError(t, err)
	assert.Equal(t, Delivered, got[0].State)
	assert.Equal(t, at, got[0].Date)
	assert.Empty(t, got[0].Reason)
	assert.Equal(t, Failed, got[1].State)
	assert.Equal(t, ReasonDoesntExist, got[1].Reason)

	// Terminal states cannot be left.
	assert.ErrorIs(t, MarkFailed(ctx, q, 1, "a#x.org", ReasonUnknown, at), apperrors.ErrInvalidDeliveryTransition)
	assert.ErrorIs(t, MarkDelivered(ctx, q, 1, "b#x.org", at), apperrors.ErrInvalidDeliveryTransition)
	assert.ErrorIs(t, MarkDelivered(ctx, q, 99, "a#x.org", at), apperrors.ErrInvalidDeliveryTransition)
}

func TestUnsentDeliveries_OrderedByMessageThenRecipient(t *testing.T) {
	q := testDB(t)
	ctx := context.Background()

	require.NoError(t, Insert(ctx, q, []Delivery{New(9, "a#x.org")}))
	require.NoError(t, Insert(ctx, q, []Delivery{New(3, "c#x.org"), New(3, "a#x.org")}))
	require.NoError(t, MarkDelivered(ctx, q, 3, "a#x.org", at))

	pending, err := UnsentDeliveries(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []Pending{
		{MessageID: 3, Recipient: "c#x.org"},
		{MessageID: 9, Recipient: "a#x.org"},
	}, pending)

	all, err := LoadAll(ctx, q)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRemove(t *testing.T) {
	q := testDB(t)
	ctx := context.Background()

	require.NoError(t, Insert(ctx, q, []Delivery{New(1, "a#x.org"), New(2, "a#x.org")}))
	require.NoError(t, Remove(ctx, q, 1))

	pending, err := UnsentDeliveries(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []Pending{{MessageID: 2, Recipient: "a#x.org"}}, pending)
}

func TestLockFieldsRoundTrip(t *testing.T) {
	q := testDB(t)
	ctx := context.Background()

	d := New(4, "a#x.org")
	d.LockHolder = "client-1"
	d.LockExpires = at

	require.NoError(t, Insert(ctx, q, []Delivery{d}))

	got, err := Load(ctx, q, 4)
	require.NoError(t, err)
	assert.Equal(t, "client-1", got[0].LockHolder)
	assert.Equal(t, at, got[0].LockExpires)

	require.NoError(t, MarkDelivered(ctx, q, 4, "a#x.org", at))

	got, err = Load(ctx, q, 4)
	require.NoError(t, err)
	assert.Empty(t, got[0].LockHolder, "resolving releases the lock")
}
