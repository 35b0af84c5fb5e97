package authority

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "authority.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRegisterTagUpsert(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterTag(ctx, &TagRecord{
		Uid:         testUid,
		UserID:      "member-7",
		UserLabel:   "Mia",
		Permissions: []string{"tablesaw", "lasercutter"},
	}))

	tag, err := store.Tag(ctx, testUid)
	require.NoError(t, err)
	assert.Equal(t, "Mia", tag.UserLabel)
	assert.Equal(t, []string{"lasercutter", "tablesaw"}, tag.Permissions)

	// Re-registering replaces holder and permissions.
	require.NoError(t, store.RegisterTag(ctx, &TagRecord{
		Uid:         testUid,
		UserID:      "member-8",
		UserLabel:   "Noa",
		Permissions: []string{"drillpress"},
	}))
	tag, err = store.Tag(ctx, testUid)
	require.NoError(t, err)
	assert.Equal(t, "Noa", tag.UserLabel)
	assert.Equal(t, []string{"drillpress"}, tag.Permissions)
}

func TestTagUnknown(t *testing.T) {
	store := newStore(t)
	_, err := store.Tag(context.Background(), testUid)
	assert.ErrorIs(t, err, ErrTagUnknown)

	err = store.SetTagBlocked(context.Background(), testUid, true)
	assert.ErrorIs(t, err, ErrTagUnknown)
}

func TestActiveSessionSelection(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	// No session yet.
	id, _, err := store.ActiveSession(ctx, testUid, now)
	require.NoError(t, err)
	assert.Empty(t, id)

	// An expired session does not count.
	require.NoError(t, store.CreateSession(ctx, "sid-old", testUid,
		now.Add(-time.Hour), now.Add(-2*time.Hour)))
	id, _, err = store.ActiveSession(ctx, testUid, now)
	require.NoError(t, err)
	assert.Empty(t, id)

	// The newest unexpired session wins.
	require.NoError(t, store.CreateSession(ctx, "sid-1", testUid,
		now.Add(time.Hour), now.Add(-time.Minute)))
	require.NoError(t, store.CreateSession(ctx, "sid-2", testUid,
		now.Add(2*time.Hour), now))
	id, expiration, err := store.ActiveSession(ctx, testUid, now)
	require.NoError(t, err)
	assert.Equal(t, "sid-2", id)
	assert.Equal(t, now.Add(2*time.Hour).Unix(), expiration.Unix())

	// A different tag has no session.
	other := nfc.TagUid{0x01}
	id, _, err = store.ActiveSession(ctx, other, now)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRecordUsagesIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	batch := []wire.UsageRecord{
		{
			SessionID:           "sid-1",
			TagUid:              testUid.Bytes(),
			CheckInUnixSeconds:  1000,
			CheckOutUnixSeconds: 1600,
			Reason:              wire.CheckoutUiRequested,
		},
		{
			SessionID:           "sid-2",
			TagUid:              testUid.Bytes(),
			CheckInUnixSeconds:  2000,
			CheckOutUnixSeconds: 2600,
			Reason:              wire.CheckoutTimedOut,
		},
	}

	accepted, err := store.RecordUsages(ctx, "lasercutter-1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)

	// A terminal whose ack was lost re-sends the same batch.
	accepted, err = store.RecordUsages(ctx, "lasercutter-1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted, "the retry must still be acknowledged")

	count, err := store.UsageCount(ctx, "lasercutter-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "retried upload must not duplicate usages")

	// The same session on another machine is a distinct usage.
	accepted, err = store.RecordUsages(ctx, "tablesaw-1", batch[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	count, err = store.UsageCount(ctx, "tablesaw-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
