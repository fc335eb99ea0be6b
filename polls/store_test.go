package polls

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"governator/models"
	"governator/storage/storagetest"
)

func TestCreateIsIdempotentWithClientToken(t *testing.T) {
	db := storagetest.NewDB(t)
	store := NewStore(db, func() time.Time { return fixedNow })
	b := newTestBuilder()
	author := uuid.New()
	ctx := context.Background()

	first, err := b.Build(validSubmission(3), author)
	require.NoError(t, err)
	stored, created, err := store.Create(ctx, first, "client-retry-1")
	require.NoError(t, err)
	require.True(t, created)

	// A retry builds a fresh value (new ids) but must resolve to the original.
	retry, err := b.Build(validSubmission(3), author)
	require.NoError(t, err)
	replayed, created, err := store.Create(ctx, retry, "client-retry-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, stored.ID, replayed.ID)
	require.Len(t, replayed.Options, 3)

	var count int64
	require.NoError(t, db.Model(&models.Poll{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	// Same token from another author is a different poll.
	_, created, err = store.Create(ctx, mustBuild(t, b, uuid.New()), "client-retry-1")
	require.NoError(t, err)
	require.True(t, created)
}

func mustBuild(t *testing.T, b *Builder, author uuid.UUID) Poll {
	t.Helper()
	p, err := b.Build(validSubmission(2), author)
	require.NoError(t, err)
	return p
}

func TestCreateDedupesByFingerprintWithinSecond(t *testing.T) {
	db := storagetest.NewDB(t)
	store := NewStore(db, nil)
	author := uuid.New()
	ctx := context.Background()

	now := fixedNow.Add(300 * time.Millisecond)
	b := NewBuilder(nil, func() time.Time { return now })
	first, _, err := store.Create(ctx, mustBuild(t, b, author), "")
	require.NoError(t, err)

	now = fixedNow.Add(900 * time.Millisecond)
	again, created, err := store.Create(ctx, mustBuild(t, b, author), "")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	now = fixedNow.Add(1100 * time.Millisecond)
	_, created, err = store.Create(ctx, mustBuild(t, b, author), "")
	require.NoError(t, err)
	require.True(t, created)
}

func TestGetAndListRoundTrip(t *testing.T) {
	db := storagetest.NewDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()
	sub := validSubmission(2)
	sub.RoleRestrictions = []string{"mod", "admin"}
	poll, err := newTestBuilder().Build(sub, uuid.New())
	require.NoError(t, err)
	_, _, err = store.Create(ctx, poll, "")
	require.NoError(t, err)

	got, err := store.Get(ctx, poll.ID)
	require.NoError(t, err)
	require.Equal(t, poll.Title, got.Title)
	require.Equal(t, []string{"admin", "mod"}, got.RoleRestrictions)
	require.Equal(t, poll.Options[0].ID, got.Options[0].ID)
	require.Equal(t, Markers[1], got.Options[1].Marker)
	require.EqualValues(t, 1000, got.SnapshotBlockHeight)

	listed, err := store.ListByChannel(ctx, sub.GuildID, sub.ChannelID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = store.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrPollNotFound)
}

func TestUpdateKeepsOptionIdentity(t *testing.T) {
	db := storagetest.NewDB(t)
	now := fixedNow
	store := NewStore(db, func() time.Time { return now })
	b := newTestBuilder()
	author := uuid.New()
	ctx := context.Background()

	original, _, err := store.Create(ctx, mustBuild(t, b, author), "")
	require.NoError(t, err)

	edit := validSubmission(0)
	edit.Title = "Treasury allocation (revised)"
	edit.Options = []OptionInput{
		{ID: original.Options[1].ID, Label: "Second, reworded", Marker: original.Options[1].Marker},
		{Label: "Brand new"},
	}
	next, err := b.Build(edit, author)
	require.NoError(t, err)

	_, err = store.Update(ctx, original.ID, uuid.New(), next)
	require.ErrorIs(t, err, ErrNotAuthor)

	updated, err := store.Update(ctx, original.ID, author, next)
	require.NoError(t, err)
	require.Equal(t, original.ID, updated.ID)
	require.Equal(t, "Treasury allocation (revised)", updated.Title)
	require.Len(t, updated.Options, 2)
	require.Equal(t, original.Options[1].ID, updated.Options[0].ID)
	require.Equal(t, Markers[1], updated.Options[0].Marker)
	require.Equal(t, Markers[0], updated.Options[1].Marker)

	now = original.EndTime.Add(time.Second)
	_, err = store.Update(ctx, original.ID, author, next)
	require.ErrorIs(t, err, ErrPollClosed)
}
