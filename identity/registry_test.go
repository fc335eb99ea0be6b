package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"governator/models"
	"governator/storage/storagetest"
)

func newUserID() uuid.UUID { return uuid.New() }

func TestCreateLinkRejectsSecondOwner(t *testing.T) {
	db := storagetest.NewDB(t)
	registry := NewRegistry(db, nil)
	ctx := context.Background()
	addr := addressOf(mustKey(t))
	u1, u2 := newUserID(), newUserID()

	link, err := registry.CreateLink(ctx, addr, u1)
	require.NoError(t, err)
	require.False(t, link.Verified)

	_, err = registry.CreateLink(ctx, addr, u2)
	require.ErrorIs(t, err, ErrAddressAlreadyLinked)
	_, err = registry.CreateLink(ctx, addr, u1)
	require.ErrorIs(t, err, ErrAddressAlreadyLinked)

	var count int64
	require.NoError(t, db.Model(&models.AddressLink{}).Where("address = ?", addr).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestConcurrentCreateLinkHasOneWinner(t *testing.T) {
	db := storagetest.NewSerialDB(t)
	registry := NewRegistry(db, nil)
	ctx := context.Background()
	addr := addressOf(mustKey(t))

	const callers = 8
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(user uuid.UUID) {
			defer wg.Done()
			<-start
			_, err := registry.CreateLink(ctx, addr, user)
			errs <- err
		}(newUserID())
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrAddressAlreadyLinked)
	}
	require.Equal(t, 1, succeeded)

	var count int64
	require.NoError(t, db.Model(&models.AddressLink{}).Where("address = ?", addr).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestMarkVerifiedRequiresOwner(t *testing.T) {
	db := storagetest.NewDB(t)
	ctx := context.Background()
	clock := newClock()
	registry := NewRegistry(db, clock.Now)
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(clock.Now))
	key := mustKey(t)
	addr := addressOf(key)
	owner, other := newUserID(), newUserID()

	challenge, err := verifier.Issue(ctx, addr)
	require.NoError(t, err)
	proof, err := verifier.Verify(ctx, addr, sign(t, key, challenge.Message))
	require.NoError(t, err)

	_, err = registry.MarkVerified(ctx, proof, owner)
	require.ErrorIs(t, err, ErrLinkNotFound)

	_, err = registry.CreateLink(ctx, addr, owner)
	require.NoError(t, err)

	_, err = registry.MarkVerified(ctx, proof, other)
	require.ErrorIs(t, err, ErrOwnerMismatch)

	clock.Advance(time.Minute)
	link, err := registry.MarkVerified(ctx, proof, owner)
	require.NoError(t, err)
	require.True(t, link.Verified)
	require.Equal(t, proof.Nonce, link.Nonce)
	require.Equal(t, clock.Now(), link.UpdatedAt)
}

func TestRemoveLinkAllowsFreshRelink(t *testing.T) {
	db := storagetest.NewDB(t)
	ctx := context.Background()
	registry := NewRegistry(db, nil)
	verifier := NewVerifier(db, testConfig())
	key := mustKey(t)
	addr := addressOf(key)
	u1, u2 := newUserID(), newUserID()

	_, err := registry.CreateLink(ctx, addr, u1)
	require.NoError(t, err)
	challenge, err := verifier.Issue(ctx, addr)
	require.NoError(t, err)
	proof, err := verifier.Verify(ctx, addr, sign(t, key, challenge.Message))
	require.NoError(t, err)
	_, err = registry.MarkVerified(ctx, proof, u1)
	require.NoError(t, err)

	require.ErrorIs(t, registry.RemoveLink(ctx, addr, u2), ErrOwnerMismatch)
	require.NoError(t, registry.RemoveLink(ctx, addr, u1))
	require.ErrorIs(t, registry.RemoveLink(ctx, addr, u1), ErrLinkNotFound)

	relinked, err := registry.CreateLink(ctx, addr, u2)
	require.NoError(t, err)
	require.False(t, relinked.Verified)

	// The proof for the old epoch cannot be reused by the new owner.
	_, err = verifier.Verify(ctx, addr, sign(t, key, challenge.Message))
	require.ErrorIs(t, err, ErrNonceAlreadyConsumed)
}

func TestListVerifiedAddressesOrderedByCreation(t *testing.T) {
	db := storagetest.NewDB(t)
	ctx := context.Background()
	clock := newClock()
	registry := NewRegistry(db, clock.Now)
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(clock.Now))
	user := newUserID()

	var expected []string
	for i := 0; i < 3; i++ {
		key := mustKey(t)
		addr := addressOf(key)
		_, err := registry.CreateLink(ctx, addr, user)
		require.NoError(t, err)
		clock.Advance(time.Second)
		if i == 1 {
			continue
		}
		challenge, err := verifier.Issue(ctx, addr)
		require.NoError(t, err)
		proof, err := verifier.Verify(ctx, addr, sign(t, key, challenge.Message))
		require.NoError(t, err)
		_, err = registry.MarkVerified(ctx, proof, user)
		require.NoError(t, err)
		expected = append(expected, addr)
	}

	links, err := registry.ListVerifiedAddresses(ctx, user)
	require.NoError(t, err)
	got := make([]string, 0, len(links))
	for _, link := range links {
		got = append(got, link.Address)
	}
	require.Equal(t, expected, got)

	all, err := registry.ListLinks(ctx, user)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("  0x52908400098527886e0f7030069857d2e4169ee7 ")
	require.NoError(t, err)
	require.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", got)

	_, err = NormalizeAddress("0x123")
	require.ErrorIs(t, err, ErrInvalidAddress)
}
