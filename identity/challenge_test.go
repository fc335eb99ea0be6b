package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"governator/models"
	"governator/storage/storagetest"
)

type testClock struct{ now time.Time }

func newClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig() VerifierConfig {
	return VerifierConfig{
		Domain:    "governator.test",
		URI:       "https://governator.test",
		Statement: "Link wallet.",
		ChainID:   1,
		TTL:       5 * time.Minute,
	}
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func addressOf(key *ecdsa.PrivateKey) string {
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}

func sign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func TestChallengeRoundTripSucceedsOnce(t *testing.T) {
	db := storagetest.NewDB(t)
	clock := newClock()
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(clock.Now))
	key := mustKey(t)
	addr := addressOf(key)
	ctx := context.Background()

	challenge, err := verifier.Issue(ctx, strings.ToLower(addr))
	require.NoError(t, err)
	require.Equal(t, addr, challenge.Address)
	require.Len(t, challenge.Nonce, 32)
	require.Contains(t, challenge.Message, addr)
	require.Contains(t, challenge.Message, "Nonce: "+challenge.Nonce)
	require.True(t, strings.HasPrefix(challenge.Message, "governator.test wants you to sign in"))

	sig := sign(t, key, challenge.Message)
	identity, err := verifier.Verify(ctx, addr, sig)
	require.NoError(t, err)
	require.Equal(t, challenge.Nonce, identity.Nonce)
	require.Equal(t, addr, identity.Address)

	_, err = verifier.Verify(ctx, addr, sig)
	require.ErrorIs(t, err, ErrNonceAlreadyConsumed)

	var retired models.RetiredNonce
	require.NoError(t, db.Where("nonce = ?", challenge.Nonce).Take(&retired).Error)
	require.Equal(t, models.RetiredConsumed, retired.Reason)
}

func TestSecondChallengeInvalidatesFirst(t *testing.T) {
	db := storagetest.NewDB(t)
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(newClock().Now))
	key := mustKey(t)
	addr := addressOf(key)
	ctx := context.Background()

	first, err := verifier.Issue(ctx, addr)
	require.NoError(t, err)
	second, err := verifier.Issue(ctx, addr)
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)

	_, err = verifier.Verify(ctx, addr, sign(t, key, first.Message))
	require.ErrorIs(t, err, ErrNonceAlreadyConsumed)

	_, err = verifier.Verify(ctx, addr, sign(t, key, second.Message))
	require.NoError(t, err)

	var live int64
	require.NoError(t, db.Model(&models.Challenge{}).Where("address = ?", addr).Count(&live).Error)
	require.EqualValues(t, 1, live)
}

func TestVerifyRejectsExpiredNonce(t *testing.T) {
	db := storagetest.NewDB(t)
	clock := newClock()
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(clock.Now))
	key := mustKey(t)
	ctx := context.Background()

	challenge, err := verifier.Issue(ctx, addressOf(key))
	require.NoError(t, err)
	clock.Advance(5*time.Minute + time.Second)

	_, err = verifier.Verify(ctx, addressOf(key), sign(t, key, challenge.Message))
	require.ErrorIs(t, err, ErrNonceExpired)

	// A fresh challenge works again.
	challenge, err = verifier.Issue(ctx, addressOf(key))
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, addressOf(key), sign(t, key, challenge.Message))
	require.NoError(t, err)
}

func TestVerifyRejectsForeignSigner(t *testing.T) {
	db := storagetest.NewDB(t)
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(newClock().Now))
	owner, intruder := mustKey(t), mustKey(t)
	ctx := context.Background()

	challenge, err := verifier.Issue(ctx, addressOf(owner))
	require.NoError(t, err)

	_, err = verifier.Verify(ctx, addressOf(owner), sign(t, intruder, challenge.Message))
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = verifier.Verify(ctx, addressOf(owner), "0x1234")
	require.ErrorIs(t, err, ErrInvalidSignature)

	// The live nonce is still usable by the real owner.
	_, err = verifier.Verify(ctx, addressOf(owner), sign(t, owner, challenge.Message))
	require.NoError(t, err)
}

func TestVerifyWithoutChallenge(t *testing.T) {
	db := storagetest.NewDB(t)
	verifier := NewVerifier(db, testConfig())
	key := mustKey(t)

	_, err := verifier.Verify(context.Background(), addressOf(key), sign(t, key, "anything"))
	require.ErrorIs(t, err, ErrChallengeNotFound)

	_, err = verifier.Issue(context.Background(), "not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestRevokeRetiresPendingNonce(t *testing.T) {
	db := storagetest.NewDB(t)
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(newClock().Now))
	key := mustKey(t)
	ctx := context.Background()

	challenge, err := verifier.Issue(ctx, addressOf(key))
	require.NoError(t, err)
	require.NoError(t, verifier.Revoke(ctx, addressOf(key)))

	_, err = verifier.Verify(ctx, addressOf(key), sign(t, key, challenge.Message))
	require.ErrorIs(t, err, ErrNonceAlreadyConsumed)
}

func TestPruneDropsOldHistory(t *testing.T) {
	db := storagetest.NewDB(t)
	clock := newClock()
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(clock.Now))
	key := mustKey(t)
	ctx := context.Background()

	_, err := verifier.Issue(ctx, addressOf(key))
	require.NoError(t, err)
	_, err = verifier.Issue(ctx, addressOf(key))
	require.NoError(t, err)

	removed, err := verifier.Prune(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}

func TestIssueUpdatesPendingLink(t *testing.T) {
	db := storagetest.NewDB(t)
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(newClock().Now))
	registry := NewRegistry(db, nil)
	key := mustKey(t)
	ctx := context.Background()
	user := newUserID()

	_, err := registry.CreateLink(ctx, addressOf(key), user)
	require.NoError(t, err)
	challenge, err := verifier.Issue(ctx, addressOf(key))
	require.NoError(t, err)

	link, err := registry.GetLink(ctx, addressOf(key))
	require.NoError(t, err)
	require.Equal(t, challenge.Nonce, link.Nonce)
	require.Equal(t, challenge.Message, link.VerificationMessage)
	require.False(t, link.Verified)
}

func TestConcurrentVerifyConsumesNonceOnce(t *testing.T) {
	db := storagetest.NewSerialDB(t)
	verifier := NewVerifier(db, testConfig())
	key := mustKey(t)
	addr := addressOf(key)
	ctx := context.Background()

	challenge, err := verifier.Issue(ctx, addr)
	require.NoError(t, err)
	sig := sign(t, key, challenge.Message)

	const callers = 8
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := verifier.Verify(ctx, addr, sig)
			errs <- err
		}()
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
		require.ErrorIs(t, err, ErrNonceAlreadyConsumed)
	}
	require.Equal(t, 1, succeeded)

	var retired int64
	require.NoError(t, db.Model(&models.RetiredNonce{}).Where("nonce = ?", challenge.Nonce).Count(&retired).Error)
	require.EqualValues(t, 1, retired)
}

func TestVerifyLosesToCommittedRetirement(t *testing.T) {
	db := storagetest.NewDB(t)
	clock := newClock()
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(clock.Now))
	key := mustKey(t)
	addr := addressOf(key)
	ctx := context.Background()

	challenge, err := verifier.Issue(ctx, addr)
	require.NoError(t, err)
	// Another instance has retired the nonce but its consumed_at write is
	// not visible yet.
	require.NoError(t, db.Create(&models.RetiredNonce{
		Nonce:     challenge.Nonce,
		Address:   addr,
		Message:   challenge.Message,
		Reason:    models.RetiredConsumed,
		RetiredAt: clock.Now(),
	}).Error)

	_, err = verifier.Verify(ctx, addr, sign(t, key, challenge.Message))
	require.ErrorIs(t, err, ErrNonceAlreadyConsumed)

	var live models.Challenge
	require.NoError(t, db.Where("address = ?", addr).Take(&live).Error)
	require.Nil(t, live.ConsumedAt)
}

func TestIssueSupersedesAlreadyRetiredNonce(t *testing.T) {
	db := storagetest.NewDB(t)
	clock := newClock()
	verifier := NewVerifier(db, testConfig(), WithVerifierClock(clock.Now))
	key := mustKey(t)
	addr := addressOf(key)
	ctx := context.Background()

	first, err := verifier.Issue(ctx, addr)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.RetiredNonce{
		Nonce:     first.Nonce,
		Address:   addr,
		Message:   first.Message,
		Reason:    models.RetiredConsumed,
		RetiredAt: clock.Now(),
	}).Error)

	clock.Advance(time.Second)
	second, err := verifier.Issue(ctx, addr)
	require.NoError(t, err)

	var retired models.RetiredNonce
	require.NoError(t, db.Where("nonce = ?", first.Nonce).Take(&retired).Error)
	require.Equal(t, models.RetiredConsumed, retired.Reason)

	_, err = verifier.Verify(ctx, addr, sign(t, key, second.Message))
	require.NoError(t, err)
}
