package store

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colony-experiment/gatekeeper/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	s, err := Open(Options{
		Path: filepath.Join(t.TempDir(), "store.db"),
		Key:  key,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &models.User{ID: 42, Wallet: "0xcb313f361847e245954fd338cb21b5f4225b17d1", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.PutUser(ctx, user))

	got, found, err := s.GetUser(ctx, 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, user.Wallet, got.Wallet)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.GetUser(context.Background(), 999)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_ValuesEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "user:1", []byte("secret-wallet-address")))

	var rec record
	require.NoError(t, s.db.First(&rec, "k = ?", "user:1").Error)
	assert.NotContains(t, string(rec.V), "secret-wallet-address")
}

func TestStore_TamperedRecordFailsAuthentication(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "user:1", []byte("payload")))

	var rec record
	require.NoError(t, s.db.First(&rec, "k = ?", "user:1").Error)
	rec.V[len(rec.V)-1] ^= 0xff
	require.NoError(t, s.db.Save(&rec).Error)

	_, _, err := s.Get(ctx, "user:1")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestStore_RecordBoundToItsKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "user:1", []byte("payload")))

	// Copying a sealed value under a different key must not decrypt.
	var rec record
	require.NoError(t, s.db.First(&rec, "k = ?", "user:1").Error)
	require.NoError(t, s.db.Save(&record{K: "user:2", V: rec.V}).Error)

	_, _, err := s.Get(ctx, "user:2")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestStore_ListScansOnlyPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	gateA := &models.Gate{ID: "a", GuildID: 7, Colony: "0x01", Domain: 1, Threshold: 10, RoleID: 100}
	gateB := &models.Gate{ID: "b", GuildID: 7, Colony: "0x02", Domain: 2, Threshold: 20, RoleID: 200}
	gateOther := &models.Gate{ID: "c", GuildID: 8, Colony: "0x03", Domain: 1, Threshold: 5, RoleID: 300}
	require.NoError(t, s.PutGate(ctx, gateA))
	require.NoError(t, s.PutGate(ctx, gateB))
	require.NoError(t, s.PutGate(ctx, gateOther))
	require.NoError(t, s.PutUser(ctx, &models.User{ID: 7}))

	gates, err := s.ListGates(ctx, 7)
	require.NoError(t, err)
	require.Len(t, gates, 2)
	assert.Equal(t, "a", gates[0].ID)
	assert.Equal(t, "b", gates[1].ID)
}

func TestStore_DeleteGuildCascadesToGates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutGuild(ctx, &models.Guild{ID: 7}))
	require.NoError(t, s.PutGate(ctx, &models.Gate{ID: "a", GuildID: 7, Colony: "0x01", Domain: 1, RoleID: 1}))
	require.NoError(t, s.PutGate(ctx, &models.Gate{ID: "b", GuildID: 8, Colony: "0x01", Domain: 1, RoleID: 1}))

	require.NoError(t, s.DeleteGuild(ctx, 7))

	_, found, err := s.GetGuild(ctx, 7)
	require.NoError(t, err)
	assert.False(t, found)

	gates, err := s.ListGates(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, gates)

	// Unrelated guild untouched.
	gates, err = s.ListGates(ctx, 8)
	require.NoError(t, err)
	assert.Len(t, gates, 1)
}

func TestStore_RelinkReplacesWallet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, &models.User{ID: 1, Wallet: "0x11"}))
	require.NoError(t, s.PutUser(ctx, &models.User{ID: 1, Wallet: "0x22"}))

	got, found, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0x22", got.Wallet)
}

func TestStore_DeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "abc", UserID: 1, Challenge: "sign me", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, s.PutSession(ctx, sess))
	require.NoError(t, s.DeleteSession(ctx, "abc"))

	_, found, err := s.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting again is not an error.
	require.NoError(t, s.DeleteSession(ctx, "abc"))
}

func TestStore_WrongKeyCannotRead(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "store.db")

	s1, err := Open(Options{Path: path, Key: key})
	require.NoError(t, err)
	require.NoError(t, s1.Put(context.Background(), "user:1", []byte("payload")))
	require.NoError(t, s1.Close())

	other := make([]byte, 32)
	_, err = rand.Read(other)
	require.NoError(t, err)
	s2, err := Open(Options{Path: path, Key: other})
	require.NoError(t, err)
	defer s2.Close()

	_, _, err = s2.Get(context.Background(), "user:1")
	require.ErrorIs(t, err, ErrCorrupted)
}
