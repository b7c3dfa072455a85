package evaluator

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colony-experiment/gatekeeper/internal/colony"
	"colony-experiment/gatekeeper/internal/models"
	"colony-experiment/gatekeeper/internal/ratelimit"
	"colony-experiment/gatekeeper/internal/repcache"
	"colony-experiment/gatekeeper/internal/store"
)

const (
	colonyA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	colonyB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	wallet  = "0xcb313f361847e245954fd338cb21b5f4225b17d1"
)

// fakeOracle serves canned reputation values and counts calls per key.
type fakeOracle struct {
	mu     sync.Mutex
	values map[string]uint64
	fail   map[string]error
	calls  map[string]int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		values: make(map[string]uint64),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func oracleKey(colonyAddr string, domain uint64) string {
	return fmt.Sprintf("%s:%d", colonyAddr, domain)
}

func (o *fakeOracle) set(colonyAddr string, domain uint64, value uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values[oracleKey(colonyAddr, domain)] = value
}

func (o *fakeOracle) failWith(colonyAddr string, domain uint64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail[oracleKey(colonyAddr, domain)] = err
}

func (o *fakeOracle) callCount(colonyAddr string, domain uint64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[oracleKey(colonyAddr, domain)]
}

func (o *fakeOracle) totalCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.calls {
		total += n
	}
	return total
}

func (o *fakeOracle) ResolveReputation(_ context.Context, colonyAddr string, domain uint64, _ string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := oracleKey(colonyAddr, domain)
	o.calls[key]++
	if err := o.fail[key]; err != nil {
		return 0, err
	}
	return o.values[key], nil
}

type fixture struct {
	eval   *Evaluator
	store  *store.Store
	oracle *fakeOracle
	cache  *repcache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	st, err := store.Open(store.Options{
		Path: filepath.Join(t.TempDir(), "store.db"),
		Key:  key,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	oracle := newFakeOracle()
	cache := repcache.New(time.Hour, nil)
	limiter := ratelimit.New(1000, 1000)
	return &fixture{
		eval:   New(st, cache, limiter, oracle, 4, nil),
		store:  st,
		oracle: oracle,
		cache:  cache,
	}
}

func (f *fixture) linkUser(t *testing.T, userID uint64) {
	t.Helper()
	require.NoError(t, f.store.PutUser(context.Background(), &models.User{
		ID:        userID,
		Wallet:    wallet,
		CreatedAt: time.Now().UTC(),
	}))
}

func (f *fixture) addGate(t *testing.T, guildID uint64, id, colonyAddr string, domain, threshold, roleID uint64) {
	t.Helper()
	require.NoError(t, f.store.PutGate(context.Background(), &models.Gate{
		ID:        id,
		GuildID:   guildID,
		Colony:    colonyAddr,
		Domain:    domain,
		Threshold: threshold,
		RoleID:    roleID,
	}))
}

func TestEvaluate_NotLinked(t *testing.T) {
	f := newFixture(t)

	_, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.ErrorIs(t, err, ErrNotLinked)
	assert.Zero(t, f.oracle.totalCalls())
}

func TestEvaluate_NoGates(t *testing.T) {
	f := newFixture(t)
	f.linkUser(t, 1)

	result, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, result.Granted)
	assert.Empty(t, result.Denied)
	assert.Empty(t, result.Errors)
}

// Three gates, two distinct lookup keys: the shared key is fetched once,
// so exactly two oracle calls happen in total.
func TestEvaluate_SharedKeyScenario(t *testing.T) {
	f := newFixture(t)
	f.linkUser(t, 1)
	f.addGate(t, 10, "g1", colonyA, 0, 10, 100) // roleX
	f.addGate(t, 10, "g2", colonyA, 0, 50, 200) // roleY
	f.addGate(t, 10, "g3", colonyB, 1, 5, 300)  // roleZ
	f.oracle.set(colonyA, 0, 30)
	f.oracle.set(colonyB, 1, 5)

	result, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.Equal(t, []uint64{100, 300}, result.Granted)
	assert.Equal(t, []uint64{200}, result.Denied)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, f.oracle.totalCalls(), "gates sharing a key must share one oracle call")
}

func TestEvaluate_ThresholdBoundary(t *testing.T) {
	f := newFixture(t)
	f.linkUser(t, 1)
	f.addGate(t, 10, "g1", colonyA, 1, 30, 100)
	f.oracle.set(colonyA, 1, 30)

	result, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, result.Granted, "reputation == threshold passes")

	f.cache.Flush()
	f.oracle.set(colonyA, 1, 29)
	result, err = f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, result.Denied, "reputation == threshold-1 is denied")
}

func TestEvaluate_FailedKeyIsolation(t *testing.T) {
	f := newFixture(t)
	f.linkUser(t, 1)
	f.addGate(t, 10, "g1", colonyA, 0, 10, 100)
	f.addGate(t, 10, "g2", colonyA, 0, 50, 200)
	f.addGate(t, 10, "g3", colonyB, 1, 5, 300)
	f.oracle.failWith(colonyA, 0, colony.ErrUnavailable)
	f.oracle.set(colonyB, 1, 10)

	result, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)

	// Both gates on the failed key land in errors, never in denied.
	require.Len(t, result.Errors, 2)
	for _, gateErr := range result.Errors {
		assert.Equal(t, colonyA, gateErr.Colony)
		assert.Equal(t, RetryLaterReason, gateErr.Reason)
	}
	assert.Empty(t, result.Denied)
	// The unrelated gate is unaffected.
	assert.Equal(t, []uint64{300}, result.Granted)
}

func TestEvaluate_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.linkUser(t, 1)
	f.addGate(t, 10, "g1", colonyA, 0, 10, 100)
	f.addGate(t, 10, "g2", colonyA, 0, 50, 200)
	f.oracle.set(colonyA, 0, 30)

	first, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)
	second, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.Equal(t, first.Granted, second.Granted)
	assert.Equal(t, first.Denied, second.Denied)
	// The repeat run was served from cache.
	assert.Equal(t, 1, f.oracle.callCount(colonyA, 0))
}

func TestEvaluate_RoleGrantedByAnyGateWins(t *testing.T) {
	f := newFixture(t)
	f.linkUser(t, 1)
	// Two gates target the same role; one passes.
	f.addGate(t, 10, "g1", colonyA, 0, 10, 100)
	f.addGate(t, 10, "g2", colonyB, 1, 99, 100)
	f.oracle.set(colonyA, 0, 30)
	f.oracle.set(colonyB, 1, 1)

	result, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, result.Granted)
	assert.Empty(t, result.Denied)
}

func TestEvaluate_BotRolePositionSurfaced(t *testing.T) {
	f := newFixture(t)
	f.linkUser(t, 1)
	require.NoError(t, f.store.PutGuild(context.Background(), &models.Guild{ID: 10, BotRolePosition: 7}))

	result, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, result.BotRolePosition)
}

func TestEvaluate_ManyGatesBoundedByWorkers(t *testing.T) {
	f := newFixture(t)
	f.linkUser(t, 1)
	for i := 0; i < 64; i++ {
		domain := uint64(i)
		f.addGate(t, 10, fmt.Sprintf("g%d", i), colonyA, domain, 10, 1000+domain)
		f.oracle.set(colonyA, domain, 50)
	}

	result, err := f.eval.Evaluate(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, result.Granted, 64)
	assert.Equal(t, 64, f.oracle.totalCalls(), "one call per distinct key")
}

func TestEvaluateBatch(t *testing.T) {
	f := newFixture(t)
	f.linkUser(t, 1)
	f.linkUser(t, 2)
	// User 3 is unlinked.
	require.NoError(t, f.store.PutUser(context.Background(), &models.User{ID: 3}))
	f.addGate(t, 10, "g1", colonyA, 0, 10, 100)
	f.oracle.set(colonyA, 0, 30)

	out := make(chan BatchResult)
	go f.eval.EvaluateBatch(context.Background(), 10, []uint64{1, 2, 3}, out)

	results := make(map[uint64]BatchResult)
	for res := range out {
		results[res.UserID] = res
	}

	require.Len(t, results, 3)
	assert.Equal(t, []uint64{100}, results[1].Result.Granted)
	assert.Equal(t, []uint64{100}, results[2].Result.Granted)
	assert.ErrorIs(t, results[3].Err, ErrNotLinked)
	// Both linked users share one wallet, so one oracle call total.
	assert.Equal(t, 1, f.oracle.callCount(colonyA, 0))
}
