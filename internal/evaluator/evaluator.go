package evaluator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"colony-experiment/gatekeeper/internal/logging"
	"colony-experiment/gatekeeper/internal/metrics"
	"colony-experiment/gatekeeper/internal/models"
	"colony-experiment/gatekeeper/internal/ratelimit"
	"colony-experiment/gatekeeper/internal/repcache"
	"colony-experiment/gatekeeper/internal/store"
)

// ErrNotLinked is the distinguished outcome when the user has no wallet
// bound; no gates can be evaluated without one. Expected, not a failure.
var ErrNotLinked = errors.New("evaluator: user has no linked wallet")

// RetryLaterReason is the only failure detail shown to end users.
const RetryLaterReason = "could not check reputation, try again later"

// Oracle is the upstream reputation source. Satisfied by *colony.Client.
type Oracle interface {
	ResolveReputation(ctx context.Context, colony string, domain uint64, wallet string) (uint64, error)
}

// GateError records one gate that could not be evaluated because the lookup
// for its (colony, domain) key failed.
type GateError struct {
	GateID string `json:"gate_id"`
	RoleID uint64 `json:"role_id"`
	Colony string `json:"colony"`
	Domain uint64 `json:"domain"`
	Reason string `json:"reason"`
}

// Result is the outcome of one evaluation. Granted and Denied are disjoint
// role sets; a role backed by several gates is granted when any of them
// passes. BotRolePosition is surfaced for the granting collaborator's
// hierarchy check, which is not duplicated here.
type Result struct {
	Granted         []uint64    `json:"granted"`
	Denied          []uint64    `json:"denied"`
	Errors          []GateError `json:"errors,omitempty"`
	BotRolePosition int         `json:"bot_role_position"`
}

// Evaluator fans out concurrent, rate-limited, cached reputation lookups
// across a guild's gates and aggregates pass/fail into a Result.
type Evaluator struct {
	store   *store.Store
	cache   *repcache.Cache
	limiter *ratelimit.Limiter
	oracle  Oracle
	workers int
	metrics *metrics.MetricsRegistry
}

func New(st *store.Store, cache *repcache.Cache, limiter *ratelimit.Limiter, oracle Oracle, workers int, reg *metrics.MetricsRegistry) *Evaluator {
	return &Evaluator{
		store:   st,
		cache:   cache,
		limiter: limiter,
		oracle:  oracle,
		workers: workers,
		metrics: reg,
	}
}

type lookupOutcome struct {
	value uint64
	err   error
}

// Evaluate computes the satisfied gates for one user in one guild.
//
// Gates are partitioned into distinct (colony, domain) keys; one lookup runs
// per key through the cache (which applies the rate limiter and oracle on a
// miss), with in-flight lookups bounded by the worker budget independent of
// gate count. Aggregation waits for every lookup; a failed key moves all its
// gates into Errors, never into Denied.
func (e *Evaluator) Evaluate(ctx context.Context, userID, guildID uint64) (*Result, error) {
	start := time.Now()
	log := logging.WithEvaluation(guildID, userID)

	user, found, err := e.store.GetUser(ctx, userID)
	if err != nil {
		e.countEvaluation("error")
		return nil, err
	}
	if !found || user.Wallet == "" {
		e.countEvaluation("not_linked")
		return nil, ErrNotLinked
	}

	gates, err := e.store.ListGates(ctx, guildID)
	if err != nil {
		e.countEvaluation("error")
		return nil, err
	}

	result := &Result{Granted: []uint64{}, Denied: []uint64{}}
	if guild, ok, err := e.store.GetGuild(ctx, guildID); err != nil {
		e.countEvaluation("error")
		return nil, err
	} else if ok {
		result.BotRolePosition = guild.BotRolePosition
	}

	if len(gates) == 0 {
		e.countEvaluation("ok")
		return result, nil
	}

	// Dedupe lookups: many gates share a (colony, domain) pair.
	keys := make(map[models.LookupKey]struct{}, len(gates))
	for _, gate := range gates {
		keys[gate.LookupKey()] = struct{}{}
	}

	outcomes := make(map[models.LookupKey]lookupOutcome, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for key := range keys {
		g.Go(func() error {
			value, err := e.lookup(gctx, key, user.Wallet)
			if err != nil {
				log.Infow("reputation lookup failed",
					"colony", key.Colony,
					"domain", key.Domain,
					"error", err.Error(),
				)
			}
			mu.Lock()
			outcomes[key] = lookupOutcome{value: value, err: err}
			mu.Unlock()
			// Lookup failures are isolated to their key; only caller
			// cancellation stops the batch.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		e.countEvaluation("error")
		return nil, err
	}

	grantedSet := make(map[uint64]struct{})
	deniedSet := make(map[uint64]struct{})
	for _, gate := range gates {
		outcome := outcomes[gate.LookupKey()]
		switch {
		case outcome.err != nil:
			result.Errors = append(result.Errors, GateError{
				GateID: gate.ID,
				RoleID: gate.RoleID,
				Colony: gate.Colony,
				Domain: gate.Domain,
				Reason: RetryLaterReason,
			})
			e.countGate("error")
		case outcome.value >= gate.Threshold:
			grantedSet[gate.RoleID] = struct{}{}
			e.countGate("granted")
		default:
			deniedSet[gate.RoleID] = struct{}{}
			e.countGate("denied")
		}
	}
	// A role granted by any gate is not denied by another.
	for roleID := range deniedSet {
		if _, ok := grantedSet[roleID]; ok {
			delete(deniedSet, roleID)
		}
	}
	result.Granted = sortedRoles(grantedSet)
	result.Denied = sortedRoles(deniedSet)

	e.countEvaluation("ok")
	if e.metrics != nil {
		e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}
	log.Debugw("evaluation complete",
		"granted", len(result.Granted),
		"denied", len(result.Denied),
		"errors", len(result.Errors),
		"lookups", len(keys),
		"gates", len(gates),
	)
	return result, nil
}

// lookup goes through the cache; on a miss the fetch acquires a rate-limit
// permit before touching the oracle. The two stages are deliberately fused
// so neither can be bypassed.
func (e *Evaluator) lookup(ctx context.Context, key models.LookupKey, wallet string) (uint64, error) {
	return e.cache.GetOrFetch(ctx, key.Colony, key.Domain, wallet, func(fctx context.Context) (uint64, error) {
		waitStart := time.Now()
		if err := e.limiter.Wait(fctx, key.Colony); err != nil {
			return 0, err
		}
		if e.metrics != nil {
			e.metrics.RateLimiterWaitTime.Observe(time.Since(waitStart).Seconds())
		}
		return e.oracle.ResolveReputation(fctx, key.Colony, key.Domain, wallet)
	})
}

// BatchResult is one user's outcome within a batch evaluation. Err carries
// ErrNotLinked for users without a wallet.
type BatchResult struct {
	UserID uint64
	Result *Result
	Err    error
}

// EvaluateBatch evaluates many users of one guild concurrently, sharing the
// process-wide cache and rate limiter, and streams results to out. The
// channel is closed when every user has been handled.
func (e *Evaluator) EvaluateBatch(ctx context.Context, guildID uint64, userIDs []uint64, out chan<- BatchResult) {
	defer close(out)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, userID := range userIDs {
		g.Go(func() error {
			result, err := e.Evaluate(gctx, userID, guildID)
			select {
			case out <- BatchResult{UserID: userID, Result: result, Err: err}:
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Evaluator) countEvaluation(outcome string) {
	if e.metrics != nil {
		e.metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()
	}
}

func (e *Evaluator) countGate(outcome string) {
	if e.metrics != nil {
		e.metrics.GatesEvaluatedTotal.WithLabelValues(outcome).Inc()
	}
}

func sortedRoles(set map[uint64]struct{}) []uint64 {
	roles := make([]uint64, 0, len(set))
	for roleID := range set {
		roles = append(roles, roleID)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
