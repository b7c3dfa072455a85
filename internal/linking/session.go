package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"colony-experiment/gatekeeper/internal/logging"
	"colony-experiment/gatekeeper/internal/metrics"
	"colony-experiment/gatekeeper/internal/models"
	"colony-experiment/gatekeeper/internal/store"
)

var (
	// ErrSessionNotFound covers unknown, consumed and expired sessions
	// alike; callers learn nothing about which it was.
	ErrSessionNotFound = errors.New("linking: session not found or expired")
	// ErrSignatureMismatch means the signature did not verify over the
	// challenge, or the recovered signer differs from the claimed address.
	ErrSignatureMismatch = errors.New("linking: signature does not match claimed address")
)

const challengeTemplate = "Please sign this message to connect your Discord username %s with your wallet address. Session ID: %s"

// Manager issues wallet-link challenges and verifies the signatures that
// complete them. Sessions live in the encrypted store and are single-use:
// success, rejection and expiry all delete them.
type Manager struct {
	store   *store.Store
	ttl     time.Duration
	clock   func() time.Time
	metrics *metrics.MetricsRegistry
}

func NewManager(st *store.Store, ttl time.Duration, reg *metrics.MetricsRegistry) *Manager {
	return &Manager{
		store:   st,
		ttl:     ttl,
		clock:   time.Now,
		metrics: reg,
	}
}

// Start issues a new link challenge for a user. The returned challenge is
// the exact text the wallet must sign.
func (m *Manager) Start(ctx context.Context, userID uint64, username string) (sessionID, challenge string, err error) {
	sessionID = uuid.NewString()
	challenge = fmt.Sprintf(challengeTemplate, username, sessionID)

	now := m.clock().UTC()
	session := &models.Session{
		ID:        sessionID,
		UserID:    userID,
		Username:  username,
		Challenge: challenge,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.PutSession(ctx, session); err != nil {
		return "", "", err
	}

	logging.Debug("link session started", "session_id", sessionID, "user_id", userID)
	return sessionID, challenge, nil
}

// Challenge returns the text to sign for a live session, for display by the
// wallet-link web collaborator.
func (m *Manager) Challenge(ctx context.Context, sessionID string) (string, error) {
	session, err := m.liveSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return session.Challenge, nil
}

// Complete verifies signatureHex over the session's challenge and, on
// success, atomically binds claimedAddress to the user and consumes the
// session. Re-linking replaces any previous address.
func (m *Manager) Complete(ctx context.Context, sessionID, claimedAddress, signatureHex string) error {
	session, err := m.liveSession(ctx, sessionID)
	if err != nil {
		return err
	}

	claimed, err := models.NormalizeAddress(claimedAddress)
	if err != nil {
		m.countSession("mismatch")
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	recovered, err := RecoverAddress(session.Challenge, signatureHex)
	if err != nil {
		m.countSession("mismatch")
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if !strings.EqualFold(recovered, claimed) {
		m.countSession("mismatch")
		return ErrSignatureMismatch
	}

	user, found, err := m.store.GetUser(ctx, session.UserID)
	if err != nil {
		return err
	}
	if !found {
		user = &models.User{ID: session.UserID, CreatedAt: m.clock().UTC()}
	}
	user.Wallet = claimed
	user.LinkedAt = m.clock().UTC()
	if err := m.store.PutUser(ctx, user); err != nil {
		return err
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	m.countSession("verified")
	logging.Info("wallet linked", "user_id", session.UserID, "session_id", sessionID)
	return nil
}

// Reject consumes a session without linking anything.
func (m *Manager) Reject(ctx context.Context, sessionID string) error {
	if _, err := m.liveSession(ctx, sessionID); err != nil {
		return err
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.countSession("rejected")
	return nil
}

// liveSession loads a session and enforces expiry lazily: an expired session
// is deleted on sight and reported as not found. No background sweep.
func (m *Manager) liveSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, found, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSessionNotFound
	}
	if session.Expired(m.clock()) {
		_ = m.store.DeleteSession(ctx, sessionID)
		m.countSession("expired")
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (m *Manager) countSession(state string) {
	if m.metrics != nil {
		m.metrics.LinkSessionsTotal.WithLabelValues(state).Inc()
	}
}
