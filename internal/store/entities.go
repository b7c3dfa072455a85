package store

import (
	"context"
	"encoding/json"
	"fmt"

	"colony-experiment/gatekeeper/internal/models"
)

// Typed accessors over the raw key-value surface. Each entity type lives in
// its own key namespace (see models key helpers).

func (s *Store) PutGuild(ctx context.Context, guild *models.Guild) error {
	return s.putJSON(ctx, models.GuildKey(guild.ID), guild)
}

func (s *Store) GetGuild(ctx context.Context, guildID uint64) (*models.Guild, bool, error) {
	var guild models.Guild
	found, err := s.getJSON(ctx, models.GuildKey(guildID), &guild)
	if !found || err != nil {
		return nil, false, err
	}
	return &guild, true, nil
}

// DeleteGuild removes the guild and cascades to every gate it owns.
func (s *Store) DeleteGuild(ctx context.Context, guildID uint64) error {
	if err := s.DeletePrefix(ctx, models.GuildGatePrefix(guildID)); err != nil {
		return err
	}
	return s.Delete(ctx, models.GuildKey(guildID))
}

func (s *Store) PutUser(ctx context.Context, user *models.User) error {
	return s.putJSON(ctx, models.UserKey(user.ID), user)
}

func (s *Store) GetUser(ctx context.Context, userID uint64) (*models.User, bool, error) {
	var user models.User
	found, err := s.getJSON(ctx, models.UserKey(userID), &user)
	if !found || err != nil {
		return nil, false, err
	}
	return &user, true, nil
}

func (s *Store) PutGate(ctx context.Context, gate *models.Gate) error {
	return s.putJSON(ctx, models.GateKey(gate.GuildID, gate.ID), gate)
}

func (s *Store) DeleteGate(ctx context.Context, guildID uint64, gateID string) error {
	return s.Delete(ctx, models.GateKey(guildID, gateID))
}

// ListGates returns all gates of one guild in stable key order.
func (s *Store) ListGates(ctx context.Context, guildID uint64) ([]models.Gate, error) {
	values, err := s.List(ctx, models.GuildGatePrefix(guildID))
	if err != nil {
		return nil, err
	}
	gates := make([]models.Gate, 0, len(values))
	for _, v := range values {
		var gate models.Gate
		if err := json.Unmarshal(v, &gate); err != nil {
			return nil, fmt.Errorf("store: decode gate: %w", err)
		}
		gates = append(gates, gate)
	}
	return gates, nil
}

func (s *Store) PutSession(ctx context.Context, session *models.Session) error {
	return s.putJSON(ctx, models.SessionKey(session.ID), session)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, bool, error) {
	var session models.Session
	found, err := s.getJSON(ctx, models.SessionKey(sessionID), &session)
	if !found || err != nil {
		return nil, false, err
	}
	return &session, true, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.Delete(ctx, models.SessionKey(sessionID))
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, payload)
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	payload, found, err := s.Get(ctx, key)
	if !found || err != nil {
		return false, err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}
