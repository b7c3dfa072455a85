package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"colony-experiment/gatekeeper/internal/logging"
	"colony-experiment/gatekeeper/internal/models"
	"colony-experiment/gatekeeper/internal/store"
)

var ErrGateNotFound = errors.New("services: gate not found")

// ColonyMetadata is the slice of the oracle client used for admin-side
// validation and display.
type ColonyMetadata interface {
	ColonyName(ctx context.Context, colonyAddr string) (string, error)
	DomainCount(ctx context.Context, colonyAddr string) (uint64, error)
}

// GateService owns administrator operations on guilds and gates.
type GateService struct {
	store  *store.Store
	colony ColonyMetadata
}

func NewGateService(st *store.Store, meta ColonyMetadata) *GateService {
	return &GateService{store: st, colony: meta}
}

// AddGate creates a gate, creating the owning guild record on first use.
// The domain id is validated against the colony's domain count when the
// oracle is reachable; oracle unavailability does not block administration.
func (s *GateService) AddGate(ctx context.Context, guildID uint64, colonyAddr string, domain, threshold, roleID uint64) (*models.Gate, error) {
	normalized, err := models.NormalizeAddress(colonyAddr)
	if err != nil {
		return nil, err
	}

	if count, err := s.colony.DomainCount(ctx, normalized); err == nil {
		if domain >= count {
			return nil, fmt.Errorf("services: colony %s has %d domains, domain %d does not exist", normalized, count, domain)
		}
	} else {
		logging.Warn("skipping domain validation", "colony", normalized, "error", err.Error())
	}

	if _, found, err := s.store.GetGuild(ctx, guildID); err != nil {
		return nil, err
	} else if !found {
		guild := &models.Guild{ID: guildID, CreatedAt: time.Now().UTC()}
		if err := s.store.PutGuild(ctx, guild); err != nil {
			return nil, err
		}
	}

	gate := &models.Gate{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		Colony:    normalized,
		Domain:    domain,
		Threshold: threshold,
		RoleID:    roleID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutGate(ctx, gate); err != nil {
		return nil, err
	}
	logging.Info("gate added",
		"guild_id", guildID,
		"gate_id", gate.ID,
		"colony", normalized,
		"domain", domain,
		"threshold", threshold,
		"role_id", roleID,
	)
	return gate, nil
}

// RemoveGate deletes one gate. There is no in-place edit; an update is a
// remove followed by a re-add.
func (s *GateService) RemoveGate(ctx context.Context, guildID uint64, gateID string) error {
	gates, err := s.store.ListGates(ctx, guildID)
	if err != nil {
		return err
	}
	for _, gate := range gates {
		if gate.ID == gateID {
			return s.store.DeleteGate(ctx, guildID, gateID)
		}
	}
	return ErrGateNotFound
}

// GateInfo is a gate annotated with its colony's display name when the
// oracle could resolve it.
type GateInfo struct {
	models.Gate
	ColonyName string `json:"colony_name,omitempty"`
}

// ListGates returns a guild's gates annotated with colony names,
// best-effort: an unreachable oracle leaves the names empty.
func (s *GateService) ListGates(ctx context.Context, guildID uint64) ([]GateInfo, error) {
	gates, err := s.store.ListGates(ctx, guildID)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	infos := make([]GateInfo, 0, len(gates))
	for _, gate := range gates {
		name, seen := names[gate.Colony]
		if !seen {
			name, _ = s.colony.ColonyName(ctx, gate.Colony)
			names[gate.Colony] = name
		}
		infos = append(infos, GateInfo{Gate: gate, ColonyName: name})
	}
	return infos, nil
}

// GuildRoles returns the distinct role ids the guild's gates can grant.
func (s *GateService) GuildRoles(ctx context.Context, guildID uint64) ([]uint64, error) {
	gates, err := s.store.ListGates(ctx, guildID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{}, len(gates))
	roles := make([]uint64, 0, len(gates))
	for _, gate := range gates {
		if _, ok := seen[gate.RoleID]; ok {
			continue
		}
		seen[gate.RoleID] = struct{}{}
		roles = append(roles, gate.RoleID)
	}
	return roles, nil
}

// SetBotRolePosition records where the bot's own role sits in the guild's
// hierarchy. Informational; enforcement lives with the granting collaborator.
func (s *GateService) SetBotRolePosition(ctx context.Context, guildID uint64, position int) error {
	guild, found, err := s.store.GetGuild(ctx, guildID)
	if err != nil {
		return err
	}
	if !found {
		guild = &models.Guild{ID: guildID, CreatedAt: time.Now().UTC()}
	}
	guild.BotRolePosition = position
	return s.store.PutGuild(ctx, guild)
}

// DeleteGuild removes a guild and cascades to its gates, for when the bot
// leaves a server.
func (s *GateService) DeleteGuild(ctx context.Context, guildID uint64) error {
	return s.store.DeleteGuild(ctx, guildID)
}

// UnlinkUser clears the user's wallet binding. The user record itself is
// kept; users are never implicitly deleted.
func (s *GateService) UnlinkUser(ctx context.Context, userID uint64) error {
	user, found, err := s.store.GetUser(ctx, userID)
	if err != nil || !found {
		return err
	}
	user.Wallet = ""
	user.LinkedAt = time.Time{}
	if err := s.store.PutUser(ctx, user); err != nil {
		return err
	}
	logging.Info("wallet unlinked", "user_id", userID)
	return nil
}
