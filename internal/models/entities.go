package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Guild is a chat platform server the bot has been invited to. The bot role
// position is informational only; the granting collaborator enforces the
// actual role hierarchy.
type Guild struct {
	ID              uint64    `json:"id"`
	BotRolePosition int       `json:"bot_role_position"`
	CreatedAt       time.Time `json:"created_at"`
}

// User is a platform user. Wallet is empty until a link session completes and
// is cleared again on unlink; users are never implicitly deleted.
type User struct {
	ID        uint64    `json:"id"`
	Wallet    string    `json:"wallet,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LinkedAt  time.Time `json:"linked_at,omitempty"`
}

// Gate guards a role with a reputation threshold in a colony domain.
// Gates are immutable; updates are modeled as remove + re-add.
type Gate struct {
	ID        string    `json:"id"`
	GuildID   uint64    `json:"guild_id"`
	Colony    string    `json:"colony"`
	Domain    uint64    `json:"domain"`
	Threshold uint64    `json:"threshold"`
	RoleID    uint64    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LookupKey identifies one reputation lookup. Multiple gates in a guild may
// share a key and must collapse into a single oracle call.
type LookupKey struct {
	Colony string
	Domain uint64
}

func (g Gate) LookupKey() LookupKey {
	return LookupKey{Colony: g.Colony, Domain: g.Domain}
}

func (k LookupKey) String() string {
	return fmt.Sprintf("%s:%d", k.Colony, k.Domain)
}

// Session is an ephemeral wallet-link challenge. It is deleted on success,
// rejection or expiry; expiry is checked lazily at lookup time.
type Session struct {
	ID        string    `json:"id"`
	UserID    uint64    `json:"user_id"`
	Username  string    `json:"username"`
	Challenge string    `json:"challenge"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store key namespaces. Keys are ordered by entity type so a prefix scan of
// one type never touches (or decrypts) another.
const (
	GuildPrefix   = "guild:"
	UserPrefix    = "user:"
	GatePrefix    = "gate:"
	SessionPrefix = "session:"
)

func GuildKey(guildID uint64) string {
	return fmt.Sprintf("%s%020d", GuildPrefix, guildID)
}

func UserKey(userID uint64) string {
	return fmt.Sprintf("%s%020d", UserPrefix, userID)
}

// GateKey nests gates under their guild so one guild's gates are a single
// contiguous range.
func GateKey(guildID uint64, gateID string) string {
	return fmt.Sprintf("%s%020d:%s", GatePrefix, guildID, gateID)
}

func GuildGatePrefix(guildID uint64) string {
	return fmt.Sprintf("%s%020d:", GatePrefix, guildID)
}

func SessionKey(sessionID string) string {
	return SessionPrefix + sessionID
}

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// NormalizeAddress lowercases a 20-byte hex address, rejecting anything that
// does not look like one.
func NormalizeAddress(addr string) (string, error) {
	if !addressRe.MatchString(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return strings.ToLower(addr), nil
}
