package dispatch

import (
	"context"

	"colony-experiment/gatekeeper/internal/evaluator"
	"colony-experiment/gatekeeper/internal/logging"
)

// LogGranter records evaluation outcomes without touching the chat platform.
// Used when no gateway shell is attached (server without a bot token,
// dry-run batch checks).
type LogGranter struct{}

func (LogGranter) Apply(_ context.Context, guildID, userID uint64, result *evaluator.Result) error {
	logging.Info("roles computed",
		"guild_id", guildID,
		"user_id", userID,
		"granted", result.Granted,
		"denied", result.Denied,
		"gate_errors", len(result.Errors),
	)
	return nil
}
