package dispatch

import (
	"context"
	"errors"
	"fmt"

	"colony-experiment/gatekeeper/internal/evaluator"
	"colony-experiment/gatekeeper/internal/linking"
	"colony-experiment/gatekeeper/internal/logging"
	"colony-experiment/gatekeeper/internal/models"
	"colony-experiment/gatekeeper/internal/services"
)

// ErrHierarchyViolation is reported by the granting collaborator when the
// bot's role sits below a target role. The dispatcher surfaces it to the
// administrator and does not re-check hierarchy itself.
var ErrHierarchyViolation = errors.New("dispatch: bot role is below a target role")

// RoleGranter is the chat-platform collaborator that mutates roles. It must
// verify the bot's role position against each target role before granting.
type RoleGranter interface {
	Apply(ctx context.Context, guildID, userID uint64, result *evaluator.Result) error
}

// Command is an inbound request from a triggering surface (slash command,
// web hook, batch CLI). Replies travel on per-command channels.
type Command interface {
	isCommand()
}

type Check struct {
	GuildID  uint64
	UserID   uint64
	Username string
	Reply    chan CheckReply
}

// CheckReply either carries an evaluation outcome or, for unlinked users,
// the wallet-link URL to hand back.
type CheckReply struct {
	Result  *evaluator.Result
	LinkURL string
	Err     error
}

type Batch struct {
	GuildID uint64
	UserIDs []uint64
	Replies chan evaluator.BatchResult
}

type AddGate struct {
	GuildID   uint64
	Colony    string
	Domain    uint64
	Threshold uint64
	RoleID    uint64
	Reply     chan AddGateReply
}

type AddGateReply struct {
	Gate *models.Gate
	Err  error
}

type RemoveGate struct {
	GuildID uint64
	GateID  string
	Reply   chan error
}

type ListGates struct {
	GuildID uint64
	Reply   chan ListGatesReply
}

type ListGatesReply struct {
	Gates []services.GateInfo
	Err   error
}

type GuildRoles struct {
	GuildID uint64
	Reply   chan GuildRolesReply
}

type GuildRolesReply struct {
	Roles []uint64
	Err   error
}

type Unlink struct {
	UserID uint64
	Reply  chan error
}

// GuildGone signals the bot left a guild; its gates cascade away. No reply.
type GuildGone struct {
	GuildID uint64
}

func (Check) isCommand()      {}
func (Batch) isCommand()      {}
func (AddGate) isCommand()    {}
func (RemoveGate) isCommand() {}
func (ListGates) isCommand()  {}
func (GuildRoles) isCommand() {}
func (Unlink) isCommand()     {}
func (GuildGone) isCommand()  {}

// Dispatcher consumes the inbound command channel and drives the evaluator,
// gate service and link manager. Each command is handled on its own
// goroutine so a slow evaluation never blocks the queue.
type Dispatcher struct {
	commands  chan Command
	eval      *evaluator.Evaluator
	gates     *services.GateService
	links     *linking.Manager
	granter   RoleGranter
	publicURL string
}

func New(eval *evaluator.Evaluator, gates *services.GateService, links *linking.Manager, granter RoleGranter, publicURL string) *Dispatcher {
	return &Dispatcher{
		commands:  make(chan Command, 64),
		eval:      eval,
		gates:     gates,
		links:     links,
		granter:   granter,
		publicURL: publicURL,
	}
}

// Commands is the inbound channel handed to triggering surfaces.
func (d *Dispatcher) Commands() chan<- Command {
	return d.commands
}

// Run consumes commands until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.commands:
			go d.handle(ctx, cmd)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case Check:
		c.Reply <- d.check(ctx, c)
	case Batch:
		d.eval.EvaluateBatch(ctx, c.GuildID, c.UserIDs, c.Replies)
	case AddGate:
		gate, err := d.gates.AddGate(ctx, c.GuildID, c.Colony, c.Domain, c.Threshold, c.RoleID)
		c.Reply <- AddGateReply{Gate: gate, Err: err}
	case RemoveGate:
		c.Reply <- d.gates.RemoveGate(ctx, c.GuildID, c.GateID)
	case ListGates:
		gates, err := d.gates.ListGates(ctx, c.GuildID)
		c.Reply <- ListGatesReply{Gates: gates, Err: err}
	case GuildRoles:
		roles, err := d.gates.GuildRoles(ctx, c.GuildID)
		c.Reply <- GuildRolesReply{Roles: roles, Err: err}
	case Unlink:
		c.Reply <- d.gates.UnlinkUser(ctx, c.UserID)
	case GuildGone:
		if err := d.gates.DeleteGuild(ctx, c.GuildID); err != nil {
			logging.Error("failed to delete guild", "guild_id", c.GuildID, "error", err.Error())
		}
	}
}

// check evaluates a user; for unlinked users it starts a link session and
// replies with the URL to visit instead.
func (d *Dispatcher) check(ctx context.Context, c Check) CheckReply {
	result, err := d.eval.Evaluate(ctx, c.UserID, c.GuildID)
	if errors.Is(err, evaluator.ErrNotLinked) {
		sessionID, _, err := d.links.Start(ctx, c.UserID, c.Username)
		if err != nil {
			return CheckReply{Err: err}
		}
		return CheckReply{LinkURL: fmt.Sprintf("%s/link/%s", d.publicURL, sessionID)}
	}
	if err != nil {
		return CheckReply{Err: err}
	}

	if err := d.granter.Apply(ctx, c.GuildID, c.UserID, result); err != nil {
		// HierarchyViolation and transport failures alike go back to the
		// caller; the evaluation itself stands.
		return CheckReply{Result: result, Err: err}
	}
	return CheckReply{Result: result}
}
