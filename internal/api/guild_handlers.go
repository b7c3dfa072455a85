package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"colony-experiment/gatekeeper/internal/dispatch"
	"colony-experiment/gatekeeper/internal/logging"
	"colony-experiment/gatekeeper/internal/services"
)

// GuildHandlers feeds triggering surfaces (gateway shell, admin tooling)
// into the dispatcher's command channel and relays the replies.
type GuildHandlers struct {
	commands chan<- dispatch.Command
}

func NewGuildHandlers(commands chan<- dispatch.Command) *GuildHandlers {
	return &GuildHandlers{commands: commands}
}

type checkRequest struct {
	UserID   uint64 `json:"user_id"`
	Username string `json:"username"`
}

type checkResponse struct {
	Granted         []uint64        `json:"granted,omitempty"`
	Denied          []uint64        `json:"denied,omitempty"`
	Errors          []gateErrorView `json:"errors,omitempty"`
	LinkURL         string          `json:"link_url,omitempty"`
	BotRolePosition int             `json:"bot_role_position,omitempty"`
}

type gateErrorView struct {
	RoleID uint64 `json:"role_id"`
	Reason string `json:"reason"`
}

// Check handles POST /guilds/{guild}/check
func (h *GuildHandlers) Check(w http.ResponseWriter, r *http.Request) {
	guildID, ok := guildParam(w, r)
	if !ok {
		return
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		respondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	reply := make(chan dispatch.CheckReply, 1)
	h.commands <- dispatch.Check{
		GuildID:  guildID,
		UserID:   req.UserID,
		Username: req.Username,
		Reply:    reply,
	}

	select {
	case <-r.Context().Done():
		return
	case res := <-reply:
		if res.Err != nil && res.Result == nil {
			logging.Error("check failed", "guild_id", guildID, "user_id", req.UserID, "error", res.Err.Error())
			respondWithError(w, http.StatusInternalServerError, "internal error")
			return
		}

		resp := checkResponse{LinkURL: res.LinkURL}
		if res.Result != nil {
			resp.Granted = res.Result.Granted
			resp.Denied = res.Result.Denied
			resp.BotRolePosition = res.Result.BotRolePosition
			for _, gateErr := range res.Result.Errors {
				resp.Errors = append(resp.Errors, gateErrorView{RoleID: gateErr.RoleID, Reason: gateErr.Reason})
			}
		}
		if errors.Is(res.Err, dispatch.ErrHierarchyViolation) {
			respondWithError(w, http.StatusConflict, "bot role must be above the gated roles")
			return
		}
		respondWithSuccess(w, http.StatusOK, &resp)
	}
}

type addGateRequest struct {
	Colony    string `json:"colony"`
	Domain    uint64 `json:"domain"`
	Threshold uint64 `json:"threshold"`
	RoleID    uint64 `json:"role_id"`
}

// AddGate handles POST /guilds/{guild}/gates
func (h *GuildHandlers) AddGate(w http.ResponseWriter, r *http.Request) {
	guildID, ok := guildParam(w, r)
	if !ok {
		return
	}

	var req addGateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply := make(chan dispatch.AddGateReply, 1)
	h.commands <- dispatch.AddGate{
		GuildID:   guildID,
		Colony:    req.Colony,
		Domain:    req.Domain,
		Threshold: req.Threshold,
		RoleID:    req.RoleID,
		Reply:     reply,
	}

	select {
	case <-r.Context().Done():
	case res := <-reply:
		if res.Err != nil {
			respondWithError(w, http.StatusBadRequest, res.Err.Error())
			return
		}
		respondWithSuccess(w, http.StatusCreated, res.Gate)
	}
}

// ListGates handles GET /guilds/{guild}/gates
func (h *GuildHandlers) ListGates(w http.ResponseWriter, r *http.Request) {
	guildID, ok := guildParam(w, r)
	if !ok {
		return
	}

	reply := make(chan dispatch.ListGatesReply, 1)
	h.commands <- dispatch.ListGates{GuildID: guildID, Reply: reply}

	select {
	case <-r.Context().Done():
	case res := <-reply:
		if res.Err != nil {
			logging.Error("list gates failed", "guild_id", guildID, "error", res.Err.Error())
			respondWithError(w, http.StatusInternalServerError, "internal error")
			return
		}
		respondWithSuccess(w, http.StatusOK, &res.Gates)
	}
}

// RemoveGate handles DELETE /guilds/{guild}/gates/{gate}
func (h *GuildHandlers) RemoveGate(w http.ResponseWriter, r *http.Request) {
	guildID, ok := guildParam(w, r)
	if !ok {
		return
	}
	gateID := chi.URLParam(r, "gate")

	reply := make(chan error, 1)
	h.commands <- dispatch.RemoveGate{GuildID: guildID, GateID: gateID, Reply: reply}

	select {
	case <-r.Context().Done():
	case err := <-reply:
		switch {
		case errors.Is(err, services.ErrGateNotFound):
			respondWithError(w, http.StatusNotFound, "gate not found")
		case err != nil:
			logging.Error("remove gate failed", "guild_id", guildID, "gate_id", gateID, "error", err.Error())
			respondWithError(w, http.StatusInternalServerError, "internal error")
		default:
			respondWithSuccess[struct{}](w, http.StatusOK, nil)
		}
	}
}

// Roles handles GET /guilds/{guild}/roles
func (h *GuildHandlers) Roles(w http.ResponseWriter, r *http.Request) {
	guildID, ok := guildParam(w, r)
	if !ok {
		return
	}

	reply := make(chan dispatch.GuildRolesReply, 1)
	h.commands <- dispatch.GuildRoles{GuildID: guildID, Reply: reply}

	select {
	case <-r.Context().Done():
	case res := <-reply:
		if res.Err != nil {
			respondWithError(w, http.StatusInternalServerError, "internal error")
			return
		}
		respondWithSuccess(w, http.StatusOK, &res.Roles)
	}
}

func guildParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	guildID, err := strconv.ParseUint(chi.URLParam(r, "guild"), 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid guild id")
		return 0, false
	}
	return guildID, true
}
