package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"colony-experiment/gatekeeper/internal/linking"
	"colony-experiment/gatekeeper/internal/logging"
)

// LinkHandlers exposes the wallet-link session contract over HTTP for the
// signing web page. The session semantics live in internal/linking; these
// handlers are route glue only.
type LinkHandlers struct {
	links *linking.Manager
}

func NewLinkHandlers(links *linking.Manager) *LinkHandlers {
	return &LinkHandlers{links: links}
}

type challengeResponse struct {
	SessionID string `json:"session_id"`
	Challenge string `json:"challenge"`
}

type completeRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type linkResultResponse struct {
	Linked bool `json:"linked"`
}

// GetChallenge handles GET /link/{session}
func (h *LinkHandlers) GetChallenge(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")

	challenge, err := h.links.Challenge(r.Context(), sessionID)
	if err != nil {
		respondLinkError(w, err)
		return
	}
	respondWithSuccess(w, http.StatusOK, &challengeResponse{
		SessionID: sessionID,
		Challenge: challenge,
	})
}

// Complete handles POST /link/{session}/complete
func (h *LinkHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Address == "" || req.Signature == "" {
		respondWithError(w, http.StatusBadRequest, "address and signature are required")
		return
	}

	if err := h.links.Complete(r.Context(), sessionID, req.Address, req.Signature); err != nil {
		respondLinkError(w, err)
		return
	}
	respondWithSuccess(w, http.StatusOK, &linkResultResponse{Linked: true})
}

// Reject handles POST /link/{session}/reject
func (h *LinkHandlers) Reject(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")

	if err := h.links.Reject(r.Context(), sessionID); err != nil {
		respondLinkError(w, err)
		return
	}
	respondWithSuccess(w, http.StatusOK, &linkResultResponse{Linked: false})
}

// respondLinkError maps link failures to user-facing responses without
// leaking internals.
func respondLinkError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, linking.ErrSessionNotFound):
		respondWithError(w, http.StatusNotFound, "session not found or expired")
	case errors.Is(err, linking.ErrSignatureMismatch):
		respondWithError(w, http.StatusBadRequest, "signature verification failed")
	default:
		logging.Error("link request failed", "error", err.Error())
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
