package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// HealthCheckHandler handles GET /healthCheck
func HealthCheckHandler(upSince time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondWithSuccess(w, http.StatusOK, &healthResponse{
			Status: "ok",
			Uptime: time.Since(upSince).Round(time.Second).String(),
		})
	}
}
