package httpapi

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/shineum/bulkmail/internal/gate"
	"github.com/shineum/bulkmail/internal/metrics"
)

const maxLoginBody = 4 << 10

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin checks operator credentials for the web client. It grants no
// session; the client then sends the same pair as HTTP Basic credentials.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.throttle.Allow(gate.ClientIP(r)) {
		metrics.LoginAttempts.WithLabelValues("throttled").Inc()
		writeJSON(w, http.StatusTooManyRequests, messageResponse{Message: "Too many login attempts. Please try again later."})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)

	var req loginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		req.Email = r.FormValue("email")
		req.Password = r.FormValue("password")
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, messageResponse{Message: "invalid request body"})
			return
		}
	}

	if !s.gate.Verify(req.Email, req.Password) {
		metrics.LoginAttempts.WithLabelValues("denied").Inc()
		slog.Warn("login rejected", "remote", gate.ClientIP(r))
		writeJSON(w, http.StatusUnauthorized, messageResponse{Message: "Invalid email or password."})
		return
	}

	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, messageResponse{Message: "Login successful!"})
}
