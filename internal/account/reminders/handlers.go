package reminders

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

var errInvalidLimit = errors.New("invalid limit")

type errorResponse struct {
	Error string `json:"error"`
}

// HandleSweep serves POST /api/internal/send-trial-reminders. The caller is
// authenticated by the cron bearer middleware.
func HandleSweep(s *Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		writeJSON(w, http.StatusOK, s.Run(r.Context()))
	}
}

type nudgeRequest struct {
	Limit *int `json:"limit"`
}

const nudgeBodyLimit = 4 << 10

// HandleUpdateNudge serves POST /api/internal/send-update-nudge. The batch
// size comes from ?limit=N or a {"limit":N} body; the query wins when both
// are present.
func HandleUpdateNudge(n *Nudger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		limit, err := nudgeLimit(w, r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		writeJSON(w, http.StatusOK, n.Run(r.Context(), limit))
	}
}

func nudgeLimit(w http.ResponseWriter, r *http.Request) (int, error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, errInvalidLimit
		}
		return v, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, nudgeBodyLimit))
	if err != nil {
		return 0, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return 0, nil
	}
	var req nudgeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, err
	}
	if req.Limit == nil {
		return 0, nil
	}
	if *req.Limit < 0 {
		return 0, errInvalidLimit
	}
	return *req.Limit, nil
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("reminders: encode response")
	}
}
