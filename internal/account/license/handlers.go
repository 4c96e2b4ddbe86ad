package license

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/Dirac-Team/Dirac-Waitlist/internal/errors"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
	"github.com/rs/zerolog/log"
)

const requestBodyLimit = 64 * 1024

type errorResponse struct {
	Error string `json:"error"`
}

type issueResponse struct {
	LicenseKey  string    `json:"licenseKey"`
	TrialEndsAt time.Time `json:"trialEndsAt"`
	Email       string    `json:"email"`
	Existing    bool      `json:"existing"`
}

// HandleIssueTrial serves POST /api/trial/create-license.
func HandleIssueTrial(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		var req IssueRequest
		r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
			return
		}

		res, err := svc.IssueTrial(r.Context(), req)
		if err != nil {
			status := apperrors.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				logging.FromContext(r.Context()).Error().Err(err).Msg("Trial license issuance failed")
			}
			writeJSON(w, status, errorResponse{Error: apperrors.PublicMessage(err, "Failed to create license")})
			return
		}

		writeJSON(w, http.StatusOK, issueResponse{
			LicenseKey:  res.LicenseKey,
			TrialEndsAt: res.TrialEndsAt,
			Email:       res.Email,
			Existing:    res.Existing,
		})
	}
}

type verifyRequest struct {
	Key         string `json:"key"`
	DeviceID    string `json:"deviceId"`
	DeviceIDAlt string `json:"device_id"`
	Platform    string `json:"platform"`
	AppVersion  string `json:"appVersion"`
}

// HandleVerify serves POST /api/license/verify. Preflight is answered by the
// CORS middleware in front of it.
func HandleVerify(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, VerifyResult{Status: VerifyInvalid, Message: "method not allowed"})
			return
		}

		var req verifyRequest
		r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, VerifyResult{Status: VerifyInvalid, Message: "Invalid request body"})
			return
		}
		device := req.DeviceID
		if device == "" {
			device = req.DeviceIDAlt
		}

		res, err := svc.Verify(r.Context(), VerifyRequest{
			Key:        req.Key,
			DeviceID:   device,
			Platform:   req.Platform,
			AppVersion: req.AppVersion,
		})
		if err != nil {
			if apperrors.TypeOf(err) == apperrors.ErrorTypeValidation {
				writeJSON(w, http.StatusBadRequest, res)
				return
			}
			logging.FromContext(r.Context()).Error().Err(err).Msg("License verification failed")
			writeJSON(w, http.StatusInternalServerError, VerifyResult{Status: "error", Message: "Failed to verify license"})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type resetRequest struct {
	Key string `json:"key"`
}

type resetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Key     string `json:"key"`
}

// HandleResetDevice serves POST /api/admin/reset-device. Authentication is
// done by the admin middleware.
func HandleResetDevice(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		var req resetRequest
		r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
			return
		}

		key, err := svc.ResetDevice(r.Context(), req.Key)
		if err != nil {
			status := apperrors.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				logging.FromContext(r.Context()).Error().Err(err).Msg("Device reset failed")
			}
			writeJSON(w, status, errorResponse{Error: apperrors.PublicMessage(err, "Failed to reset device")})
			return
		}

		writeJSON(w, http.StatusOK, resetResponse{
			Success: true,
			Message: "Device binding reset successfully",
			Key:     key,
		})
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("license: encode response")
	}
}
