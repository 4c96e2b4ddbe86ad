package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
)

// LicenseLister is the read side of the registry used by the admin listing.
type LicenseLister interface {
	List(ctx context.Context) ([]*registry.License, error)
	ListByStatus(ctx context.Context, status registry.Status) ([]*registry.License, error)
}

// HandleListLicenses returns an authenticated handler that lists all licenses.
func HandleListLicenses(store LicenseLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Optional status filter
		statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))

		var licenses []*registry.License
		var err error

		switch registry.Status(statusFilter) {
		case "":
			licenses, err = store.List(r.Context())
		case registry.StatusTrial, registry.StatusActive, registry.StatusInactive:
			licenses, err = store.ListByStatus(r.Context(), registry.Status(statusFilter))
		default:
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("List licenses failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if licenses == nil {
			licenses = []*registry.License{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"licenses": licenses,
			"count":    len(licenses),
		})
	}
}

// AdminKeyMiddleware returns middleware that requires the admin API key as
// X-Admin-Key or an Authorization bearer token.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return keyMiddleware(adminKey, true, next)
}

// BearerKeyMiddleware returns middleware that requires secret as an
// Authorization bearer token. An empty secret rejects every request.
func BearerKeyMiddleware(secret string, next http.Handler) http.Handler {
	return keyMiddleware(secret, false, next)
}

func keyMiddleware(secret string, allowHeader bool, next http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if allowHeader {
			key = strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		}
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if secret == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
			logging.FromContext(r.Context()).Warn().Str("path", r.URL.Path).Msg("Rejected request with missing or invalid credential")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
