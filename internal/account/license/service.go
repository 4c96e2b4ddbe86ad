package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/acctmetrics"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/events"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	apperrors "github.com/Dirac-Team/Dirac-Waitlist/internal/errors"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
	"github.com/go-playground/validator/v10"
)

const (
	defaultTrialDuration  = 4 * 24 * time.Hour
	defaultMaxKeyAttempts = 5
)

// ErrKeyGenerationExhausted is returned when every generated key collided.
var ErrKeyGenerationExhausted = errors.New("could not generate a unique license key")

// Store is the persistence the issuer, verifier and reset tool need.
type Store interface {
	Create(ctx context.Context, l *registry.License) error
	GetByKey(ctx context.Context, key string) (*registry.License, error)
	GetByEmail(ctx context.Context, email string) (*registry.License, error)
	BindDevice(ctx context.Context, key, deviceID, platform, appVersion string, at time.Time) (bool, error)
	UpdateAppVersion(ctx context.Context, key, deviceID, appVersion string, at time.Time) error
	ResetDevice(ctx context.Context, key string, at time.Time) (bool, error)
}

// Config tunes license issuance.
type Config struct {
	KeyPrefix        string
	TrialDuration    time.Duration
	MaxKeyAttempts   int
	EmailFrom        string
	DownloadURLARM   string
	DownloadURLIntel string
}

// Service implements trial issuance, verification with device binding, and
// device reset over a Store.
type Service struct {
	store     Store
	keys      KeyFormat
	cfg       Config
	mailer    email.Dispatcher
	publisher events.Publisher
	validate  *validator.Validate
	now       func() time.Time
}

// NewService wires a Service. A nil publisher disables lifecycle events.
func NewService(store Store, mailer email.Dispatcher, publisher events.Publisher, cfg Config) (*Service, error) {
	keys, err := NewKeyFormat(cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}
	if cfg.TrialDuration <= 0 {
		cfg.TrialDuration = defaultTrialDuration
	}
	if cfg.MaxKeyAttempts <= 0 {
		cfg.MaxKeyAttempts = defaultMaxKeyAttempts
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:     store,
		keys:      keys,
		cfg:       cfg,
		mailer:    mailer,
		publisher: publisher,
		validate:  validator.New(),
		now:       time.Now,
	}, nil
}

// Keys returns the key format the service validates against.
func (s *Service) Keys() KeyFormat {
	return s.keys
}

// IssueRequest is the onboarding form submission.
type IssueRequest struct {
	Email       string          `json:"email" validate:"required,email,max=254"`
	Platform    string          `json:"platform,omitempty" validate:"omitempty,max=32"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// IssueResult is returned for both new and existing trials.
type IssueResult struct {
	LicenseKey  string    `json:"licenseKey"`
	TrialEndsAt time.Time `json:"trialEndsAt"`
	Email       string    `json:"email"`
	Existing    bool      `json:"existing"`
}

// IssueTrial returns the trial license for req.Email, creating it on first call.
func (s *Service) IssueTrial(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	const op = "issue_trial"

	req.Email = NormalizeEmail(req.Email)
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Validation(op, validationMessage(err))
	}
	if isJSONNull(req.Preferences) {
		req.Preferences = nil
	}
	if len(req.Preferences) > 0 && !isJSONObject(req.Preferences) {
		return nil, apperrors.Validation(op, "Preferences must be a JSON object")
	}

	existing, err := s.store.GetByEmail(ctx, req.Email)
	if err != nil {
		acctmetrics.TrialIssuanceTotal.WithLabelValues("failed").Inc()
		return nil, apperrors.Upstream(op, "", err)
	}
	if existing != nil {
		acctmetrics.TrialIssuanceTotal.WithLabelValues("existing").Inc()
		return issueResult(existing, true), nil
	}

	now := s.now().UTC().Truncate(time.Second)
	for attempt := 1; attempt <= s.cfg.MaxKeyAttempts; attempt++ {
		key, err := s.keys.Generate()
		if err != nil {
			return nil, apperrors.Upstream(op, "", err)
		}

		clash, err := s.store.GetByKey(ctx, key)
		if err != nil {
			acctmetrics.TrialIssuanceTotal.WithLabelValues("failed").Inc()
			return nil, apperrors.Upstream(op, key, err)
		}
		if clash != nil {
			logging.FromContext(ctx).Warn().Int("attempt", attempt).Msg("Generated license key collided, retrying")
			continue
		}

		lic := &registry.License{
			ID:             registry.GenerateRecordID(),
			Key:            key,
			Email:          req.Email,
			Status:         registry.StatusTrial,
			TrialStartedAt: now,
			TrialEndsAt:    now.Add(s.cfg.TrialDuration),
			Platform:       req.Platform,
			Preferences:    req.Preferences,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err = s.store.Create(ctx, lic)
		switch {
		case err == nil:
			acctmetrics.TrialIssuanceTotal.WithLabelValues("created").Inc()
			logging.FromContext(ctx).Info().
				Str("license_key", lic.Key).
				Str("email", lic.Email).
				Time("trial_ends_at", lic.TrialEndsAt).
				Msg("Trial license issued")
			s.sendWelcome(ctx, lic)
			events.Emit(ctx, s.publisher, events.New(events.LicenseIssued, lic.Key, lic.Email, now).With("platform", lic.Platform))
			return issueResult(lic, false), nil

		case errors.Is(err, registry.ErrKeyTaken):
			logging.FromContext(ctx).Warn().Int("attempt", attempt).Msg("License key taken during insert, retrying")
			continue

		case errors.Is(err, registry.ErrEmailTaken):
			// A concurrent request for the same email won the insert.
			winner, err := s.store.GetByEmail(ctx, req.Email)
			if err != nil {
				return nil, apperrors.Upstream(op, "", err)
			}
			if winner == nil {
				return nil, apperrors.Upstream(op, "", fmt.Errorf("email %s reported taken but not found", req.Email))
			}
			acctmetrics.TrialIssuanceTotal.WithLabelValues("existing").Inc()
			return issueResult(winner, true), nil

		default:
			acctmetrics.TrialIssuanceTotal.WithLabelValues("failed").Inc()
			return nil, apperrors.Upstream(op, key, err)
		}
	}

	acctmetrics.TrialIssuanceTotal.WithLabelValues("failed").Inc()
	return nil, apperrors.Upstream(op, "", ErrKeyGenerationExhausted)
}

func (s *Service) sendWelcome(ctx context.Context, lic *registry.License) {
	if s.mailer == nil {
		return
	}
	html, text, err := email.RenderWelcomeEmail(email.WelcomeData{
		LicenseKey:  lic.Key,
		TrialDays:   int(s.cfg.TrialDuration / (24 * time.Hour)),
		TrialEndsAt: lic.TrialEndsAt,
		DownloadURL: s.downloadURL(lic.Platform),
	})
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("license_key", lic.Key).Msg("Failed to render welcome email")
		return
	}
	s.mailer.Dispatch(ctx, email.Message{
		From:     s.cfg.EmailFrom,
		To:       lic.Email,
		Subject:  email.WelcomeSubject,
		HTML:     html,
		Text:     text,
		Template: "welcome",
	})
}

func (s *Service) downloadURL(platform string) string {
	switch platform {
	case "intel", "x86_64", "x64", "amd64":
		return s.cfg.DownloadURLIntel
	default:
		return s.cfg.DownloadURLARM
	}
}

// VerifyStatus is the outcome reported to the desktop app.
type VerifyStatus string

const (
	VerifyActive         VerifyStatus = "active"
	VerifyInactive       VerifyStatus = "inactive"
	VerifyInvalid        VerifyStatus = "invalid"
	VerifyDeviceMismatch VerifyStatus = "device_mismatch"
)

// VerifyRequest is a launch-time activation check.
type VerifyRequest struct {
	Key        string
	DeviceID   string
	Platform   string
	AppVersion string
}

// VerifyResult is the verification verdict.
type VerifyResult struct {
	Status      VerifyStatus `json:"status"`
	Email       string       `json:"email,omitempty"`
	Message     string       `json:"message,omitempty"`
	TrialEndsAt *time.Time   `json:"trialEndsAt,omitempty"`
}

// Verify checks a key for a device, binding the device on first activation.
// Missing input yields an invalid result together with a validation error.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	const op = "verify"

	key := NormalizeKey(req.Key)
	device := strings.TrimSpace(req.DeviceID)
	platform := strings.ToLower(strings.TrimSpace(req.Platform))
	appVersion := strings.TrimSpace(req.AppVersion)

	if key == "" || device == "" {
		const msg = "License key and device ID are required"
		return s.verdict(VerifyResult{Status: VerifyInvalid, Message: msg}), apperrors.Validation(op, msg)
	}
	if !s.keys.Valid(key) {
		return s.verdict(VerifyResult{Status: VerifyInvalid, Message: "Invalid license key format"}), nil
	}

	lic, err := s.store.GetByKey(ctx, key)
	if err != nil {
		return VerifyResult{}, apperrors.Upstream(op, key, err)
	}
	if lic == nil {
		return s.verdict(VerifyResult{Status: VerifyInvalid, Message: "License key not found"}), nil
	}

	now := s.now().UTC()
	if !lic.Entitled(now) {
		msg := "License key is not active"
		if lic.TrialExpired(now) {
			msg = "Trial expired"
		}
		return s.verdict(VerifyResult{Status: VerifyInactive, Message: msg}), nil
	}

	switch lic.BoundDeviceID {
	case "":
		bound, err := s.store.BindDevice(ctx, key, device, platform, appVersion, now)
		if err != nil {
			return VerifyResult{}, apperrors.Upstream(op, key, err)
		}
		if bound {
			logging.FromContext(ctx).Info().Str("license_key", key).Str("device_id", device).Msg("Device bound to license")
			events.Emit(ctx, s.publisher, events.New(events.LicenseDeviceBound, key, lic.Email, now).With("device_id", device))
			return s.verdict(activeResult(lic)), nil
		}

		// Another activation bound first; its device decides the outcome.
		lic, err = s.store.GetByKey(ctx, key)
		if err != nil {
			return VerifyResult{}, apperrors.Upstream(op, key, err)
		}
		if lic == nil {
			return s.verdict(VerifyResult{Status: VerifyInvalid, Message: "License key not found"}), nil
		}
		if lic.BoundDeviceID != device {
			return s.verdict(mismatchResult()), nil
		}
		return s.verdict(activeResult(lic)), nil

	case device:
		if appVersion != "" && appVersion != lic.AppVersion {
			if err := s.store.UpdateAppVersion(ctx, key, device, appVersion, now); err != nil {
				logging.FromContext(ctx).Warn().Err(err).Str("license_key", key).Msg("Failed to record app version")
			}
		}
		return s.verdict(activeResult(lic)), nil

	default:
		return s.verdict(mismatchResult()), nil
	}
}

func (s *Service) verdict(r VerifyResult) VerifyResult {
	acctmetrics.VerifyTotal.WithLabelValues(string(r.Status)).Inc()
	return r
}

func activeResult(lic *registry.License) VerifyResult {
	r := VerifyResult{Status: VerifyActive, Email: lic.Email}
	if lic.Status == registry.StatusTrial {
		ends := lic.TrialEndsAt
		r.TrialEndsAt = &ends
	}
	return r
}

func mismatchResult() VerifyResult {
	return VerifyResult{Status: VerifyDeviceMismatch, Message: "License already activated on another device"}
}

// ResetDevice clears the device binding on key so the next verification can
// bind a new device.
func (s *Service) ResetDevice(ctx context.Context, key string) (string, error) {
	const op = "reset_device"

	key = NormalizeKey(key)
	if key == "" {
		return "", apperrors.Validation(op, "License key is required")
	}

	now := s.now().UTC()
	found, err := s.store.ResetDevice(ctx, key, now)
	if err != nil {
		return "", apperrors.Upstream(op, key, err)
	}
	if !found {
		return "", apperrors.NotFound(op, key, "License key not found")
	}

	logging.FromContext(ctx).Info().Str("license_key", key).Msg("Device binding reset")
	events.Emit(ctx, s.publisher, events.New(events.LicenseDeviceReset, key, "", now))
	return key, nil
}

func issueResult(lic *registry.License, existing bool) *IssueResult {
	return &IssueResult{
		LicenseKey:  lic.Key,
		TrialEndsAt: lic.TrialEndsAt,
		Email:       lic.Email,
		Existing:    existing,
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Email":
			return "Invalid email address"
		case "Platform":
			return "Invalid platform"
		}
	}
	return "Invalid request"
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed))
}
