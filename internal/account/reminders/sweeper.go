// Package reminders sends the trial reminder and app-update emails. Guards on
// the license record make each email at-most-once per license; a guard is set
// only after the provider accepted the message.
package reminders

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/acctmetrics"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
)

const (
	day3Window       = 24 * time.Hour
	postExpiryDelay  = 48 * time.Hour
	reminderSendWait = 15 * time.Second
)

// Store is the persistence the sweeper and nudger need.
type Store interface {
	ListTrialReminderCandidates(ctx context.Context, kind registry.ReminderKind, endsAfter, endsBy time.Time) ([]*registry.License, error)
	MarkReminderSent(ctx context.Context, key string, kind registry.ReminderKind, at time.Time) (bool, error)
	ListUpdateNudgeCandidates(ctx context.Context, limit int) ([]*registry.License, error)
	MarkUpdateNudgeSent(ctx context.Context, key string, at time.Time) (bool, error)
}

// SweepError records one failed step of a sweep.
type SweepError struct {
	Phase      string `json:"phase"`
	LicenseKey string `json:"licenseKey,omitempty"`
	Message    string `json:"message"`
}

// Result summarizes one sweep.
type Result struct {
	OK                   bool         `json:"ok"`
	Day3Candidates       int          `json:"day3Candidates"`
	PostExpiryCandidates int          `json:"postExpiryCandidates"`
	Day3Sent             int          `json:"day3Sent"`
	PostExpirySent       int          `json:"postExpirySent"`
	Errors               []SweepError `json:"errors"`
}

// Sweeper scans trial licenses and sends the day-3 and post-expiry reminders.
// Emails go straight to the Sender so the guard reflects a real delivery.
type Sweeper struct {
	store     Store
	sender    email.Sender
	emailFrom string
	baseURL   string
	now       func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(store Store, sender email.Sender, emailFrom, baseURL string) *Sweeper {
	return &Sweeper{
		store:     store,
		sender:    sender,
		emailFrom: emailFrom,
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		now:       time.Now,
	}
}

type reminderPass struct {
	kind      registry.ReminderKind
	endsAfter time.Time
	endsBy    time.Time
	subject   string
	render    func(email.TrialReminderData) (string, string, error)
}

// Run performs one sweep. Per-license failures are collected in the result and
// never stop the sweep.
func (s *Sweeper) Run(ctx context.Context) Result {
	now := s.now().UTC()
	res := Result{Errors: []SweepError{}}

	passes := []reminderPass{
		{
			kind:      registry.ReminderDay3,
			endsAfter: now,
			endsBy:    now.Add(day3Window),
			subject:   email.TrialDay3Subject,
			render:    email.RenderTrialDay3Email,
		},
		{
			kind:      registry.ReminderPostExpiry,
			endsAfter: time.Unix(0, 0),
			endsBy:    now.Add(-postExpiryDelay),
			subject:   email.TrialPostExpirySubject,
			render:    email.RenderTrialPostExpiryEmail,
		},
	}

	for _, pass := range passes {
		candidates, sent := s.runPass(ctx, pass, now, &res)
		switch pass.kind {
		case registry.ReminderDay3:
			res.Day3Candidates, res.Day3Sent = candidates, sent
		case registry.ReminderPostExpiry:
			res.PostExpiryCandidates, res.PostExpirySent = candidates, sent
		}
	}

	res.OK = len(res.Errors) == 0
	logging.FromContext(ctx).Info().
		Int("day3_candidates", res.Day3Candidates).
		Int("day3_sent", res.Day3Sent).
		Int("post_expiry_candidates", res.PostExpiryCandidates).
		Int("post_expiry_sent", res.PostExpirySent).
		Int("errors", len(res.Errors)).
		Msg("Trial reminder sweep finished")
	return res
}

func (s *Sweeper) runPass(ctx context.Context, pass reminderPass, now time.Time, res *Result) (candidates, sent int) {
	kind := string(pass.kind)
	logger := logging.FromContext(ctx).With().Str("kind", kind).Logger()

	licenses, err := s.store.ListTrialReminderCandidates(ctx, pass.kind, pass.endsAfter, pass.endsBy)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list reminder candidates")
		res.Errors = append(res.Errors, SweepError{Phase: "query", Message: err.Error()})
		return 0, 0
	}

	for _, lic := range licenses {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, SweepError{Phase: "query", Message: ctx.Err().Error()})
			break
		}

		html, text, err := pass.render(email.TrialReminderData{
			LicenseKey:  lic.Key,
			TrialEndsAt: lic.TrialEndsAt,
			UpgradeURL:  s.upgradeURL(lic.Key),
		})
		if err == nil {
			sendCtx, cancel := context.WithTimeout(ctx, reminderSendWait)
			err = s.sender.Send(sendCtx, email.Message{
				From:     s.emailFrom,
				To:       lic.Email,
				Subject:  pass.subject,
				HTML:     html,
				Text:     text,
				Template: "trial_" + kind,
			})
			cancel()
		}
		if err != nil {
			acctmetrics.ReminderEmailsTotal.WithLabelValues(kind, "failed").Inc()
			logger.Warn().Err(err).Str("license_key", lic.Key).Msg("Failed to send trial reminder")
			res.Errors = append(res.Errors, SweepError{Phase: kind + "_send", LicenseKey: lic.Key, Message: err.Error()})
			continue
		}
		acctmetrics.ReminderEmailsTotal.WithLabelValues(kind, "sent").Inc()
		sent++

		if _, err := s.store.MarkReminderSent(ctx, lic.Key, pass.kind, now); err != nil {
			logger.Error().Err(err).Str("license_key", lic.Key).Msg("Reminder sent but guard not recorded")
			res.Errors = append(res.Errors, SweepError{Phase: kind + "_mark", LicenseKey: lic.Key, Message: err.Error()})
		}
	}
	return len(licenses), sent
}

func (s *Sweeper) upgradeURL(key string) string {
	return fmt.Sprintf("%s/upgrade?%s", s.baseURL, url.Values{"key": {key}}.Encode())
}
