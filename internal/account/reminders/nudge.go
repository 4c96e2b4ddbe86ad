package reminders

import (
	"context"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
)

const (
	DefaultNudgeLimit = 200
	MaxNudgeLimit     = 1000
)

// NudgeResult summarizes one update-nudge campaign run.
type NudgeResult struct {
	OK         bool         `json:"ok"`
	Candidates int          `json:"candidates"`
	Sent       int          `json:"sent"`
	Errors     []SweepError `json:"errors"`
}

// NudgeConfig describes the build users are asked to install.
type NudgeConfig struct {
	LatestVersion    string
	DownloadURLARM   string
	DownloadURLIntel string
}

// Nudger emails licenses whose app never reported a version, which marks
// builds that predate version reporting.
type Nudger struct {
	store     Store
	sender    email.Sender
	emailFrom string
	cfg       NudgeConfig
	now       func() time.Time
}

// NewNudger creates a Nudger.
func NewNudger(store Store, sender email.Sender, emailFrom string, cfg NudgeConfig) *Nudger {
	return &Nudger{store: store, sender: sender, emailFrom: emailFrom, cfg: cfg, now: time.Now}
}

// ClampNudgeLimit applies the default and the ceiling to a requested limit.
func ClampNudgeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultNudgeLimit
	case limit > MaxNudgeLimit:
		return MaxNudgeLimit
	default:
		return limit
	}
}

// Run nudges up to limit licenses.
func (n *Nudger) Run(ctx context.Context, limit int) NudgeResult {
	res := NudgeResult{Errors: []SweepError{}}
	logger := logging.FromContext(ctx)

	licenses, err := n.store.ListUpdateNudgeCandidates(ctx, ClampNudgeLimit(limit))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list update nudge candidates")
		res.Errors = append(res.Errors, SweepError{Phase: "query", Message: err.Error()})
		return res
	}
	res.Candidates = len(licenses)

	for _, lic := range licenses {
		downloadURL := n.cfg.DownloadURLARM
		if lic.Platform == "intel" {
			downloadURL = n.cfg.DownloadURLIntel
		}
		html, text, err := email.RenderUpdateNudgeEmail(email.UpdateNudgeData{
			LatestVersion: n.cfg.LatestVersion,
			DownloadURL:   downloadURL,
		})
		if err == nil {
			sendCtx, cancel := context.WithTimeout(ctx, reminderSendWait)
			err = n.sender.Send(sendCtx, email.Message{
				From:     n.emailFrom,
				To:       lic.Email,
				Subject:  email.UpdateNudgeSubject,
				HTML:     html,
				Text:     text,
				Template: "update_nudge",
			})
			cancel()
		}
		if err != nil {
			logger.Warn().Err(err).Str("license_key", lic.Key).Msg("Failed to send update nudge")
			res.Errors = append(res.Errors, SweepError{Phase: "nudge_send", LicenseKey: lic.Key, Message: err.Error()})
			continue
		}
		res.Sent++

		if _, err := n.store.MarkUpdateNudgeSent(ctx, lic.Key, n.now().UTC()); err != nil {
			logger.Error().Err(err).Str("license_key", lic.Key).Msg("Update nudge sent but not recorded")
			res.Errors = append(res.Errors, SweepError{Phase: "nudge_mark", LicenseKey: lic.Key, Message: err.Error()})
		}
	}

	res.OK = len(res.Errors) == 0
	logger.Info().Int("candidates", res.Candidates).Int("sent", res.Sent).Msg("Update nudge run finished")
	return res
}
