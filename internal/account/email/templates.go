package email

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// Subjects for each transactional email.
const (
	WelcomeSubject         = "Your Dirac trial license key"
	UpgradeSubject         = "Welcome to Dirac Pro"
	TrialDay3Subject       = "Your Dirac trial ends tomorrow"
	TrialPostExpirySubject = "Your Dirac trial has ended"
	UpdateNudgeSubject     = "A new version of Dirac is available"
)

const dateLayout = "January 2, 2006"

var layoutTemplate = template.Must(template.New("layout").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Heading}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0; cellpadding: 0; cellspacing: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 520px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden; box-shadow: 0 1px 3px rgba(0,0,0,0.1);">
<tr><td style="padding: 32px 40px; text-align: left;">
<h1 style="margin: 0 0 16px; font-size: 24px; color: #1a1a1a;">{{.Heading}}</h1>
{{range .Paragraphs}}<p style="margin: 0 0 16px; color: #444; font-size: 15px; line-height: 1.5;">{{.}}</p>
{{end}}{{if .LicenseKey}}<div style="margin: 8px 0 24px; padding: 16px; background: #f0f4ff; border-radius: 6px; text-align: center;">
<code style="font-size: 20px; letter-spacing: 2px; color: #1a1a1a;">{{.LicenseKey}}</code>
</div>
{{end}}{{if .ButtonURL}}<a href="{{.ButtonURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px; font-weight: 500;">{{.ButtonLabel}}</a>
{{end}}<p style="margin: 24px 0 0; color: #999; font-size: 13px; line-height: 1.5;">Questions? Just reply to this email.</p>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

type layoutData struct {
	Heading     string
	Paragraphs  []string
	LicenseKey  string
	ButtonLabel string
	ButtonURL   string
}

func render(name string, data layoutData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := layoutTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s template: %w", name, err)
	}

	var tb strings.Builder
	tb.WriteString(data.Heading)
	tb.WriteString("\n\n")
	for _, p := range data.Paragraphs {
		tb.WriteString(p)
		tb.WriteString("\n\n")
	}
	if data.LicenseKey != "" {
		fmt.Fprintf(&tb, "License key: %s\n\n", data.LicenseKey)
	}
	if data.ButtonURL != "" {
		fmt.Fprintf(&tb, "%s: %s\n", data.ButtonLabel, data.ButtonURL)
	}
	return buf.String(), tb.String(), nil
}

// WelcomeData holds template data for the trial welcome email.
type WelcomeData struct {
	LicenseKey  string
	TrialDays   int
	TrialEndsAt time.Time
	DownloadURL string
}

// RenderWelcomeEmail renders the email sent when a trial license is issued.
func RenderWelcomeEmail(data WelcomeData) (html, text string, err error) {
	return render("welcome", layoutData{
		Heading: "Welcome to Dirac",
		Paragraphs: []string{
			fmt.Sprintf("Your %d-day free trial has started. Paste the key below into the app when asked to activate.", data.TrialDays),
			fmt.Sprintf("Your trial runs until %s. The key works on one Mac at a time.", data.TrialEndsAt.UTC().Format(dateLayout)),
		},
		LicenseKey:  data.LicenseKey,
		ButtonLabel: "Download Dirac",
		ButtonURL:   data.DownloadURL,
	})
}

// UpgradeData holds template data for the paid-upgrade confirmation email.
type UpgradeData struct {
	LicenseKey string
	AccountURL string
}

// RenderUpgradeEmail renders the email sent once a trial becomes a paid license.
func RenderUpgradeEmail(data UpgradeData) (html, text string, err error) {
	return render("upgrade", layoutData{
		Heading: "Thanks for upgrading",
		Paragraphs: []string{
			"Your subscription is active and your license key below is now a full license. There is nothing to re-enter in the app.",
			"You can manage billing or cancel at any time from your account page.",
		},
		LicenseKey:  data.LicenseKey,
		ButtonLabel: "Manage subscription",
		ButtonURL:   data.AccountURL,
	})
}

// TrialReminderData holds template data for both trial reminder emails.
type TrialReminderData struct {
	LicenseKey  string
	TrialEndsAt time.Time
	UpgradeURL  string
}

// RenderTrialDay3Email renders the reminder sent within a day of trial end.
func RenderTrialDay3Email(data TrialReminderData) (html, text string, err error) {
	return render("trial_day3", layoutData{
		Heading: "Your trial ends tomorrow",
		Paragraphs: []string{
			fmt.Sprintf("Your Dirac trial ends on %s. Upgrade now to keep your automations running without interruption.", data.TrialEndsAt.UTC().Format(dateLayout)),
		},
		LicenseKey:  data.LicenseKey,
		ButtonLabel: "Upgrade to Pro",
		ButtonURL:   data.UpgradeURL,
	})
}

// RenderTrialPostExpiryEmail renders the follow-up sent after a trial lapsed.
func RenderTrialPostExpiryEmail(data TrialReminderData) (html, text string, err error) {
	return render("trial_post_expiry", layoutData{
		Heading: "Your trial has ended",
		Paragraphs: []string{
			"Your Dirac trial has ended. Upgrade with the same license key and everything picks up where you left off.",
		},
		LicenseKey:  data.LicenseKey,
		ButtonLabel: "Upgrade to Pro",
		ButtonURL:   data.UpgradeURL,
	})
}

// UpdateNudgeData holds template data for the app update email.
type UpdateNudgeData struct {
	LatestVersion string
	DownloadURL   string
}

// RenderUpdateNudgeEmail renders the email asking users on old builds to update.
func RenderUpdateNudgeEmail(data UpdateNudgeData) (html, text string, err error) {
	paragraphs := []string{"We shipped a new version of Dirac with fixes for activation and background runs."}
	if data.LatestVersion != "" {
		paragraphs[0] = fmt.Sprintf("Dirac %s is out with fixes for activation and background runs.", data.LatestVersion)
	}
	paragraphs = append(paragraphs, "Download the latest build and replace the copy in your Applications folder. Your license carries over.")
	return render("update_nudge", layoutData{
		Heading:     "Time to update Dirac",
		Paragraphs:  paragraphs,
		ButtonLabel: "Download the update",
		ButtonURL:   data.DownloadURL,
	})
}
