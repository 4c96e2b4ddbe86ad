package reminders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampNudgeLimit(t *testing.T) {
	assert.Equal(t, DefaultNudgeLimit, ClampNudgeLimit(0))
	assert.Equal(t, DefaultNudgeLimit, ClampNudgeLimit(-3))
	assert.Equal(t, 25, ClampNudgeLimit(25))
	assert.Equal(t, MaxNudgeLimit, ClampNudgeLimit(5000))
}

func TestNudgerSendsToLicensesWithoutVersion(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedTrialEnding(t, reg, "DIRAC-OLD0-0001", "old@example.com", sweepNow.Add(48*time.Hour))
	seedTrialEnding(t, reg, "DIRAC-NEW0-0001", "new@example.com", sweepNow.Add(48*time.Hour))
	_, err := reg.BindDevice(ctx, "DIRAC-NEW0-0001", "dev-1", "arm", "2.0.0", sweepNow)
	require.NoError(t, err)

	sender := &recordingSender{}
	n := NewNudger(reg, sender, "Dirac <peter@dirac.app>", NudgeConfig{
		LatestVersion:  "2.0.0",
		DownloadURLARM: "https://example.com/arm.dmg",
	})
	n.now = func() time.Time { return sweepNow }

	res := n.Run(ctx, 0)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Sent)

	msgs := sender.sentTo("old@example.com")
	require.Len(t, msgs, 1)
	assert.Equal(t, email.UpdateNudgeSubject, msgs[0].Subject)
	assert.Contains(t, msgs[0].Text, "2.0.0")
	assert.Contains(t, msgs[0].Text, "https://example.com/arm.dmg")
	assert.Empty(t, sender.sentTo("new@example.com"))

	lic, err := reg.GetByKey(ctx, "DIRAC-OLD0-0001")
	require.NoError(t, err)
	require.NotNil(t, lic.UpdateNudgeSentAt)
	assert.Equal(t, registry.StatusTrial, lic.Status)

	res = n.Run(ctx, 10)
	assert.Zero(t, res.Candidates)
}

func TestHandleUpdateNudge(t *testing.T) {
	n := NewNudger(newTestRegistry(t), &recordingSender{}, "", NudgeConfig{})
	h := HandleUpdateNudge(n)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/internal/send-update-nudge?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/internal/send-update-nudge?limit=5", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"candidates":0,"sent":0,"errors":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/internal/send-update-nudge", strings.NewReader(`{"limit":-1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/internal/send-update-nudge", strings.NewReader(`{"limit":"ten"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUpdateNudgeLimitFromBody(t *testing.T) {
	reg := newTestRegistry(t)
	seedTrialEnding(t, reg, "DIRAC-OLD0-0001", "one@example.com", sweepNow.Add(48*time.Hour))
	seedTrialEnding(t, reg, "DIRAC-OLD0-0002", "two@example.com", sweepNow.Add(48*time.Hour))
	seedTrialEnding(t, reg, "DIRAC-OLD0-0003", "three@example.com", sweepNow.Add(48*time.Hour))

	sender := &recordingSender{}
	h := HandleUpdateNudge(NewNudger(reg, sender, "Dirac <peter@dirac.app>", NudgeConfig{
		LatestVersion:    "2.0.0",
		DownloadURLARM:   "https://example.com/arm.dmg",
		DownloadURLIntel: "https://example.com/intel.dmg",
	}))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/internal/send-update-nudge", strings.NewReader(`{"limit":1}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var res NudgeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Sent)

	// The query parameter takes precedence over the body.
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/internal/send-update-nudge?limit=5", strings.NewReader(`{"limit":1}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Candidates)
}
