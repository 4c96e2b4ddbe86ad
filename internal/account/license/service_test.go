package license

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/events"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	apperrors "github.com/Dirac-Team/Dirac-Waitlist/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []email.Message
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg email.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
}

func (d *recordingDispatcher) messages() []email.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]email.Message(nil), d.msgs...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc       *Service
	reg       *registry.LicenseRegistry
	mail      *recordingDispatcher
	publisher *recordingPublisher
	clock     *clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := registry.NewSQLiteRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	mail := &recordingDispatcher{}
	pub := &recordingPublisher{}
	svc, err := NewService(reg, mail, pub, Config{
		KeyPrefix:        "DIRAC",
		TrialDuration:    4 * 24 * time.Hour,
		EmailFrom:        "Dirac <peter@dirac.app>",
		DownloadURLARM:   "https://example.com/dirac-arm.dmg",
		DownloadURLIntel: "https://example.com/dirac-intel.dmg",
	})
	require.NoError(t, err)

	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = c.Now
	return &testEnv{svc: svc, reg: reg, mail: mail, publisher: pub, clock: c}
}

func TestIssueTrialCreatesLicense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.IssueTrial(ctx, IssueRequest{
		Email:       "  New.User@Example.com ",
		Platform:    "Intel",
		Preferences: json.RawMessage(`{"hotkey":"cmd+space"}`),
	})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, "new.user@example.com", res.Email)
	assert.Regexp(t, generatedKeyPattern, res.LicenseKey)
	assert.Equal(t, env.clock.Now().Add(96*time.Hour), res.TrialEndsAt)

	stored, err := env.reg.GetByKey(ctx, res.LicenseKey)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, registry.StatusTrial, stored.Status)
	assert.Equal(t, "intel", stored.Platform)
	assert.JSONEq(t, `{"hotkey":"cmd+space"}`, string(stored.Preferences))
	assert.Empty(t, stored.BoundDeviceID)
	assert.Empty(t, stored.PaymentSessionID)

	msgs := env.mail.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "new.user@example.com", msgs[0].To)
	assert.Equal(t, email.WelcomeSubject, msgs[0].Subject)
	assert.Contains(t, msgs[0].Text, res.LicenseKey)
	assert.Contains(t, msgs[0].Text, "https://example.com/dirac-intel.dmg")

	assert.Equal(t, []events.Type{events.LicenseIssued}, env.publisher.types())
}

func TestIssueTrialIsIdempotentPerEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.IssueTrial(ctx, IssueRequest{Email: "a@example.com"})
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	second, err := env.svc.IssueTrial(ctx, IssueRequest{Email: "A@example.com"})
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.LicenseKey, second.LicenseKey)
	assert.Equal(t, first.TrialEndsAt, second.TrialEndsAt)
	assert.Len(t, env.mail.messages(), 1, "welcome email only for the new license")
}

func TestIssueTrialConcurrentSameEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 8
	keys := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.svc.IssueTrial(ctx, IssueRequest{Email: "race@example.com"})
			if assert.NoError(t, err) {
				keys[i] = res.LicenseKey
			}
		}(i)
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
	all, err := env.reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIssueTrialRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, req := range []IssueRequest{
		{Email: ""},
		{Email: "not-an-email"},
		{Email: "a@example.com", Preferences: json.RawMessage(`[1,2]`)},
		{Email: "a@example.com", Preferences: json.RawMessage(`{broken`)},
	} {
		_, err := env.svc.IssueTrial(ctx, req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidInput), "request %+v", req)
	}
	assert.Empty(t, env.mail.messages())
}

type collidingStore struct {
	Store
	lookups int
}

func (s *collidingStore) GetByEmail(context.Context, string) (*registry.License, error) {
	return nil, nil
}

func (s *collidingStore) GetByKey(_ context.Context, key string) (*registry.License, error) {
	s.lookups++
	return &registry.License{Key: key}, nil
}

func TestIssueTrialFailsClosedWhenKeysExhausted(t *testing.T) {
	store := &collidingStore{}
	svc, err := NewService(store, nil, nil, Config{KeyPrefix: "DIRAC", MaxKeyAttempts: 3})
	require.NoError(t, err)

	_, err = svc.IssueTrial(context.Background(), IssueRequest{Email: "a@example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyGenerationExhausted)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 3, store.lookups)
}

func issueKey(t *testing.T, env *testEnv, addr string) string {
	t.Helper()
	res, err := env.svc.IssueTrial(context.Background(), IssueRequest{Email: addr})
	require.NoError(t, err)
	return res.LicenseKey
}

func TestVerifyBindsFirstDeviceAndRejectsOthers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := issueKey(t, env, "a@example.com")

	res, err := env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "device-a", Platform: "arm", AppVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, VerifyActive, res.Status)
	assert.Equal(t, "a@example.com", res.Email)
	require.NotNil(t, res.TrialEndsAt)

	res, err = env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "device-b"})
	require.NoError(t, err)
	assert.Equal(t, VerifyDeviceMismatch, res.Status)
	assert.Equal(t, "License already activated on another device", res.Message)

	res, err = env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "device-a"})
	require.NoError(t, err)
	assert.Equal(t, VerifyActive, res.Status)

	stored, err := env.reg.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "device-a", stored.BoundDeviceID)
	assert.Equal(t, "1.0.0", stored.AppVersion)
	assert.Equal(t, "arm", stored.Platform)

	assert.Equal(t, []events.Type{events.LicenseIssued, events.LicenseDeviceBound}, env.publisher.types())
}

func TestVerifyNormalizesKeyAndUpdatesAppVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := issueKey(t, env, "a@example.com")

	_, err := env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "device-a", AppVersion: "1.0.0"})
	require.NoError(t, err)

	res, err := env.svc.Verify(ctx, VerifyRequest{Key: "  " + strings.ToLower(key) + " ", DeviceID: " device-a ", AppVersion: "1.1.0"})
	require.NoError(t, err)
	assert.Equal(t, VerifyActive, res.Status)

	stored, err := env.reg.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", stored.AppVersion)
}

func TestVerifyConcurrentFirstActivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := issueKey(t, env, "a@example.com")

	devices := []string{"d1", "d2", "d3", "d4", "d5", "d6"}
	results := make([]VerifyStatus, len(devices))
	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			res, err := env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: d})
			if assert.NoError(t, err) {
				results[i] = res.Status
			}
		}(i, d)
	}
	wg.Wait()

	active := 0
	for _, s := range results {
		if s == VerifyActive {
			active++
		} else {
			assert.Equal(t, VerifyDeviceMismatch, s)
		}
	}
	assert.Equal(t, 1, active)
}

func TestVerifyInvalidInputs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Verify(ctx, VerifyRequest{Key: "", DeviceID: "d"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	assert.Equal(t, VerifyInvalid, res.Status)

	res, err = env.svc.Verify(ctx, VerifyRequest{Key: "DIRAC-AB12-CD34", DeviceID: "  "})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	assert.Equal(t, VerifyInvalid, res.Status)

	res, err = env.svc.Verify(ctx, VerifyRequest{Key: "bogus", DeviceID: "d"})
	require.NoError(t, err)
	assert.Equal(t, VerifyInvalid, res.Status)
	assert.Equal(t, "Invalid license key format", res.Message)

	res, err = env.svc.Verify(ctx, VerifyRequest{Key: "DIRAC-AB12-CD34", DeviceID: "d"})
	require.NoError(t, err)
	assert.Equal(t, VerifyInvalid, res.Status)
	assert.Equal(t, "License key not found", res.Message)
}

func TestVerifyExpiredTrialIsInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := issueKey(t, env, "a@example.com")

	env.clock.Advance(4 * 24 * time.Hour)
	res, err := env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "device-a"})
	require.NoError(t, err)
	assert.Equal(t, VerifyInactive, res.Status)
	assert.Equal(t, "Trial expired", res.Message)

	stored, err := env.reg.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, stored.BoundDeviceID, "inactive licenses never bind")
}

func TestVerifyPaidLicenseOutlivesTrial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := issueKey(t, env, "a@example.com")

	applied, err := env.reg.MarkUpgraded(ctx, key, registry.PaymentRefs{SessionID: "cs_1", SubscriptionID: "sub_1"}, env.clock.Now())
	require.NoError(t, err)
	require.True(t, applied)

	env.clock.Advance(30 * 24 * time.Hour)
	res, err := env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "device-a"})
	require.NoError(t, err)
	assert.Equal(t, VerifyActive, res.Status)
	assert.Nil(t, res.TrialEndsAt)

	_, err = env.reg.TransitionSubscription(ctx, registry.SubscriptionChange{
		SubscriptionID: "sub_1",
		From:           registry.SubStateActive,
		To:             registry.SubStateCanceled,
		EventAt:        env.clock.Now(),
	}, env.clock.Now())
	require.NoError(t, err)
	res, err = env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "device-a"})
	require.NoError(t, err)
	assert.Equal(t, VerifyInactive, res.Status)
	assert.Equal(t, "License key is not active", res.Message)
}

func TestResetDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := issueKey(t, env, "a@example.com")

	_, err := env.svc.ResetDevice(ctx, "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	_, err = env.svc.ResetDevice(ctx, "DIRAC-ZZZZ-ZZZZ")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	got, err := env.svc.ResetDevice(ctx, strings.ToLower(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)
	assert.Contains(t, env.publisher.types(), events.LicenseDeviceReset)
}

// Issue, bind, reject a second device, reset, rebind, then expire.
func TestLicenseLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := env.clock.Now()

	res, err := env.svc.IssueTrial(ctx, IssueRequest{Email: "a@x.com"})
	require.NoError(t, err)
	key := res.LicenseKey
	assert.Equal(t, start.Add(4*24*time.Hour), res.TrialEndsAt)

	v, err := env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "D1"})
	require.NoError(t, err)
	assert.Equal(t, VerifyActive, v.Status)

	v, err = env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "D2"})
	require.NoError(t, err)
	assert.Equal(t, VerifyDeviceMismatch, v.Status)

	_, err = env.svc.ResetDevice(ctx, key)
	require.NoError(t, err)

	v, err = env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "D2"})
	require.NoError(t, err)
	assert.Equal(t, VerifyActive, v.Status)

	v, err = env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "D1"})
	require.NoError(t, err)
	assert.Equal(t, VerifyDeviceMismatch, v.Status)

	env.clock.Advance(4*24*time.Hour + time.Minute)
	v, err = env.svc.Verify(ctx, VerifyRequest{Key: key, DeviceID: "D2"})
	require.NoError(t, err)
	assert.Equal(t, VerifyInactive, v.Status)
}

func TestDownloadURLByPlatform(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, "https://example.com/dirac-arm.dmg", env.svc.downloadURL(""))
	assert.Equal(t, "https://example.com/dirac-arm.dmg", env.svc.downloadURL("arm64"))
	assert.Equal(t, "https://example.com/dirac-intel.dmg", env.svc.downloadURL("x86_64"))
}
