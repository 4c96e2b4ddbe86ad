package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIDAndUTC(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	e := New(LicenseIssued, "DIRAC-AB12-CD34", "a@example.com", at)

	assert.Len(t, e.ID, 26)
	assert.Equal(t, time.UTC, e.OccurredAt.Location())
	assert.True(t, e.OccurredAt.Equal(at))

	other := New(LicenseIssued, "DIRAC-AB12-CD34", "a@example.com", at)
	assert.NotEqual(t, e.ID, other.ID)
}

func TestWithDoesNotMutateOriginal(t *testing.T) {
	base := New(LicenseUpgraded, "DIRAC-AB12-CD34", "", time.Now())
	withSession := base.With("session_id", "cs_1")

	assert.Nil(t, base.Attributes)
	assert.Equal(t, "cs_1", withSession.Attributes["session_id"])
}

func TestMessageForKeysByLicense(t *testing.T) {
	e := New(LicenseDeviceBound, "DIRAC-AB12-CD34", "a@example.com", time.Now()).With("device_id", "dev-1")

	msg, err := messageFor(e)
	require.NoError(t, err)
	assert.Equal(t, "DIRAC-AB12-CD34", string(msg.Key))
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, string(LicenseDeviceBound), string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "dev-1", decoded.Attributes["device_id"])
}

func TestNewKafkaPublisherValidatesInput(t *testing.T) {
	_, err := NewKafkaPublisher([]string{" ", ""}, "license-events")
	assert.Error(t, err)

	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092", " kafka-2:9092 "}, "license-events")
	require.NoError(t, err)
	assert.Equal(t, "license-events", p.writer.Topic)
	assert.True(t, p.writer.Async)
	require.NoError(t, p.Close())
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("broker unavailable")
}
func (f *failingPublisher) Close() error { return nil }

func TestEmitSwallowsErrors(t *testing.T) {
	p := &failingPublisher{}
	assert.NotPanics(t, func() {
		Emit(context.Background(), p, New(LicenseIssued, "DIRAC-AB12-CD34", "", time.Now()))
		Emit(context.Background(), nil, New(LicenseIssued, "DIRAC-AB12-CD34", "", time.Now()))
	})
	assert.Equal(t, 1, p.calls)
}
