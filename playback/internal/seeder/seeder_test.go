package seeder

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

type capturePublisher struct {
	events  []map[string]interface{}
	keys    []string
	failAll bool
}

func (p *capturePublisher) Publish(ctx context.Context, partitionKey string, data []byte) (string, error) {
	if p.failAll {
		return "", errors.New("stream unavailable")
	}
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		return "", err
	}
	p.events = append(p.events, event)
	p.keys = append(p.keys, partitionKey)
	return "1", nil
}

func TestGenerator_EventShape(t *testing.T) {
	g := NewGenerator(42)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	event := g.Event(at)
	for _, field := range []string{"id", "action", "page", "referrer", "session_id", "client_ip", "user_agent", "country"} {
		assert.NotEmpty(t, event[field], field)
	}
	assert.Equal(t, "2024-05-01T12:00:00.000Z", event["@timestamp"])
	assert.Contains(t, actions, event["action"])
}

func TestGenerator_SeedIsDeterministic(t *testing.T) {
	at := time.Now()
	a := NewGenerator(7).Event(at)
	b := NewGenerator(7).Event(at)
	assert.Equal(t, a, b)
}

func TestGenerator_EventTimeStaysInSpread(t *testing.T) {
	g := NewGenerator(1)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	spread := time.Hour

	for i := 0; i < 100; i++ {
		ts := g.EventTime(now, i, 100, spread)
		assert.False(t, ts.After(now), "event %d after now", i)
		assert.False(t, ts.Before(now.Add(-spread)), "event %d before spread", i)
	}

	assert.Equal(t, now, g.EventTime(now, 3, 10, 0))
}

func TestRunner_PublishesCount(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRunner(Config{Count: 25, Seed: 3, TimeSpread: 10 * time.Minute}, pub, logging.Nop())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, summary.Sent)
	assert.Equal(t, 0, summary.Failed)
	require.Len(t, pub.events, 25)

	seen := make(map[string]bool)
	for i, event := range pub.events {
		_, err := models.ParseTimestamp(event["@timestamp"].(string))
		assert.NoError(t, err)
		assert.False(t, seen[pub.keys[i]], "partition keys are unique")
		seen[pub.keys[i]] = true
	}
}

func TestRunner_CountsFailures(t *testing.T) {
	pub := &capturePublisher{failAll: true}
	r := NewRunner(Config{Count: 5, Seed: 3}, pub, logging.Nop())

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, 5, summary.Failed)
}

func TestRunner_StopsOnCancel(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRunner(Config{Count: 1000, Seed: 3, Interval: time.Hour}, pub, logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	summary, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, summary.Sent)
}
