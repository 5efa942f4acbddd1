package mqttsource_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/gps"
	"github.com/anchorwatch/anchorwatch/internal/gps/mqttsource"
)

func TestParsePayload(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("full report", func(t *testing.T) {
		p, err := mqttsource.ParsePayload([]byte(`{"lat":52.1,"lon":4.3,"accuracy":4.5,"speed":0.3,"heading":181,"altitude":2,"ts":"2026-06-01T11:59:58Z"}`), now)
		require.NoError(t, err)
		assert.Equal(t, 52.1, p.Latitude)
		assert.Equal(t, 4.3, p.Longitude)
		require.NotNil(t, p.Accuracy)
		assert.Equal(t, 4.5, *p.Accuracy)
		require.NotNil(t, p.Heading)
		assert.Equal(t, 181.0, *p.Heading)
		assert.Equal(t, now.Add(-2*time.Second), p.Timestamp)
	})

	t.Run("missing ts uses now", func(t *testing.T) {
		p, err := mqttsource.ParsePayload([]byte(`{"lat":0,"lon":0}`), now)
		require.NoError(t, err)
		assert.Equal(t, now, p.Timestamp)
		assert.Nil(t, p.Accuracy)
	})

	for name, raw := range map[string]string{
		"not json":          `lat=1`,
		"missing lon":       `{"lat":1}`,
		"latitude range":    `{"lat":91,"lon":0}`,
		"negative accuracy": `{"lat":1,"lon":1,"accuracy":-1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := mqttsource.ParsePayload([]byte(raw), now)
			assert.ErrorIs(t, err, mqttsource.ErrInvalidPayload)
		})
	}
}

func TestSource_LatestFix(t *testing.T) {
	src := mqttsource.New(mqttsource.Config{Topic: "boats/test/gps", Logger: zerolog.Nop()})
	ctx := context.Background()

	assert.False(t, src.ServiceEnabled(ctx), "not connected")
	assert.True(t, src.HasPermission(ctx))

	_, err := src.CurrentPosition(ctx)
	assert.ErrorIs(t, err, gps.ErrNoFix)

	src.HandleMessage([]byte(`{"lat":10,"lon":20}`))
	src.HandleMessage([]byte(`garbage`))

	p, err := src.CurrentPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, p.Latitude)
}

func TestSource_Stream(t *testing.T) {
	src := mqttsource.New(mqttsource.Config{Topic: "boats/test/gps", Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := src.Stream(ctx, 50*time.Millisecond, gps.AccuracyHigh)
	require.NoError(t, err)

	src.HandleMessage([]byte(`{"lat":10,"lon":20}`))
	select {
	case p := <-ch:
		assert.Equal(t, 10.0, p.Latitude)
	case <-time.After(time.Second):
		t.Fatal("no position delivered")
	}

	// Reports inside the interval collapse to the newest.
	src.HandleMessage([]byte(`{"lat":11,"lon":20}`))
	time.Sleep(5 * time.Millisecond)
	src.HandleMessage([]byte(`{"lat":12,"lon":20}`))

	select {
	case p := <-ch:
		assert.Equal(t, 12.0, p.Latitude)
	case <-time.After(time.Second):
		t.Fatal("no position delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_GPS_TOPIC", "boat/gps")
	t.Setenv("MQTT_QOS", "1")

	cfg := mqttsource.ConfigFromEnv()
	assert.Equal(t, "tcp://broker:1883", cfg.Broker)
	assert.Equal(t, "boat/gps", cfg.Topic)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
}
