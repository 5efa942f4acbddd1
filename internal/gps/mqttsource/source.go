// Package mqttsource is a gps.Provider fed by position reports published to an MQTT topic,
// for boats whose GPS or NMEA gateway pushes fixes to a broker.
package mqttsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/feed"
	"github.com/anchorwatch/anchorwatch/internal/gps"
	"github.com/anchorwatch/anchorwatch/pkg/geodesic"
)

// ErrInvalidPayload is returned for reports that are not a usable fix.
var ErrInvalidPayload = errors.New("invalid position payload")

// Config holds broker settings.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	qos, _ := strconv.Atoi(getEnvOrDefault("MQTT_QOS", "0"))
	timeout, _ := time.ParseDuration(getEnvOrDefault("MQTT_CONNECT_TIMEOUT", "10s"))

	return Config{
		Broker:         getEnvOrDefault("MQTT_BROKER", "tcp://localhost:1883"),
		ClientID:       getEnvOrDefault("MQTT_CLIENT_ID", ""),
		Username:       os.Getenv("MQTT_USERNAME"),
		Password:       os.Getenv("MQTT_PASSWORD"),
		Topic:          getEnvOrDefault("MQTT_GPS_TOPIC", "anchorwatch/gps"),
		QoS:            byte(qos),
		ConnectTimeout: timeout,
	}
}

// Payload is the JSON position report.
type Payload struct {
	Lat      *float64   `json:"lat"`
	Lon      *float64   `json:"lon"`
	Accuracy *float64   `json:"accuracy,omitempty"`
	Speed    *float64   `json:"speed,omitempty"`
	Heading  *float64   `json:"heading,omitempty"`
	Altitude *float64   `json:"altitude,omitempty"`
	TS       *time.Time `json:"ts,omitempty"`
}

// ParsePayload decodes a report. A missing ts is stamped with now.
func ParsePayload(raw []byte, now time.Time) (anchor.Position, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return anchor.Position{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Lat == nil || p.Lon == nil {
		return anchor.Position{}, fmt.Errorf("%w: lat and lon are required", ErrInvalidPayload)
	}
	if !geodesic.ValidCoordinate(*p.Lat, *p.Lon) {
		return anchor.Position{}, fmt.Errorf("%w: coordinate %f,%f out of range", ErrInvalidPayload, *p.Lat, *p.Lon)
	}
	if p.Accuracy != nil && (!geodesic.Finite(*p.Accuracy) || *p.Accuracy < 0) {
		return anchor.Position{}, fmt.Errorf("%w: accuracy", ErrInvalidPayload)
	}

	ts := now
	if p.TS != nil {
		ts = *p.TS
	}
	return anchor.Position{
		Timestamp: ts,
		Latitude:  *p.Lat,
		Longitude: *p.Lon,
		Accuracy:  p.Accuracy,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Altitude:  p.Altitude,
	}, nil
}

// Source keeps the latest reported fix. Service availability follows the broker connection.
type Source struct {
	cfg    Config
	logger zerolog.Logger
	client mqtt.Client
	latest *feed.Value[*anchor.Position]
	now    func() time.Time
}

// New creates a detached source. Call Connect to subscribe.
func New(cfg Config) *Source {
	if cfg.ClientID == "" {
		cfg.ClientID = "anchorwatch-" + uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Source{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "mqtt_gps").Str("topic", cfg.Topic).Logger(),
		latest: feed.NewWith[*anchor.Position](nil),
		now:    time.Now,
	}
}

// Connect dials the broker and subscribes to the position topic. The subscription is
// restored on reconnect.
func (s *Source) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			s.HandleMessage(msg.Payload())
		})
		if token.WaitTimeout(s.cfg.ConnectTimeout) && token.Error() != nil {
			s.logger.Error().Err(token.Error()).Msg("subscribe failed")
			return
		}
		s.logger.Info().Msg("subscribed to position topic")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("broker connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.ConnectTimeout):
		return fmt.Errorf("connect to %s: timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", s.cfg.Broker, err)
	}
	s.client = client
	return nil
}

// Close disconnects from the broker.
func (s *Source) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

// HandleMessage ingests one report. Invalid reports are logged and dropped.
func (s *Source) HandleMessage(payload []byte) {
	p, err := ParsePayload(payload, s.now())
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping position report")
		return
	}
	s.latest.Set(&p)
}

func (s *Source) ServiceEnabled(context.Context) bool {
	return s.client != nil && s.client.IsConnected()
}

// HasPermission is always true; access is governed by broker credentials.
func (s *Source) HasPermission(context.Context) bool { return true }

func (s *Source) RequestPermission(context.Context) (bool, error) { return true, nil }

func (s *Source) CurrentPosition(context.Context) (anchor.Position, error) {
	p, _ := s.latest.Get()
	if p == nil {
		return anchor.Position{}, gps.ErrNoFix
	}
	return *p.Clone(), nil
}

// Stream forwards reports as they arrive, at most one per interval; the newest wins.
func (s *Source) Stream(ctx context.Context, interval time.Duration, _ gps.Accuracy) (<-chan anchor.Position, error) {
	updates, cancel := s.latest.Subscribe()
	out := make(chan anchor.Position, 1)

	go func() {
		defer close(out)
		defer cancel()

		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-updates:
				if p == nil {
					continue
				}
				if wait := interval - time.Since(last); !last.IsZero() && wait > 0 {
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return
					}
					if newer, ok := drain(updates); ok && newer != nil {
						p = newer
					}
				}
				last = time.Now()
				select {
				case out <- *p.Clone():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func drain(ch <-chan *anchor.Position) (*anchor.Position, bool) {
	select {
	case p := <-ch:
		return p, true
	default:
		return nil, false
	}
}

var _ gps.Provider = (*Source)(nil)

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
