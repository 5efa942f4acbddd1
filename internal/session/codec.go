package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/pkg/geodesic"
)

// wireSession mirrors Session with pointers for required fields so absence can be detected.
type wireSession struct {
	Token            string             `json:"token"`
	PrimaryOwner     string             `json:"primaryOwner"`
	Devices          []Device           `json:"devices"`
	CreatedAt        *time.Time         `json:"createdAt"`
	ExpiresAt        *time.Time         `json:"expiresAt"`
	Active           *bool              `json:"active"`
	MonitoringActive bool               `json:"monitoringActive"`
	Anchor           *anchor.Anchor     `json:"anchor"`
	Position         *anchor.Position   `json:"position"`
	Alarm            *anchor.AlarmEvent `json:"alarm"`
	Track            string             `json:"track"`
	UpdatedAt        *time.Time         `json:"updatedAt"`
}

// Decode parses and validates a raw session document. Every failure wraps ErrCorrupted.
func Decode(token string, raw []byte) (*Session, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: empty document", ErrCorrupted)
	}

	var w wireSession
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	switch {
	case w.Token != token:
		return nil, fmt.Errorf("%w: token mismatch", ErrCorrupted)
	case w.PrimaryOwner == "":
		return nil, fmt.Errorf("%w: missing primaryOwner", ErrCorrupted)
	case w.CreatedAt == nil || w.ExpiresAt == nil:
		return nil, fmt.Errorf("%w: missing timestamps", ErrCorrupted)
	case w.Active == nil:
		return nil, fmt.Errorf("%w: missing active flag", ErrCorrupted)
	case !w.ExpiresAt.After(*w.CreatedAt):
		return nil, fmt.Errorf("%w: expiresAt not after createdAt", ErrCorrupted)
	}

	for i, d := range w.Devices {
		if d.ID == "" || !d.Role.Valid() {
			return nil, fmt.Errorf("%w: device %d invalid", ErrCorrupted, i)
		}
	}
	if w.Anchor != nil {
		if err := w.Anchor.Validate(); err != nil {
			return nil, fmt.Errorf("%w: anchor: %v", ErrCorrupted, err)
		}
	}
	if w.Position != nil && !geodesic.ValidCoordinate(w.Position.Latitude, w.Position.Longitude) {
		return nil, fmt.Errorf("%w: position out of range", ErrCorrupted)
	}
	if w.Alarm != nil {
		if err := validateAlarm(w.Alarm); err != nil {
			return nil, err
		}
	}

	s := &Session{
		Token:            w.Token,
		PrimaryOwner:     w.PrimaryOwner,
		Devices:          w.Devices,
		CreatedAt:        *w.CreatedAt,
		ExpiresAt:        *w.ExpiresAt,
		Active:           *w.Active,
		MonitoringActive: w.MonitoringActive,
		Anchor:           w.Anchor,
		Position:         w.Position,
		Alarm:            w.Alarm,
		Track:            w.Track,
	}
	if w.UpdatedAt != nil {
		s.UpdatedAt = *w.UpdatedAt
	}
	return s, nil
}

// DecodeAlarm parses an alarm slot. A nil or JSON null value yields nil.
func DecodeAlarm(raw []byte) (*anchor.AlarmEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var a anchor.AlarmEvent
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return nil, fmt.Errorf("%w: alarm: %v", ErrCorrupted, err)
	}
	if err := validateAlarm(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

func validateAlarm(a *anchor.AlarmEvent) error {
	if a.ID == "" || !a.Type.Valid() || !a.Severity.Valid() {
		return fmt.Errorf("%w: alarm fields invalid", ErrCorrupted)
	}
	return nil
}

// Encode marshals a session document.
func Encode(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

// ApplyFields applies a partial update to a raw document and validates the result.
func ApplyFields(token string, raw []byte, fields Fields) ([]byte, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrInvalidUpdate)
	}

	if _, err := Decode(token, raw); err != nil {
		return nil, err
	}
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	for k, v := range fields {
		if !mutableFields[k] {
			return nil, fmt.Errorf("%w: field %q is not writable", ErrInvalidUpdate, k)
		}
		if v == nil {
			delete(doc, k)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidUpdate, k, err)
		}
		if bytes.Equal(b, []byte("null")) {
			delete(doc, k)
			continue
		}
		doc[k] = b
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if _, err := Decode(token, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return out, nil
}

// ApplyDevice adds d to the document's device list, replacing an entry with the same ID.
func ApplyDevice(token string, raw []byte, d Device) ([]byte, error) {
	if d.ID == "" || !d.Role.Valid() {
		return nil, fmt.Errorf("%w: device", ErrInvalidUpdate)
	}
	s, err := Decode(token, raw)
	if err != nil {
		return nil, err
	}

	replaced := false
	for i := range s.Devices {
		if s.Devices[i].ID == d.ID {
			s.Devices[i] = d
			replaced = true
		}
	}
	if !replaced {
		s.Devices = append(s.Devices, d)
	}

	// Re-apply onto the raw map so unknown fields written by newer clients survive.
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	devices, err := json.Marshal(s.Devices)
	if err != nil {
		return nil, err
	}
	doc["devices"] = devices
	return json.Marshal(doc)
}

// AlarmData extracts the raw alarm slot from a document; nil when absent.
func AlarmData(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	var doc struct {
		Alarm json.RawMessage `json:"alarm"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	if len(doc.Alarm) == 0 || bytes.Equal(doc.Alarm, []byte("null")) {
		return nil
	}
	return doc.Alarm
}

// ExpiresAt reads the expiry from a raw document without full validation.
func ExpiresAt(raw []byte) (time.Time, bool) {
	var doc struct {
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.ExpiresAt == nil {
		return time.Time{}, false
	}
	return *doc.ExpiresAt, true
}

// StreamEvent is the wire form of a Snapshot on realtime transports. Data is JSON
// null when the location is absent.
type StreamEvent struct {
	Path Path            `json:"path"`
	Data json.RawMessage `json:"data"`
}

// EncodeSnapshot marshals snap as a StreamEvent.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	data := json.RawMessage("null")
	if len(snap.Data) > 0 {
		data = snap.Data
	}
	return json.Marshal(StreamEvent{Path: snap.Path, Data: data})
}

// DecodeSnapshot parses a StreamEvent back into a Snapshot.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	var ev StreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Snapshot{}, fmt.Errorf("%w: stream event: %v", ErrCorrupted, err)
	}
	snap := Snapshot{Path: ev.Path}
	if trimmed := bytes.TrimSpace(ev.Data); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		snap.Data = trimmed
	}
	return snap, nil
}
