package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/api"
	"github.com/anchorwatch/anchorwatch/internal/api/handler"
	"github.com/anchorwatch/anchorwatch/internal/api/models"
	"github.com/anchorwatch/anchorwatch/internal/auth"
	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/internal/session/memstore"
	"github.com/anchorwatch/anchorwatch/internal/session/sessiontest"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type testAPI struct {
	t      *testing.T
	router http.Handler
	store  *memstore.Store
	jwt    *auth.JWTService
}

func testJWTConfig() auth.JWTConfig {
	return auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "https://sessions.anchorwatch.test",
		Audience:   "anchorwatch-sessions",
	}
}

func newTestAPI(t *testing.T, checks ...handler.ReadinessCheck) *testAPI {
	t.Helper()
	jwtService := auth.NewJWTService(testJWTConfig())
	authService := auth.NewService(auth.ServiceConfig{
		JWTService:  jwtService,
		UserRepo:    auth.NewInMemoryUserRepository(),
		RefreshRepo: auth.NewInMemoryRefreshTokenRepository(),
		Logger:      zerolog.Nop(),
	})
	store := memstore.New()
	router := api.NewRouter(api.RouterConfig{
		Version:            "test",
		BuildTime:          "2026-01-01T00:00:00Z",
		Logger:             zerolog.Nop(),
		AuthService:        authService,
		Store:              store,
		ReadinessChecks:    checks,
		StreamPingInterval: time.Second,
		Now:                func() time.Time { return testNow },
	})
	return &testAPI{t: t, router: router, store: store, jwt: jwtService}
}

func (a *testAPI) bearer(userID string) string {
	a.t.Helper()
	token, _, err := a.jwt.GenerateAccessToken(userID)
	require.NoError(a.t, err)
	return "Bearer " + token
}

func (a *testAPI) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", a.bearer(userID))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// seed stores a live session owned by owner, whose primary device is the owner itself.
func (a *testAPI) seed(n int, owner string) *session.Session {
	a.t.Helper()
	s := session.New(sessiontest.Token(n), owner, owner, 24*time.Hour, testNow.Add(-time.Hour))
	require.NoError(a.t, a.store.Create(context.Background(), s))
	return s
}

func problemType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var p models.Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p), rec.Body.String())
	return p.Type
}

func TestRouter_HealthCheck(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodGet, "/v1/ops/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))

	var health models.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.Equal(t, "test", health.Details["version"])
}

func TestRouter_ReadinessCheck(t *testing.T) {
	t.Run("all dependencies up", func(t *testing.T) {
		a := newTestAPI(t, handler.ReadinessCheck{Name: "store", Check: func(context.Context) error { return nil }})
		rec := a.do(http.MethodGet, "/v1/ops/ready", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("failing dependency", func(t *testing.T) {
		a := newTestAPI(t,
			handler.ReadinessCheck{Name: "store", Check: func(context.Context) error { return nil }},
			handler.ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
		)
		rec := a.do(http.MethodGet, "/v1/ops/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var ready models.Readiness
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
		assert.Equal(t, models.HealthStatusFail, ready.Status)
		require.Len(t, ready.Dependencies, 2)
		assert.Equal(t, models.HealthStatusFail, ready.Dependencies[1].Status)
		assert.Equal(t, "connection refused", ready.Dependencies[1].Detail)
	})
}

func TestRouter_AnonymousSignInAndRefresh(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/v1/auth/anonymous", "", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var first auth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.True(t, strings.HasPrefix(first.UserID, "usr_"))
	assert.NotEmpty(t, first.AccessToken)
	assert.NotEmpty(t, first.RefreshToken)

	rec = a.do(http.MethodPost, "/v1/auth/refresh", "", auth.RefreshTokenRequest{RefreshToken: first.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var second auth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.UserID, second.UserID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The first refresh token has been rotated out.
	rec = a.do(http.MethodPost, "/v1/auth/refresh", "", auth.RefreshTokenRequest{RefreshToken: first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_SessionsRequireAuth(t *testing.T) {
	a := newTestAPI(t)
	s := a.seed(1, "usr_owner")

	for _, path := range []string{"/v1/sessions/" + s.Token, "/v1/owners/me", "/v1/sessions/expired"} {
		rec := a.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, models.ProblemTypeUnauthorized, problemType(t, rec))
	}
}

func TestRouter_CreateSession(t *testing.T) {
	a := newTestAPI(t)
	owner := "usr_owner"

	doc := session.New(sessiontest.Token(1), owner, owner, 24*time.Hour, testNow)

	rec := a.do(http.MethodPost, "/v1/sessions", owner, doc)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/sessions/"+doc.Token, rec.Header().Get("Location"))

	stored, err := a.store.Get(context.Background(), doc.Token)
	require.NoError(t, err)
	assert.Equal(t, owner, stored.PrimaryOwner)

	t.Run("duplicate token", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/v1/sessions", owner, doc)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("owner must be caller", func(t *testing.T) {
		other := session.New(sessiontest.Token(2), "usr_someone_else", owner, 24*time.Hour, testNow)
		rec := a.do(http.MethodPost, "/v1/sessions", owner, other)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("malformed token", func(t *testing.T) {
		bad := session.New("not-a-token", owner, owner, 24*time.Hour, testNow)
		rec := a.do(http.MethodPost, "/v1/sessions", owner, bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("lifetime too long", func(t *testing.T) {
		long := session.New(sessiontest.Token(3), owner, owner, 48*time.Hour, testNow)
		rec := a.do(http.MethodPost, "/v1/sessions", owner, long)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("foreign device listed", func(t *testing.T) {
		s := session.New(sessiontest.Token(4), owner, "usr_other", 24*time.Hour, testNow)
		rec := a.do(http.MethodPost, "/v1/sessions", owner, s)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("schema violation", func(t *testing.T) {
		raw := []byte(`{"token":"` + sessiontest.Token(5) + `","primaryOwner":"usr_owner"}`)
		rec := a.do(http.MethodPost, "/v1/sessions", owner, raw)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader("token=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", a.bearer(owner))
		rec := httptest.NewRecorder()
		a.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})
}

func TestRouter_ReadAccess(t *testing.T) {
	a := newTestAPI(t)
	live := a.seed(1, "usr_owner")
	ended := a.seed(2, "usr_owner")
	require.NoError(t, a.store.AddDevice(context.Background(), ended.Token,
		session.Device{ID: "usr_joined", Role: session.RoleSecondary, JoinedAt: testNow}))
	require.NoError(t, a.store.Update(context.Background(), ended.Token, session.Fields{session.FieldActive: false}))

	tests := []struct {
		name   string
		token  string
		user   string
		status int
	}{
		{"owner reads live", live.Token, "usr_owner", http.StatusOK},
		{"token holder reads live", live.Token, "usr_stranger", http.StatusOK},
		{"owner reads ended", ended.Token, "usr_owner", http.StatusOK},
		{"joined device reads ended", ended.Token, "usr_joined", http.StatusOK},
		{"stranger denied on ended", ended.Token, "usr_stranger", http.StatusForbidden},
		{"missing", sessiontest.Token(99), "usr_owner", http.StatusNotFound},
		{"malformed token", "abc", "usr_owner", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodGet, "/v1/sessions/"+tt.token, tt.user, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			if tt.status == http.StatusOK {
				got, err := session.Decode(tt.token, rec.Body.Bytes())
				require.NoError(t, err)
				assert.Equal(t, "usr_owner", got.PrimaryOwner)
			}

			probe := a.do(http.MethodHead, "/v1/sessions/"+tt.token, tt.user, nil)
			if tt.status == http.StatusOK {
				assert.Equal(t, http.StatusNoContent, probe.Code)
			} else {
				assert.Equal(t, tt.status, probe.Code)
			}
		})
	}
}

func TestRouter_CorruptedDocument(t *testing.T) {
	a := newTestAPI(t)
	token := sessiontest.Token(7)
	a.store.Put(token, []byte(`{"token":"`+token+`","primaryOwner":42}`))

	rec := a.do(http.MethodGet, "/v1/sessions/"+token, "usr_owner", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, models.ProblemTypeUnprocessable, problemType(t, rec))
}

func TestRouter_UpdateSession(t *testing.T) {
	a := newTestAPI(t)
	s := a.seed(1, "usr_owner")
	path := "/v1/sessions/" + s.Token

	a1, err := anchor.New(10, 20, 30, testNow)
	require.NoError(t, err)

	rec := a.do(http.MethodPatch, path, "usr_owner", map[string]any{
		session.FieldAnchor:           a1,
		session.FieldMonitoringActive: true,
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	got, err := a.store.Get(context.Background(), s.Token)
	require.NoError(t, err)
	require.NotNil(t, got.Anchor)
	assert.Equal(t, 30.0, got.Anchor.Radius)
	assert.True(t, got.MonitoringActive)

	t.Run("null clears a field", func(t *testing.T) {
		rec := a.do(http.MethodPatch, path, "usr_owner", []byte(`{"anchor":null}`))
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

		got, err := a.store.Get(context.Background(), s.Token)
		require.NoError(t, err)
		assert.Nil(t, got.Anchor)
	})

	t.Run("only the owner writes", func(t *testing.T) {
		rec := a.do(http.MethodPatch, path, "usr_secondary", map[string]any{session.FieldMonitoringActive: false})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("read-only field", func(t *testing.T) {
		rec := a.do(http.MethodPatch, path, "usr_owner", map[string]any{"primaryOwner": "usr_thief"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid value", func(t *testing.T) {
		rec := a.do(http.MethodPatch, path, "usr_owner", map[string]any{session.FieldAnchor: map[string]any{"latitude": 200, "radius": 10}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty update", func(t *testing.T) {
		rec := a.do(http.MethodPatch, path, "usr_owner", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRouter_AddDevice(t *testing.T) {
	a := newTestAPI(t)
	s := a.seed(1, "usr_owner")
	path := "/v1/sessions/" + s.Token + "/devices"

	rec := a.do(http.MethodPost, path, "usr_secondary", session.Device{ID: "usr_secondary", Role: session.RoleSecondary})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	got, err := a.store.Get(context.Background(), s.Token)
	require.NoError(t, err)
	require.True(t, got.HasDevice("usr_secondary"))
	for _, d := range got.Devices {
		if d.ID == "usr_secondary" {
			assert.Equal(t, testNow, d.JoinedAt.UTC())
		}
	}

	tests := []struct {
		name   string
		user   string
		device session.Device
		status int
	}{
		{"someone else's device", "usr_secondary", session.Device{ID: "usr_other", Role: session.RoleSecondary}, http.StatusForbidden},
		{"joining as primary", "usr_secondary", session.Device{ID: "usr_secondary", Role: session.RolePrimary}, http.StatusForbidden},
		{"owner joining itself", "usr_owner", session.Device{ID: "usr_owner", Role: session.RoleSecondary}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, path, tt.user, tt.device)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	t.Run("ended session", func(t *testing.T) {
		require.NoError(t, a.store.Update(context.Background(), s.Token, session.Fields{session.FieldActive: false}))
		rec := a.do(http.MethodPost, path, "usr_late", session.Device{ID: "usr_late", Role: session.RoleSecondary})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRouter_DeleteSession(t *testing.T) {
	a := newTestAPI(t)
	s := a.seed(1, "usr_owner")
	path := "/v1/sessions/" + s.Token

	rec := a.do(http.MethodDelete, path, "usr_secondary", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodDelete, path, "usr_owner", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodGet, path, "usr_owner", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_OwnerIndex(t *testing.T) {
	a := newTestAPI(t)
	mine := a.seed(1, "usr_owner")
	theirs := a.seed(2, "usr_other")

	rec := a.do(http.MethodGet, "/v1/owners/me", "usr_owner", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPut, "/v1/owners/me", "usr_owner", models.OwnerSession{Token: theirs.Token})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPut, "/v1/owners/me", "usr_owner", models.OwnerSession{Token: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPut, "/v1/owners/me", "usr_owner", models.OwnerSession{Token: mine.Token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/v1/owners/me", "usr_owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.OwnerSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, mine.Token, got.Token)

	rec = a.do(http.MethodDelete, "/v1/owners/me", "usr_owner", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodGet, "/v1/owners/me", "usr_owner", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_ListExpired(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	expiredMine := session.New(sessiontest.Token(1), "usr_owner", "usr_owner", time.Hour, testNow.Add(-2*time.Hour))
	expiredTheirs := session.New(sessiontest.Token(2), "usr_other", "usr_other", time.Hour, testNow.Add(-2*time.Hour))
	require.NoError(t, a.store.Create(ctx, expiredMine))
	require.NoError(t, a.store.Create(ctx, expiredTheirs))
	a.seed(3, "usr_owner")

	// A future "before" is capped at the server clock.
	q := "?before=" + testNow.Add(48*time.Hour).Format(time.RFC3339Nano)
	rec := a.do(http.MethodGet, "/v1/sessions/expired"+q, "usr_owner", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out models.ExpiredSessions
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{expiredMine.Token}, out.Tokens)

	rec = a.do(http.MethodGet, "/v1/sessions/expired?limit=0", "usr_owner", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(http.MethodGet, "/v1/sessions/expired?before=yesterday", "usr_owner", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_Streams(t *testing.T) {
	a := newTestAPI(t)
	s := a.seed(1, "usr_owner")

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	dial := func(suffix string) *websocket.Conn {
		t.Helper()
		u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + s.Token + suffix
		conn, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": {a.bearer("usr_secondary")}})
		require.NoError(t, err)
		resp.Body.Close()
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	read := func(conn *websocket.Conn) session.Snapshot {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		snap, err := session.DecodeSnapshot(msg)
		require.NoError(t, err)
		return snap
	}

	docConn := dial("/stream")
	alarmConn := dial("/alarm/stream")

	first := read(docConn)
	assert.Equal(t, session.SessionPath(s.Token), first.Path)
	_, err := session.Decode(s.Token, first.Data)
	require.NoError(t, err)

	initialAlarm := read(alarmConn)
	assert.Equal(t, session.AlarmPath(s.Token), initialAlarm.Path)
	assert.Nil(t, initialAlarm.Data)

	alarm := anchor.AlarmEvent{
		ID:        anchor.NewAlarmID(),
		Type:      anchor.AlarmDriftExceeded,
		Severity:  anchor.SeverityAlarm,
		Timestamp: testNow,
		Position:  anchor.Position{Timestamp: testNow, Latitude: 10, Longitude: 20},
		Distance:  42,
	}
	require.NoError(t, a.store.Update(context.Background(), s.Token, session.Fields{session.FieldAlarm: alarm}))

	updated, err := session.Decode(s.Token, read(docConn).Data)
	require.NoError(t, err)
	require.NotNil(t, updated.Alarm)
	assert.Equal(t, alarm.ID, updated.Alarm.ID)

	mirrored, err := session.DecodeAlarm(read(alarmConn).Data)
	require.NoError(t, err)
	require.NotNil(t, mirrored)
	assert.Equal(t, alarm.ID, mirrored.ID)

	require.NoError(t, a.store.Delete(context.Background(), s.Token))
	gone := read(docConn)
	assert.Nil(t, gone.Data)
}

func TestRouter_StreamRejectsBeforeUpgrade(t *testing.T) {
	a := newTestAPI(t)

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + sessiontest.Token(42) + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": {a.bearer("usr_secondary")}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
