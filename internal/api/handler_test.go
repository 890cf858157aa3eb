package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/channelops/internal/clearnode"
	"github.com/punchamoorthee/channelops/internal/domain"
	"github.com/punchamoorthee/channelops/internal/events"
	"github.com/punchamoorthee/channelops/internal/ratelimit"
	"github.com/punchamoorthee/channelops/internal/service"
)

type fakeAudit struct {
	entries []domain.ActionEntry
	err     error
}

func (f *fakeAudit) GetActions(ctx context.Context, sessionID string) ([]domain.ActionEntry, error) {
	return f.entries, f.err
}

type testEnv struct {
	router *mux.Router
	sim    *clearnode.Simulator
	bus    *events.Bus
}

func defaultPolicies() Policies {
	p := ratelimit.Policy{Window: time.Minute, Max: 100}
	return Policies{Guest: p, Auth: p, Hook: p}
}

func newEnv(t *testing.T, p Policies, audit AuditReader) *testEnv {
	t.Helper()
	return newProxiedEnv(t, p, audit, nil)
}

func newProxiedEnv(t *testing.T, p Policies, audit AuditReader, proxies TrustedProxies) *testEnv {
	t.Helper()
	sim := clearnode.NewSimulator(0)
	bus := events.NewBus()
	svc := service.NewSessionService(sim, bus, nil, zap.NewNop(), time.Second)
	h := NewHandler(svc, bus, audit, zap.NewNop())
	return &testEnv{
		router: NewRouter(h, ratelimit.NewMemory(), p, proxies, zap.NewNop()),
		sim:    sim,
		bus:    bus,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.doFrom(t, method, path, body, "192.0.2.1:1234", "")
}

func (e *testEnv) doFrom(t *testing.T, method, path, body, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, "POST", "/api/v1/sessions", `{"wallet":"0xABC"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp stateResponse
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.ID)
	assert.Equal(t, domain.SessionDisconnected, resp.State.Status)
	return resp.ID
}

func TestSessionScenarioOverHTTP(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	id := env.createSession(t)
	base := "/api/v1/sessions/" + id

	rec := env.do(t, "POST", base+"/deposit", `{"amount":100000000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, "POST", base+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st stateResponse
	decode(t, rec, &st)
	assert.Equal(t, domain.SessionActive, st.State.Status)
	assert.Equal(t, "100.00", st.State.Balance)
	assert.True(t, strings.HasPrefix(st.State.SessionID, "session-"))

	rec = env.do(t, "POST", base+"/actions", `{"type":"swap","amount":"12.50"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var charge domain.ChargeResponse
	decode(t, rec, &charge)
	assert.Equal(t, "87.50", charge.Balance)
	assert.Equal(t, "swap", charge.Entry.Type)

	rec = env.do(t, "POST", base+"/actions", `{"type":"lp","amount":"90"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	decode(t, rec, &st)
	assert.Equal(t, "87.50", st.State.Balance)
	assert.Contains(t, st.Error, "insufficient balance")

	rec = env.do(t, "GET", base+"/actions?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []domain.ActionEntry
	decode(t, rec, &entries)
	require.Len(t, entries, 1)

	rec = env.do(t, "GET", base+"/actions/totals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var totals map[string]domain.ActionTotal
	decode(t, rec, &totals)
	assert.Equal(t, "12.5", totals["swap"].Total)

	rec = env.do(t, "POST", base+"/end", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.Equal(t, domain.SessionSettled, st.State.Status)
	assert.Equal(t, "87.50", st.State.Balance)

	rec = env.do(t, "DELETE", base, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, "GET", base, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChargeBeforeStartConflicts(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	id := env.createSession(t)

	rec := env.do(t, "POST", "/api/v1/sessions/"+id+"/actions", `{"type":"swap","amount":"1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, "POST", "/api/v1/sessions/"+id+"/end", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestChargeValidation(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	id := env.createSession(t)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/sessions/"+id+"/start", "").Code)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/sessions/"+id+"/actions", `{`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/v1/sessions/"+id+"/actions", `{"amount":"1"}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/v1/sessions/"+id+"/actions", `{"type":"swap","amount":"-1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/v1/sessions/"+id+"/actions?limit=x", "").Code)
}

func TestCreateSessionRequiresWallet(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/v1/sessions", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/sessions", `nope`).Code)
}

func TestDepositFailureIsBadGateway(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	id := env.createSession(t)
	env.sim.FailNext(clearnode.OpDeposit, errors.New("transfer reverted"))

	rec := env.do(t, "POST", "/api/v1/sessions/"+id+"/deposit", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var st stateResponse
	decode(t, rec, &st)
	assert.Equal(t, domain.SessionError, st.State.Status)
	assert.Contains(t, st.State.Error, "transfer reverted")

	rec = env.do(t, "GET", "/api/v1/sessions/"+id, "")
	decode(t, rec, &st)
	assert.Equal(t, domain.SessionError, st.State.Status)
	assert.False(t, st.State.IsDeposited)
}

func TestAuthRateLimit(t *testing.T) {
	p := defaultPolicies()
	p.Auth = ratelimit.Policy{Window: time.Minute, Max: 2}
	env := newEnv(t, p, nil)

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(t, "POST", "/api/v1/sessions", `{"wallet":"0xabc"}`).Code)
	}
	assert.Equal(t, []int{201, 201, 429}, codes)

	// Another wallet from the same address has its own window.
	assert.Equal(t, http.StatusCreated, env.do(t, "POST", "/api/v1/sessions", `{"wallet":"0xdef"}`).Code)
}

func TestDepositOverflowIsRejected(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	id := env.createSession(t)
	base := "/api/v1/sessions/" + id

	rec := env.do(t, "POST", base+"/deposit", `{"amount":9223372036854775808}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, "POST", base+"/deposit", `{"amount":9223372036854775807}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, "POST", base+"/deposit", `{"amount":9223372036854775807}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var st stateResponse
	decode(t, rec, &st)
	assert.Equal(t, "9223372036854.78", st.State.Balance)
	assert.True(t, st.State.IsDeposited)
}

func TestAuthRateLimitIgnoresUntrustedForwardedFor(t *testing.T) {
	p := defaultPolicies()
	p.Auth = ratelimit.Policy{Window: time.Minute, Max: 2}
	env := newEnv(t, p, nil)

	codes := []int{}
	for i := 0; i < 4; i++ {
		xff := fmt.Sprintf("198.51.100.%d", i)
		codes = append(codes, env.doFrom(t, "POST", "/api/v1/sessions", `{"wallet":"0xabc"}`, "192.0.2.1:1234", xff).Code)
	}
	assert.Equal(t, []int{201, 201, 429, 429}, codes)
}

func TestAuthRateLimitHonoursTrustedProxy(t *testing.T) {
	p := defaultPolicies()
	p.Auth = ratelimit.Policy{Window: time.Minute, Max: 1}
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	env := newProxiedEnv(t, p, nil, proxies)

	send := func(xff string) int {
		return env.doFrom(t, "POST", "/api/v1/sessions", `{"wallet":"0xabc"}`, "10.1.2.3:4000", xff).Code
	}
	assert.Equal(t, http.StatusCreated, send("198.51.100.1"))
	assert.Equal(t, http.StatusCreated, send("198.51.100.2"))
	// A spoofed leftmost hop does not change the address the proxy saw.
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.9, 198.51.100.2"))
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7"})
	require.NoError(t, err)

	cases := []struct {
		remote, xff, want string
	}{
		{"192.0.2.1:1234", "198.51.100.1", "192.0.2.1"},
		{"10.0.0.1:1234", "", "10.0.0.1"},
		{"10.0.0.1:1234", "198.51.100.1", "198.51.100.1"},
		{"10.0.0.1:1234", "198.51.100.1, 192.0.2.7", "198.51.100.1"},
		{"10.0.0.1:1234", "junk", "10.0.0.1"},
		{"192.0.2.7:80", "10.0.0.2", "10.0.0.2"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		assert.Equal(t, tc.want, proxies.ClientIP(req), tc.remote+" "+tc.xff)
	}

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	huge := `{"wallet":"` + strings.Repeat("a", maxBodyBytes+1) + `"}`

	rec := env.do(t, "POST", "/api/v1/sessions", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	id := env.createSession(t)
	rec = env.do(t, "POST", "/api/v1/sessions/"+id+"/actions", `{"type":"`+strings.Repeat("a", maxBodyBytes+1)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGuestRateLimitIsPerSession(t *testing.T) {
	p := defaultPolicies()
	p.Guest = ratelimit.Policy{Window: time.Minute, Max: 1}
	env := newEnv(t, p, nil)
	a := env.createSession(t)
	b := env.createSession(t)

	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/sessions/"+a+"/start", "").Code)
	rec := env.do(t, "POST", "/api/v1/sessions/"+a+"/actions", `{"type":"swap","amount":"1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/sessions/"+b+"/start", "").Code)
}

func TestAudit(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "GET", "/api/v1/sessions/x/audit", "").Code)

	audit := &fakeAudit{entries: []domain.ActionEntry{
		{Type: "swap", Amount: "1", Units: 1_000_000},
		{Type: "swap", Amount: "2", Units: 2_000_000},
	}}
	env = newEnv(t, defaultPolicies(), audit)
	rec := env.do(t, "GET", "/api/v1/sessions/x/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries []domain.ActionEntry          `json:"entries"`
		Totals  map[string]domain.ActionTotal `json:"totals"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Entries, 2)
	assert.Equal(t, "3", body.Totals["swap"].Total)

	audit.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, env.do(t, "GET", "/api/v1/sessions/x/audit", "").Code)
}

func TestHealth(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	rec := env.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStreamEvents(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	id := env.createSession(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first events.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, domain.SessionDisconnected, first.Status)

	require.Eventually(t, func() bool { return env.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/sessions/"+id+"/start", "").Code)

	var last events.Event
	for last.Status != domain.SessionActive {
		require.NoError(t, conn.ReadJSON(&last))
		assert.Equal(t, id, last.SessionID)
	}
	assert.Equal(t, "10.00", last.Balance)
}

func TestStreamUnknownSession(t *testing.T) {
	env := newEnv(t, defaultPolicies(), nil)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/sessions/nope/events", "").Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.ErrSessionNotFound:          http.StatusNotFound,
		&domain.InsufficientBalanceError{}: http.StatusUnprocessableEntity,
		domain.ErrInvalidAmount:            http.StatusUnprocessableEntity,
		domain.ErrSessionNotActive:         http.StatusConflict,
		domain.ErrAlreadyInProgress:        http.StatusConflict,
		domain.ErrAlreadyActive:            http.StatusConflict,
		domain.ErrInvalidState:             http.StatusConflict,
		domain.ErrDeposit:                  http.StatusBadGateway,
		domain.ErrChannelCreation:          http.StatusBadGateway,
		domain.ErrSettlement:               http.StatusBadGateway,
		errors.New("boom"):                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
