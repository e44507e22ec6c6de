package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-sim/internal/auth"
	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/internal/gateway"
	"github.com/lorawan-server/lorawan-sim/internal/observability"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
	"github.com/lorawan-server/lorawan-sim/pkg/crypto"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

type stubGateway struct {
	eui lorawan.EUI64
}

func (g stubGateway) EUI() lorawan.EUI64 { return g.eui }

func (g stubGateway) Status() gateway.Status {
	return gateway.Status{EUI: g.eui, Running: true, Remote: "127.0.0.1:1700", Uplinks: 3}
}

type testServer struct {
	clock  *simtime.Clock
	broker *broker.Broker
	gw     stubGateway
	srv    *httptest.Server
	cfg    *config.Config
}

func newTestServer(t *testing.T, mode simtime.Mode, secret string) *testServer {
	t.Helper()
	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	clock := simtime.New(simtime.Config{Mode: mode, TicksPerSecond: 1000, Metrics: metrics})
	clock.Start()
	t.Cleanup(clock.Stop)

	ts := &testServer{
		clock:  clock,
		broker: broker.New(metrics),
		gw:     stubGateway{eui: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}},
		cfg:    &config.Config{JWT: config.JWTConfig{Secret: secret, TokenTTL: time.Hour}},
	}
	s := NewRESTServer(ts.cfg, Deps{Clock: clock, Broker: ts.broker, Gateway: ts.gw, Metrics: metrics})
	ts.srv = httptest.NewServer(s.Handler())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "")

	resp, body := ts.do(t, http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestClock(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "")

	var fired atomic.Bool
	_, err := ts.clock.Schedule(1500, func() { fired.Store(true) })
	require.NoError(t, err)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/clock", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "manual", body["mode"])
	assert.Equal(t, float64(0), body["tick"])
	assert.Equal(t, float64(1), body["pending"])

	resp, body = ts.do(t, http.MethodPost, "/api/v1/clock/advance", `{"ticks": 500, "duration": "1s"}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1500), body["tick"])
	assert.Equal(t, "1.5s", body["elapsed"])
	assert.True(t, fired.Load())

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/clock/advance", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/clock/advance", `{"duration": "soon"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/clock/advance", `nope`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClock_AdvanceRealTime(t *testing.T) {
	ts := newTestServer(t, simtime.RealTime, "")

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/clock/advance", `{"ticks": 5}`, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestClock_AdvanceStopped(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "")
	ts.clock.Stop()

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/clock/advance", `{"ticks": 5}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "")

	resp, body := ts.do(t, http.MethodGet, "/api/v1/gateway", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0102030405060708", body["eui"])
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(3), body["uplinks"])
}

func TestPublishUplink(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "")

	uplinks := make(chan gateway.Uplink, 2)
	ts.broker.Subscribe(gateway.UplinkTopic(ts.gw.eui), func(m broker.Message) {
		uplinks <- m.(gateway.Uplink)
	})

	resp, body := ts.do(t, http.MethodPost, "/api/v1/uplink",
		`{"text": "hello world", "freq": 868100000, "sf": 7, "bw": 125000, "codr": "4/6", "eui": "aabbccddeeff0011"}`, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "0102030405060708", body["topic"])

	up := <-uplinks
	assert.Equal(t, []byte("hello world"), up.Data)
	assert.Equal(t, uint8(7), up.SF)
	assert.Equal(t, lorawan.CR4_6, up.CR)
	assert.Equal(t, "aabbccddeeff0011", up.DeviceEUI.String())

	// base64 data
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/uplink", `{"data": "AQID", "sf": 12, "bw": 125000}`, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	up = <-uplinks
	assert.Equal(t, []byte{1, 2, 3}, up.Data)
}

func TestPublishUplink_Invalid(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "")

	for _, body := range []string{
		`{"text": "x", "sf": 13, "bw": 125000}`,
		`{"text": "x", "sf": 7, "bw": 100}`,
		`{"sf": 7, "bw": 125000}`,
		`{"text": "x", "sf": 7, "bw": 125000, "codr": "9/9"}`,
		`{"text": "x", "sf": 7, "bw": 125000, "eui": "zz"}`,
		`[`,
	} {
		resp, _ := ts.do(t, http.MethodPost, "/api/v1/uplink", body, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "s3cret")

	// reads stay public
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/clock", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/clock/advance", `{"ticks": 1}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing authorization header", body["error"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/clock/advance", `{"ticks": 1}`, "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := auth.NewJWTManager(&ts.cfg.JWT).GenerateToken("tester")
	require.NoError(t, err)
	resp, body = ts.do(t, http.MethodPost, "/api/v1/clock/advance", `{"ticks": 1}`, token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["tick"])
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "s3cret")
	hash, err := crypto.HashPassword("hunter2")
	require.NoError(t, err)
	ts.cfg.JWT.Operators = map[string]string{"alice": hash}

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/login", `{"operator": "alice"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/login", `{"operator": "alice", "password": "nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/login", `{"operator": "alice", "password": "hunter2"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer", body["token_type"])
	token, ok := body["access_token"].(string)
	require.True(t, ok)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/clock/advance", `{"ticks": 2}`, token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin_Disabled(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "")
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/login", `{"operator": "alice", "password": "x"}`, "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, simtime.Manual, "")
	_, err := ts.clock.Schedule(1, func() {})
	require.NoError(t, err)

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "simclock_timers_scheduled_total 1")
}
