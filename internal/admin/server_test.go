package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/adbrelay/internal/relay"
	"github.com/danmuck/adbrelay/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	mu      sync.Mutex
	devices map[string]relay.ProxyInfo
	next    int
	failAll error
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{devices: make(map[string]relay.ProxyInfo), next: 6520}
}

func (r *stubRegistry) Register(d relay.Device) (relay.ProxyInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return relay.ProxyInfo{}, r.failAll
	}
	if err := d.Validate(); err != nil {
		return relay.ProxyInfo{}, err
	}
	if _, ok := r.devices[d.Serial]; ok {
		return relay.ProxyInfo{}, fmt.Errorf("%w: %s", relay.ErrDeviceExists, d.Serial)
	}
	info := relay.ProxyInfo{
		Serial:  d.Serial,
		Name:    d.Name,
		Port:    r.next,
		Address: fmt.Sprintf("127.0.0.1:%d", r.next),
	}
	r.next++
	r.devices[d.Serial] = info
	return info, nil
}

func (r *stubRegistry) Unregister(serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[serial]; !ok {
		return fmt.Errorf("%w: %s", relay.ErrDeviceNotFound, serial)
	}
	delete(r.devices, serial)
	return nil
}

func (r *stubRegistry) Get(serial string) (relay.ProxyInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.devices[serial]
	return info, ok
}

func (r *stubRegistry) List() []relay.ProxyInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]relay.ProxyInfo, 0, len(r.devices))
	for _, info := range r.devices {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	s := New("127.0.0.1:0", newStubRegistry(), nil)

	rr := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "adbrelay", body["service"])

	rr = do(t, s, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"ready":true`)
}

func TestMetricsEndpointExposesRelayCollectors(t *testing.T) {
	testlog.Start(t)
	s := New("127.0.0.1:0", newStubRegistry(), nil)
	do(t, s, http.MethodGet, "/health", "")

	rr := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "adbrelay_http_requests_total")
}

func TestDeviceLifecycle(t *testing.T) {
	testlog.Start(t)
	reg := newStubRegistry()
	s := New("127.0.0.1:0", reg, nil)

	rr := do(t, s, http.MethodPost, "/devices", `{"serial":"ABC123","name":"MyDevice"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created relay.ProxyInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Equal(t, "ABC123", created.Serial)
	require.Equal(t, "127.0.0.1:6520", created.Address)

	rr = do(t, s, http.MethodPost, "/devices", `{"serial":"ABC123","name":"again"}`)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, s, http.MethodGet, "/devices/ABC123", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"name":"MyDevice"`)

	rr = do(t, s, http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Devices []relay.ProxyInfo `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Devices, 1)

	rr = do(t, s, http.MethodDelete, "/devices/ABC123", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, s, http.MethodDelete, "/devices/ABC123", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, s, http.MethodGet, "/devices/ABC123", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRegisterRejectsBadRequests(t *testing.T) {
	testlog.Start(t)
	reg := newStubRegistry()
	s := New("127.0.0.1:0", reg, nil)

	for _, body := range []string{`{"name":"no serial"}`, `not json`, `{"serial":"has space"}`} {
		rr := do(t, s, http.MethodPost, "/devices", body)
		require.Equal(t, http.StatusBadRequest, rr.Code, "body %s", body)
	}

	reg.failAll = relay.ErrPortRangeExhausted
	rr := do(t, s, http.MethodPost, "/devices", `{"serial":"X1"}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping admin listener test in restricted environment: %v", err)
	}
	s := New(ln.Addr().String(), newStubRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.serveListener(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("admin server did not stop")
	}
}
