package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioning-api-go/internal/api/handlers"
	"provisioning-api-go/internal/api/middleware"
	"provisioning-api-go/internal/config"
	redisstore "provisioning-api-go/internal/datastore/redis"
	"provisioning-api-go/internal/lifecycle"
	"provisioning-api-go/internal/models"
	"provisioning-api-go/internal/portpool"
	"provisioning-api-go/internal/provisioner"
	"provisioning-api-go/internal/provisioner/provisionertest"
	"provisioning-api-go/internal/redisclient"
)

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

type testServer struct {
	router     http.Handler
	capability *provisionertest.Capability
	pool       *portpool.Pool
}

func newTestServer(t *testing.T, leader handlers.LeaderChecker) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		RedisURL:       "redis://" + mr.Addr(),
		RequestTimeout: 10 * time.Second,
	}
	client, err := redisclient.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	capability := provisionertest.NewCapability()
	pool, err := portpool.New(portpool.Range{Start: 32000, End: 32000})
	require.NoError(t, err)

	workflow := provisioner.NewWorkflow(capability, pool, nil,
		provisioner.WithTokenFunc(func() string { return "abc123" }))
	manager := lifecycle.NewManager(redisstore.NewRepository(client, nil), workflow, lifecycle.Settings{
		Namespace:   "papaya",
		IngressHost: "apps.example.org",
		ClusterIP:   "10.0.0.1",
	}, nil)

	checks := map[string]handlers.Pinger{"store": client}
	return &testServer{
		router:     NewRouter(manager, pool, leader, checks, cfg, nil),
		capability: capability,
		pool:       pool,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.OwnerHeader, "alice")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestApplicationLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/v1/applications", `{"name":"Demo","image":"demo:1","http_port":8080,"tcp_port":9000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var app models.Application
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &app))
	base := fmt.Sprintf("/api/v1/applications/%d", app.ID)

	w = s.do(t, http.MethodPost, base+"/activate", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var activated models.ActivateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &activated))
	assert.Equal(t, "https://abc123.apps.example.org", activated.PublicURL)
	assert.Equal(t, 32000, activated.NodePort)
	assert.Equal(t, models.StatusActive, activated.Application.Status)

	// activating twice is an invalid transition
	w = s.do(t, http.MethodPost, base+"/activate", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, base+"/agent-env", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "SERVER_TCP_PORT=32000\n")

	w = s.do(t, http.MethodGet, "/api/v1/pool", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":0`)

	w = s.do(t, http.MethodPost, base+"/terminate", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, s.capability.Objects())
	assert.Equal(t, 1, s.pool.Available())

	w = s.do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"terminated"`)
}

func TestActivateExhaustedPool(t *testing.T) {
	s := newTestServer(t, nil)
	s.pool.Seed([]int{32000})

	w := s.do(t, http.MethodPost, "/api/v1/applications", `{"name":"cache","image":"redis:7","tcp_port":6379}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var app models.Application
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &app))

	w = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/applications/%d/activate", app.ID), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, s.capability.Calls(), "no control-plane call when the pool is empty")

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/applications/%d", app.ID), "")
	assert.Contains(t, w.Body.String(), `"status":"created"`)
}

func TestProvisioningRequiresLeader(t *testing.T) {
	s := newTestServer(t, staticLeader(false))

	w := s.do(t, http.MethodPost, "/api/v1/applications", `{"name":"cache","image":"redis:7","tcp_port":6379}`)
	require.Equal(t, http.StatusCreated, w.Code)

	for _, path := range []string{"/api/v1/applications/1/activate", "/api/v1/applications/1/terminate"} {
		w = s.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}

	w = s.do(t, http.MethodGet, "/api/v1/pool", "")
	assert.Contains(t, w.Body.String(), `"is_leader":false`)
}

func TestProbesDoNotRequireOwner(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/api/v1/health", "/api/v1/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req.WithContext(context.Background()))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
