package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"provisioning-api-go/internal/portpool"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	handler := NewHealthHandler(map[string]Pinger{
		"store": pingerFunc(func(context.Context) error { return errors.New("down") }),
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.HandleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestReadinessHandler(t *testing.T) {
	ok := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name           string
		checks         map[string]Pinger
		expectedStatus int
		body           string
	}{
		{"all ready", map[string]Pinger{"store": ok, "kubernetes": ok}, http.StatusOK, "ready"},
		{"store down", map[string]Pinger{"store": down, "kubernetes": ok}, http.StatusServiceUnavailable, "store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(tt.checks, nil)

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()
			handler.HandleReady(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

func TestPoolHandler(t *testing.T) {
	pool, err := portpool.New(portpool.Range{Start: 32000, End: 32004})
	assert.NoError(t, err)
	pool.Seed([]int{32001, 32003})

	handler := NewPoolHandler(pool, staticLeader(false))

	req := httptest.NewRequest(http.MethodGet, "/pool", nil)
	w := httptest.NewRecorder()
	handler.Handle(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"start": 32000,
		"end": 32004,
		"capacity": 5,
		"available": 3,
		"in_use": [32001, 32003],
		"is_leader": false
	}`, w.Body.String())
}
