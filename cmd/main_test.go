package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-livesim/internal/auth"
	"github.com/ukydev/fleet-livesim/internal/broadcast"
	"github.com/ukydev/fleet-livesim/internal/middleware"
	"github.com/ukydev/fleet-livesim/internal/models"
	"github.com/ukydev/fleet-livesim/internal/supervisor"
)

type stubController struct {
	started, stopped, restarted int
}

func (s *stubController) Status() supervisor.Status {
	return supervisor.Status{Enabled: true, Running: s.started > s.stopped}
}

func (s *stubController) Start(context.Context) error   { s.started++; return nil }
func (s *stubController) Stop()                         { s.stopped++ }
func (s *stubController) Restart(context.Context) error { s.restarted++; return nil }

func testRouter(t *testing.T) (http.Handler, *stubController, *auth.Service) {
	t.Helper()
	svc := auth.NewService("test-secret", time.Hour)
	ctrl := &stubController{}
	hub := broadcast.NewHub(broadcast.DefaultConfig())
	return newRouter(ctrl, hub, middleware.NewAuthMiddleware(svc), middleware.NewRateLimitMiddleware()), ctrl, svc
}

func TestRouter_PublicEndpoints(t *testing.T) {
	router, _, _ := testRouter(t)

	for _, p := range []string{"/health", "/api/simulation/status"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, w.Code, p)
	}
}

func TestRouter_Positions(t *testing.T) {
	router, _, _ := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/positions/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_ControlRequiresToken(t *testing.T) {
	router, ctrl, svc := testRouter(t)

	viewer, err := svc.GenerateToken("v1", models.RoleViewer)
	require.NoError(t, err)
	operator, err := svc.GenerateToken("o1", models.RoleOperator)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		expect int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"viewer", viewer, http.StatusForbidden},
		{"operator", operator, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/simulation/start", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.expect, w.Code)
		})
	}
	assert.Equal(t, 1, ctrl.started)
}

func TestRouter_StopAndRestart(t *testing.T) {
	router, ctrl, svc := testRouter(t)
	token, err := svc.GenerateToken("a1", models.RoleAdmin)
	require.NoError(t, err)

	for _, p := range []string{"/api/simulation/stop", "/api/simulation/restart"} {
		req := httptest.NewRequest(http.MethodPost, p, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, p)
	}
	assert.Equal(t, 1, ctrl.stopped)
	assert.Equal(t, 1, ctrl.restarted)
}

func TestRouter_ControlIsRateLimited(t *testing.T) {
	router, _, _ := testRouter(t)

	var last int
	for i := 0; i <= controlRateLimit; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/simulation/stop", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
