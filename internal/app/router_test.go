package app_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-evolver/internal/app"
	httpserver "github.com/fairyhunter13/ai-idea-evolver/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	require.Equal(t, []string{"*"}, app.ParseOrigins(""))
	require.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	require.Equal(t, []string{"*"}, app.ParseOrigins(" , ,"))
	require.Equal(t, []string{"https://a.example", "https://b.example"},
		app.ParseOrigins(" https://a.example, https://b.example "))
}

func TestBuildRouter_Routes(t *testing.T) {
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 100, MaxBodyBytes: 1 << 16}
	srv := httpserver.NewServer(cfg, usecase.SubmitService{}, usecase.QueryService{},
		usecase.Orchestrator{}, usecase.PhaseWorker{}, nil, nil, nil)
	router := app.BuildRouter(cfg, srv)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w2.Code)

	w3 := httptest.NewRecorder()
	router.ServeHTTP(w3, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, w3.Code)

	// Malformed submissions must fail in the handler, not the middleware chain.
	w4 := httptest.NewRecorder()
	router.ServeHTTP(w4, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{broken")))
	require.Equal(t, http.StatusBadRequest, w4.Code)
}
