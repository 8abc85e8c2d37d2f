package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/logging"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.URL = ""
	cfg.Redis.URL = ""
	cfg.Registry.DSN = "file:router_test?mode=memory&cache=shared"

	a, err := newApp(context.Background(), cfg, logging.New("error", "json", "settlementd", "test"))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestRouter_Health(t *testing.T) {
	srv := httptest.NewServer(newRouter(testApp(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["pairs"])
}

func TestRouter_MetricsAndWS(t *testing.T) {
	srv := httptest.NewServer(newRouter(testApp(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Without a user the upgrade is refused before the handshake.
	resp, err = http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_APIMounted(t *testing.T) {
	srv := httptest.NewServer(newRouter(testApp(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/pairs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 3)

	resp, err = http.Get(srv.URL + "/api/v1/users/nobody/wallets")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFundCommand_Deposit(t *testing.T) {
	t.Setenv("SETTLEMENT_REGISTRY_DSN", "file:fund_test?mode=memory&cache=shared")
	t.Setenv("SETTLEMENT_DATABASE_URL", "")
	t.Setenv("SETTLEMENT_REDIS_URL", "")

	cmd := fundCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--user", "alice", "--currency", "USDT", "--amount", "250", "--external-id", "psp-1"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "deposit")
	assert.Contains(t, out.String(), "available 250")
}
