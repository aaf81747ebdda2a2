package server_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/settlement/internal/config"
	"github.com/congo-pay/settlement/internal/logging"
	"github.com/congo-pay/settlement/internal/metrics"
	"github.com/congo-pay/settlement/internal/mover"
	"github.com/congo-pay/settlement/internal/mover/wire"
	"github.com/congo-pay/settlement/internal/routes"
	"github.com/congo-pay/settlement/internal/server"
	"github.com/congo-pay/settlement/internal/settlement"
	"github.com/congo-pay/settlement/internal/store"
	"github.com/congo-pay/settlement/internal/wallet"
)

func newServer(t *testing.T, cfg config.Config) *server.Server {
	t.Helper()
	coord := settlement.New(settlement.Deps{
		Store:  store.NewMemory(),
		Movers: map[settlement.Kind]mover.Mover{settlement.KindWireCredit: wire.New(time.Hour)},
		Logger: logging.Discard(),
	}, settlement.Config{})

	srv, err := server.New(routes.Deps{
		Cfg:         cfg,
		Logger:      logging.Discard(),
		Coordinator: coord,
		Metrics:     metrics.New(),
	})
	require.NoError(t, err)
	return srv
}

func testConfig() config.Config {
	return config.Config{
		AppName:         "settlement-test",
		AppEnv:          "test",
		InFlightTTL:     time.Minute,
		RateLimitPerMin: 60,
		OperatorToken:   "op-token",
	}
}

func call(t *testing.T, srv *server.Server, req *http.Request) (int, string) {
	t.Helper()
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNew_RequiresBackendsOutsideDev(t *testing.T) {
	cfg := testConfig()
	cfg.AppEnv = "production"
	coord := settlement.New(settlement.Deps{Store: store.NewMemory()}, settlement.Config{})

	_, err := server.New(routes.Deps{Cfg: cfg, Logger: logging.Discard(), Coordinator: coord})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is required")

	_, err = server.New(routes.Deps{Cfg: testConfig(), Logger: logging.Discard()})
	require.Error(t, err)
}

func TestServer_Routes(t *testing.T) {
	srv := newServer(t, testConfig())

	status, body := call(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "timestamp")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	status, body = call(t, srv, req)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"correlation_id":"corr-1"`)

	status, body = call(t, srv, httptest.NewRequest(http.MethodPost, "/api/v1/settlements", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "Idempotency-Key")

	status, _ = call(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/settlements/unknown", nil))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/balances/alice/USD", nil))
	assert.Equal(t, http.StatusOK, status)

	// Wallet routes are only mounted with a wallet service.
	status, _ = call(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/wallets/alice", nil))
	assert.Equal(t, http.StatusNotFound, status)

	status, body = call(t, srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "settlement_http_requests_total")
}

func TestServer_OperatorRoutesNeedToken(t *testing.T) {
	srv := newServer(t, testConfig())

	status, _ := call(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/wires", nil))
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = call(t, srv, httptest.NewRequest(http.MethodPost, "/api/v1/settlements/x/resolve", nil))
	assert.Equal(t, http.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wires", nil)
	req.Header.Set("Authorization", "Bearer op-token")
	status, body := call(t, srv, req)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"wires":[]}`, body)
}

func TestServer_WalletRoutes(t *testing.T) {
	coord := settlement.New(settlement.Deps{Store: store.NewMemory()}, settlement.Config{})
	wallets := wallet.NewService(wallet.NewMemoryRepository(), stubProvisioner{}, coord, "regtest", logging.Discard())
	srv, err := server.New(routes.Deps{
		Cfg:         testConfig(),
		Logger:      logging.Discard(),
		Coordinator: coord,
		Wallets:     wallets,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallets", strings.NewReader(`{"owner":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	status, body := call(t, srv, req)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Contains(t, body, "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080")

	status, _ = call(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/wallets/alice", nil))
	assert.Equal(t, http.StatusOK, status)

	status, body = call(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/wallets/alice/balance", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"in_sync":true`)
}

type stubProvisioner struct{}

func (stubProvisioner) Provision(_ context.Context, _ string) (string, error) {
	return "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080", nil
}

func (stubProvisioner) ValidateAddress(string) error { return nil }

func (stubProvisioner) WalletBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
