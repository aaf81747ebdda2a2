package wallet

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
	"github.com/congo-pay/settlement/internal/logging"
)

type fakeProvisioner struct {
	mu      sync.Mutex
	created []string
	err     error
	address string
	onChain decimal.Decimal
}

func (f *fakeProvisioner) Provision(_ context.Context, walletRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, walletRef)
	return f.address, nil
}

func (f *fakeProvisioner) ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "bcrt1") {
		return errors.New("not a regtest address")
	}
	return nil
}

func (f *fakeProvisioner) WalletBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onChain, nil
}

func newService(prov *fakeProvisioner) *Service {
	return NewService(NewMemoryRepository(), prov, ledger.NewBook(), "regtest", logging.Discard())
}

func TestServiceCreateIsIdempotentPerOwner(t *testing.T) {
	prov := &fakeProvisioner{address: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080"}
	svc := newService(prov)
	ctx := context.Background()

	wallet, created, err := svc.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if !created || wallet.Address != prov.address || wallet.Network != "regtest" {
		t.Fatalf("unexpected wallet %+v (created=%v)", wallet, created)
	}
	if !strings.HasPrefix(wallet.WalletRef, "custody-") {
		t.Fatalf("unexpected wallet ref %s", wallet.WalletRef)
	}

	again, created, err := svc.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || again.ID != wallet.ID {
		t.Fatalf("expected the existing wallet back, got %+v (created=%v)", again, created)
	}
	if len(prov.created) != 1 {
		t.Fatalf("expected one node wallet, got %d", len(prov.created))
	}

	fetched, err := svc.Get(ctx, " alice ")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if fetched.WalletRef != wallet.WalletRef {
		t.Fatalf("expected wallet ref %s, got %s", wallet.WalletRef, fetched.WalletRef)
	}
}

func TestServiceCreateErrors(t *testing.T) {
	ctx := context.Background()

	if _, _, err := newService(&fakeProvisioner{}).Create(ctx, "  "); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected invalid owner, got %v", err)
	}

	boom := errors.New("node down")
	if _, _, err := newService(&fakeProvisioner{err: boom}).Create(ctx, "bob"); !errors.Is(err, boom) {
		t.Fatalf("expected provisioning error, got %v", err)
	}

	svc := newService(&fakeProvisioner{address: "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"})
	if _, _, err := svc.Create(ctx, "carol"); err == nil {
		t.Fatalf("expected wrong-network address to be refused")
	}
	if _, err := svc.Get(ctx, "carol"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refused wallet must not be stored, got %v", err)
	}
}

func TestHandlerCreateAndGet(t *testing.T) {
	prov := &fakeProvisioner{address: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080"}
	h := NewHandler(newService(prov))
	app := fiber.New()
	app.Post("/wallets", h.Create)
	app.Get("/wallets/:owner", h.Get)
	app.Get("/wallets/:owner/balance", h.Balance)

	post := func() int {
		req := httptest.NewRequest(fiber.MethodPost, "/wallets", strings.NewReader(`{"owner":"alice"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		return resp.StatusCode
	}
	if status := post(); status != fiber.StatusCreated {
		t.Fatalf("expected %d got %d", fiber.StatusCreated, status)
	}
	if status := post(); status != fiber.StatusOK {
		t.Fatalf("expected %d on repeat, got %d", fiber.StatusOK, status)
	}

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/wallets/alice", nil))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), prov.address) {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/wallets/alice/balance", nil))
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"in_sync":true`) {
		t.Fatalf("unexpected balance response %d %s", resp.StatusCode, body)
	}

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/wallets/nobody", nil))
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected %d got %d", fiber.StatusNotFound, resp.StatusCode)
	}
}

func TestServiceBalanceComparesNodeWithLedger(t *testing.T) {
	prov := &fakeProvisioner{address: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080", onChain: decimal.RequireFromString("0.02")}
	book := ledger.NewBook()
	svc := NewService(NewMemoryRepository(), prov, book, "regtest", logging.Discard())
	ctx := context.Background()

	if _, err := svc.Balance(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before provisioning, got %v", err)
	}
	if _, _, err := svc.Create(ctx, "alice"); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	check, err := svc.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if check.InSync || !check.Difference.Equal(decimal.RequireFromString("0.02")) || !check.Ledger.IsZero() {
		t.Fatalf("unexpected check before crediting %+v", check)
	}

	ledger.SeedBalance(book, "alice", "BTC", decimal.RequireFromString("0.02"))
	check, err = svc.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !check.InSync || check.Asset != "BTC" || check.Address != prov.address {
		t.Fatalf("expected wallet in sync, got %+v", check)
	}
}

func TestServiceCustodyAddress(t *testing.T) {
	prov := &fakeProvisioner{address: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080"}
	svc := newService(prov)
	ctx := context.Background()

	if _, ok, err := svc.CustodyAddress(ctx, "alice"); err != nil || ok {
		t.Fatalf("expected no custody address yet, got ok=%v err=%v", ok, err)
	}
	if _, _, err := svc.Create(ctx, "alice"); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	addr, ok, err := svc.CustodyAddress(ctx, " alice ")
	if err != nil || !ok || addr != prov.address {
		t.Fatalf("unexpected custody address %q ok=%v err=%v", addr, ok, err)
	}
}
