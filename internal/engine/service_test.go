package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/covault/position-engine/internal/journal"
	"github.com/covault/position-engine/internal/ledger"
	"github.com/covault/position-engine/internal/market"
	"github.com/covault/position-engine/internal/model"
	"github.com/covault/position-engine/internal/oracle"
)

func newTestRouter(t *testing.T) (*Engine, *chi.Mux) {
	t.Helper()
	e, _ := newTestEngine(t, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		e.Routes(r)
	})
	return e, r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleSubmitAction_Supply(t *testing.T) {
	_, r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/accounts/alice/actions", ActionRequest{
		Kind:   "supply",
		Asset:  "A",
		Amount: decimal.NewFromInt(1000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result ActionResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Receipt.Kind != model.ActionSupply || !result.Receipt.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("unexpected receipt: %+v", result.Receipt)
	}
	if result.Receipt.ID == "" {
		t.Error("receipt must carry an ID")
	}
}

func TestHandleSubmitAction_BadBody(t *testing.T) {
	_, r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/alice/actions", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleSubmitAction_StatusMapping(t *testing.T) {
	e, r := newTestRouter(t)

	// Collateral in place for the conflict case.
	mustSubmit(t, e, "alice", model.ActionSupply, "A", 100)
	if err := e.EnterMarket(context.Background(), "alice", "A"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  ActionRequest
		want int
	}{
		{"unknown asset", ActionRequest{Kind: "supply", Asset: "DOGE", Amount: decimal.NewFromInt(1)}, http.StatusNotFound},
		{"invalid kind", ActionRequest{Kind: "liquidate", Asset: "A", Amount: decimal.NewFromInt(1)}, http.StatusBadRequest},
		{"zero amount", ActionRequest{Kind: "supply", Asset: "A", Amount: decimal.Zero}, http.StatusBadRequest},
		{"over liquidity", ActionRequest{Kind: "borrow", Asset: "USD", Amount: decimal.NewFromInt(10000)}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/v1/accounts/alice/actions", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleMaxBorrow(t *testing.T) {
	e, r := newTestRouter(t)

	mustSubmit(t, e, "alice", model.ActionSupply, "A", 1000)
	if err := e.EnterMarket(context.Background(), "alice", "A"); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/accounts/alice/max-borrow/USD", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp MaxBorrowResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.MaxBorrow.Equal(decimal.NewFromInt(750)) {
		t.Errorf("expected max borrow 750, got %s", resp.MaxBorrow)
	}
	if !resp.Snapshot.Liquidity.Equal(decimal.NewFromInt(750)) {
		t.Errorf("expected liquidity 750 in snapshot, got %s", resp.Snapshot.Liquidity)
	}
}

func TestHandleSnapshot(t *testing.T) {
	e, r := newTestRouter(t)

	mustSubmit(t, e, "alice", model.ActionSupply, "A", 200)

	w := doJSON(t, r, http.MethodGet, "/api/v1/accounts/alice/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap model.AccountSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	// Supplied but never entered: no collateral value.
	if !snap.CollateralValue.IsZero() {
		t.Errorf("expected zero collateral, got %s", snap.CollateralValue)
	}
}

func TestHandleEnterAndExitMarket(t *testing.T) {
	e, r := newTestRouter(t)

	mustSubmit(t, e, "alice", model.ActionSupply, "A", 1000)

	w := doJSON(t, r, http.MethodPost, "/api/v1/accounts/alice/markets/A/enter", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("enter: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp MembershipResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Entered {
		t.Error("expected entered=true")
	}

	// An unbacked borrow blocks the exit.
	mustSubmit(t, e, "alice", model.ActionBorrow, "USD", 100)
	w = doJSON(t, r, http.MethodPost, "/api/v1/accounts/alice/markets/A/exit", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("exit with unbacked borrow: expected 409, got %d", w.Code)
	}

	mustSubmit(t, e, "alice", model.ActionRepay, "USD", 100)
	w = doJSON(t, r, http.MethodPost, "/api/v1/accounts/alice/markets/A/exit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("exit after repay: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleJournal(t *testing.T) {
	e, r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/accounts/alice/journal", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("expected empty array for no history, got %q", got)
	}

	mustSubmit(t, e, "alice", model.ActionSupply, "A", 50)
	w = doJSON(t, r, http.MethodGet, "/api/v1/accounts/alice/journal", nil)
	var receipts []model.ExecutionReceipt
	if err := json.NewDecoder(w.Body).Decode(&receipts); err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 || receipts[0].Kind != model.ActionSupply {
		t.Errorf("unexpected journal contents: %+v", receipts)
	}
}

func TestHandleListAssets(t *testing.T) {
	_, r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/assets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var assets []model.Asset
	if err := json.NewDecoder(w.Body).Decode(&assets); err != nil {
		t.Fatal(err)
	}
	if len(assets) != 2 {
		t.Errorf("expected 2 assets, got %d", len(assets))
	}
}

func TestHandleSubmitAction_UpstreamOutageIs503(t *testing.T) {
	reg := testAssets(t)
	sim := market.NewSimMarket("cA", "cUSD")
	orc := oracle.NewStaticOracle(nil)
	led := ledger.New(reg, sim, orc)
	e := New(reg, led, sim, orc, journal.NewMemoryJournal(), nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		e.Routes(r)
	})

	w := doJSON(t, r, http.MethodPost, "/api/v1/accounts/alice/actions", ActionRequest{
		Kind:   "supply",
		Asset:  "A",
		Amount: decimal.NewFromInt(10),
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}
