package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/covault/position-engine/internal/market"
	"github.com/covault/position-engine/internal/model"
	"github.com/covault/position-engine/internal/oracle"
	"github.com/covault/position-engine/internal/registry"
)

// --- Request/Response types ---

// ActionRequest is the JSON body for submitting an action.
type ActionRequest struct {
	Kind   string          `json:"kind"`   // supply | withdraw | borrow | repay
	Asset  string          `json:"asset"`  // registered symbol
	Amount decimal.Decimal `json:"amount"` // smallest units
}

// MaxBorrowResponse is the JSON body returned from the max-borrow query.
type MaxBorrowResponse struct {
	Asset     string                `json:"asset"`
	MaxBorrow decimal.Decimal       `json:"max_borrow"` // smallest units
	Snapshot  model.AccountSnapshot `json:"snapshot"`
}

// MembershipResponse reports collateral membership after enter/exit.
type MembershipResponse struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Entered bool   `json:"entered"`
}

// --- HTTP Handlers ---

// Routes registers the engine's API under the given router.
func (e *Engine) Routes(r chi.Router) {
	r.Get("/assets", e.HandleListAssets)
	r.Route("/accounts/{account}", func(r chi.Router) {
		r.Post("/actions", e.HandleSubmitAction)
		r.Get("/max-borrow/{asset}", e.HandleMaxBorrow)
		r.Get("/snapshot", e.HandleSnapshot)
		r.Get("/journal", e.HandleJournal)
		r.Post("/markets/{asset}/enter", e.HandleEnterMarket)
		r.Post("/markets/{asset}/exit", e.HandleExitMarket)
	})
}

// HandleSubmitAction handles POST /api/v1/accounts/{account}/actions
func (e *Engine) HandleSubmitAction(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := e.SubmitAction(r.Context(), account, model.PendingAction{
		Kind:   model.ActionKind(req.Kind),
		Asset:  req.Asset,
		Amount: req.Amount,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleMaxBorrow handles GET /api/v1/accounts/{account}/max-borrow/{asset}
func (e *Engine) HandleMaxBorrow(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	asset := chi.URLParam(r, "asset")

	max, snap, err := e.MaxBorrow(r.Context(), account, asset)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MaxBorrowResponse{
		Asset:     asset,
		MaxBorrow: max,
		Snapshot:  snap,
	})
}

// HandleSnapshot handles GET /api/v1/accounts/{account}/snapshot
func (e *Engine) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	snap, err := e.AccountSnapshot(r.Context(), account)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// HandleEnterMarket handles POST /api/v1/accounts/{account}/markets/{asset}/enter
func (e *Engine) HandleEnterMarket(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	asset := chi.URLParam(r, "asset")

	if err := e.EnterMarket(r.Context(), account, asset); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MembershipResponse{Account: account, Asset: asset, Entered: true})
}

// HandleExitMarket handles POST /api/v1/accounts/{account}/markets/{asset}/exit
func (e *Engine) HandleExitMarket(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	asset := chi.URLParam(r, "asset")

	if err := e.ExitMarket(r.Context(), account, asset); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MembershipResponse{Account: account, Asset: asset, Entered: false})
}

// HandleJournal handles GET /api/v1/accounts/{account}/journal
func (e *Engine) HandleJournal(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	receipts, err := e.Receipts(r.Context(), account)
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	if receipts == nil {
		receipts = []model.ExecutionReceipt{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(receipts)
}

// HandleListAssets handles GET /api/v1/assets
func (e *Engine) HandleListAssets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(e.Assets())
}

// statusFor maps an engine error to its HTTP status: malformed input is
// 400, unknown assets/markets 404, collateral and market rejections 409,
// upstream outages 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownAsset), errors.Is(err, market.ErrUnknownMarket):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidAction), errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrUnavailable), errors.Is(err, oracle.ErrNoFeed),
		errors.Is(err, oracle.ErrInvalidPrice), errors.Is(err, market.ErrUnavailable):
		return http.StatusServiceUnavailable
	case isValidationErr(err):
		return http.StatusConflict
	case errors.Is(err, market.ErrTransferFailed), errors.Is(err, market.ErrMintRejected),
		errors.Is(err, market.ErrRedeemRejected), errors.Is(err, market.ErrBorrowRejected),
		errors.Is(err, market.ErrRepayRejected), errors.Is(err, market.ErrEnterRejected),
		errors.Is(err, market.ErrExitBlocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
