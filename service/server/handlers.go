package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/brojonat/solescrow/service/escrow"
	"github.com/brojonat/solescrow/service/payment"
	"github.com/brojonat/solescrow/service/solana"
	"github.com/brojonat/solescrow/service/temporal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxIDLength        = 128
	maxListLimit       = 1000

	// WalletHeader carries the caller's wallet address, set by the upstream
	// auth layer. An empty header means unauthenticated.
	WalletHeader = "X-Wallet-Address"
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	validIDRegex      = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
)

// EscrowService is the settlement surface the HTTP API exposes.
type EscrowService interface {
	CurrentSettings(ctx context.Context) (escrow.Settings, error)
	UpdateSettings(ctx context.Context, caller escrow.Identity, next escrow.Settings) (escrow.Settings, error)
	GetPurchaseStatus(ctx context.Context, purchaseID string) (*escrow.PurchaseView, error)
	VerifyPurchase(ctx context.Context, purchaseID string) (*escrow.Verification, error)
	MarkFulfilled(ctx context.Context, caller escrow.Identity, purchaseID string) (*escrow.Purchase, error)
	ReleaseFunds(ctx context.Context, caller escrow.Identity, purchaseID string) (*escrow.ReleaseResult, error)
	ListPurchases(ctx context.Context, filter escrow.PurchaseFilter) ([]*escrow.Purchase, error)
	ListTransactions(ctx context.Context, filter escrow.TransactionFilter) ([]*escrow.Transaction, error)
	GetItem(ctx context.Context, id string) (*escrow.Item, error)
}

// callerFrom reads the caller identity from the request.
func callerFrom(r *http.Request) (escrow.Identity, error) {
	address := strings.TrimSpace(r.Header.Get(WalletHeader))
	if address == "" {
		return escrow.Identity{}, nil
	}
	if err := validateAddress(address); err != nil {
		return escrow.Identity{}, errorf("invalid %s header: %v", WalletHeader, err)
	}
	return escrow.Wallet(address), nil
}

// settingsResponse is the JSON response format for settings.
type settingsResponse struct {
	AdminWallet   string `json:"admin_wallet"`
	EscrowWallet  string `json:"escrow_wallet"`
	ServiceFee    uint64 `json:"service_fee"`
	ServiceFeeSOL string `json:"service_fee_sol"`
}

func settingsToResponse(s escrow.Settings) settingsResponse {
	return settingsResponse{
		AdminWallet:   s.AdminWallet,
		EscrowWallet:  s.EscrowWallet,
		ServiceFee:    s.ServiceFee,
		ServiceFeeSOL: solana.FormatSOL(s.ServiceFee),
	}
}

// handleGetSettings returns a handler that reports the current settings.
// GET /api/v1/settings
func handleGetSettings(svc EscrowService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		settings, err := svc.CurrentSettings(r.Context())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, settingsToResponse(settings), http.StatusOK)
	})
}

// updateSettingsRequest is the request body for PUT /api/v1/settings.
// Omitted fields keep their current value.
type updateSettingsRequest struct {
	AdminWallet   *string `json:"admin_wallet"`
	EscrowWallet  *string `json:"escrow_wallet"`
	ServiceFee    *uint64 `json:"service_fee"`     // lamports
	ServiceFeeSOL *string `json:"service_fee_sol"` // decimal SOL, e.g. "0.001"
}

// handleUpdateSettings returns a handler that replaces the settings. Admin only.
// PUT /api/v1/settings
func handleUpdateSettings(svc EscrowService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req updateSettingsRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		next, err := svc.CurrentSettings(r.Context())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if req.AdminWallet != nil {
			next.AdminWallet = *req.AdminWallet
		}
		if req.EscrowWallet != nil {
			next.EscrowWallet = *req.EscrowWallet
		}
		switch {
		case req.ServiceFee != nil && req.ServiceFeeSOL != nil:
			writeError(w, "set service_fee or service_fee_sol, not both", http.StatusBadRequest)
			return
		case req.ServiceFee != nil:
			next.ServiceFee = *req.ServiceFee
		case req.ServiceFeeSOL != nil:
			fee, err := solana.ParseSOL(*req.ServiceFeeSOL)
			if err != nil {
				writeError(w, fmt.Sprintf("invalid service_fee_sol: %v", err), http.StatusBadRequest)
				return
			}
			next.ServiceFee = fee
		}

		updated, err := svc.UpdateSettings(r.Context(), caller, next)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		logger.InfoContext(r.Context(), "settings updated",
			"admin_wallet", updated.AdminWallet,
			"escrow_wallet", updated.EscrowWallet,
			"service_fee", updated.ServiceFee,
		)
		writeJSON(w, settingsToResponse(updated), http.StatusOK)
	})
}

// handleListPurchases returns a handler that lists purchases.
// GET /api/v1/purchases?buyer=&seller=&status=&escrow_status=&limit=
func handleListPurchases(svc EscrowService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		filter := escrow.PurchaseFilter{
			Buyer:        query.Get("buyer"),
			Seller:       query.Get("seller"),
			Status:       escrow.PurchaseStatus(query.Get("status")),
			EscrowStatus: escrow.EscrowStatus(query.Get("escrow_status")),
		}

		if err := validateOptionalAddress("buyer", filter.Buyer); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateOptionalAddress("seller", filter.Seller); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if filter.Status != "" && !filter.Status.Valid() {
			writeError(w, fmt.Sprintf("invalid status %q", filter.Status), http.StatusBadRequest)
			return
		}
		if filter.EscrowStatus != "" && !filter.EscrowStatus.Valid() {
			writeError(w, fmt.Sprintf("invalid escrow_status %q", filter.EscrowStatus), http.StatusBadRequest)
			return
		}
		limit, err := parseLimit(query.Get("limit"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Limit = limit

		purchases, err := svc.ListPurchases(r.Context(), filter)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if purchases == nil {
			purchases = []*escrow.Purchase{}
		}

		logger.DebugContext(r.Context(), "purchases listed", "count", len(purchases))
		writeJSON(w, map[string]interface{}{
			"purchases": purchases,
			"count":     len(purchases),
			"limit":     limit,
		}, http.StatusOK)
	})
}

// handleGetPurchase returns a handler that reports a purchase's status.
// GET /api/v1/purchases/{id}
func handleGetPurchase(svc EscrowService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		view, err := svc.GetPurchaseStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, view, http.StatusOK)
	})
}

// handleVerifyPurchase returns a handler that audits a purchase's transfers on chain.
// GET /api/v1/purchases/{id}/verify
func handleVerifyPurchase(svc EscrowService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		v, err := svc.VerifyPurchase(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if !v.OK {
			logger.WarnContext(r.Context(), "purchase failed verification", "purchase_id", id)
		}
		writeJSON(w, v, http.StatusOK)
	})
}

// handleFulfillPurchase returns a handler with which the seller marks a purchase completed.
// POST /api/v1/purchases/{id}/fulfill
func handleFulfillPurchase(svc EscrowService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		caller, err := callerFrom(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		p, err := svc.MarkFulfilled(r.Context(), caller, id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, p, http.StatusOK)
	})
}

// releaseResponse is returned when a release is accepted or already done.
type releaseResponse struct {
	PurchaseID      string                `json:"purchase_id"`
	WorkflowID      string                `json:"workflow_id,omitempty"`
	RunID           string                `json:"run_id,omitempty"`
	StatusURL       string                `json:"status_url,omitempty"`
	ReleaseTxID     string                `json:"release_tx_id,omitempty"`
	AlreadyReleased bool                  `json:"already_released"`
	Result          *escrow.ReleaseResult `json:"result,omitempty"`
}

// handleReleaseFunds returns a handler that releases a held purchase to the
// seller. Admin only. With a workflow client the release runs durably and the
// handler answers 202 with the workflow id; without one it runs inline.
// POST /api/v1/purchases/{id}/release
func handleReleaseFunds(svc EscrowService, releases temporal.Releases, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		caller, err := callerFrom(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		settings, err := svc.CurrentSettings(r.Context())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if !settings.IsAdmin(caller) {
			writeError(w, "only the admin may release funds", http.StatusForbidden)
			return
		}

		view, err := svc.GetPurchaseStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if view.EscrowStatus == escrow.EscrowReleased {
			writeJSON(w, releaseResponse{
				PurchaseID:      id,
				ReleaseTxID:     view.ReleaseTxID,
				AlreadyReleased: true,
			}, http.StatusOK)
			return
		}
		if view.Oversold {
			writeError(w, fmt.Sprintf("purchase %s was paid after the item sold out and must be refunded", id), http.StatusConflict)
			return
		}
		if !view.Releasable {
			writeError(w, fmt.Sprintf("purchase %s is %s, not held", id, view.EscrowStatus), http.StatusConflict)
			return
		}

		if releases == nil {
			res, err := svc.ReleaseFunds(r.Context(), caller, id)
			if err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			writeJSON(w, releaseResponse{
				PurchaseID:      id,
				ReleaseTxID:     res.ReleaseTxID,
				AlreadyReleased: res.AlreadyReleased,
				Result:          res,
			}, http.StatusOK)
			return
		}

		run, err := releases.StartRelease(r.Context(), temporal.ReleaseFundsInput{
			PurchaseID: id,
			Caller:     caller.Address,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start release", "purchase_id", id, "error", err)
			writeError(w, "failed to start release", http.StatusServiceUnavailable)
			return
		}

		logger.InfoContext(r.Context(), "release started",
			"purchase_id", id,
			"workflow_id", run.WorkflowID,
		)
		writeJSON(w, releaseResponse{
			PurchaseID: id,
			WorkflowID: run.WorkflowID,
			RunID:      run.RunID,
			StatusURL:  "/api/v1/releases/" + run.WorkflowID,
		}, http.StatusAccepted)
	})
}

// handleGetRelease returns a handler that reports a release workflow's status.
// GET /api/v1/releases/{workflow_id}
func handleGetRelease(releases temporal.Releases, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if releases == nil {
			writeError(w, "release workflows are not configured", http.StatusServiceUnavailable)
			return
		}
		workflowID := r.PathValue("workflow_id")
		if err := validateID(workflowID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		status, err := releases.GetRelease(r.Context(), workflowID)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, status, http.StatusOK)
	})
}

// handleListTransactions returns a handler that lists escrow transactions.
// GET /api/v1/transactions?buyer=&seller=&status=&limit=
func handleListTransactions(svc EscrowService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		filter := escrow.TransactionFilter{
			Buyer:  query.Get("buyer"),
			Seller: query.Get("seller"),
			Status: escrow.EscrowStatus(query.Get("status")),
		}

		if err := validateOptionalAddress("buyer", filter.Buyer); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateOptionalAddress("seller", filter.Seller); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if filter.Status != "" && !filter.Status.Valid() {
			writeError(w, fmt.Sprintf("invalid status %q", filter.Status), http.StatusBadRequest)
			return
		}
		limit, err := parseLimit(query.Get("limit"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Limit = limit

		transactions, err := svc.ListTransactions(r.Context(), filter)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if transactions == nil {
			transactions = []*escrow.Transaction{}
		}

		logger.DebugContext(r.Context(), "transactions listed", "count", len(transactions))
		writeJSON(w, map[string]interface{}{
			"transactions": transactions,
			"count":        len(transactions),
			"limit":        limit,
		}, http.StatusOK)
	})
}

// itemResponse adds derived fields to an item.
type itemResponse struct {
	*escrow.Item
	Status   escrow.ItemStatus `json:"status"`
	PriceSOL string            `json:"price_sol"`
}

// handleGetItem returns a handler that retrieves a catalog item.
// GET /api/v1/items/{id}
func handleGetItem(svc EscrowService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		item, err := svc.GetItem(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, itemResponse{Item: item, Status: item.Status(), PriceSOL: solana.FormatSOL(item.Price)}, http.StatusOK)
	})
}

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	var verr *validationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, temporal.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrSoldOut), errors.Is(err, escrow.ErrOwnItem):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidSettings), errors.Is(err, payment.ErrInvalidRecipient), errors.Is(err, payment.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, payment.ErrRejectedByNetwork):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payment.ErrPaymentFailed), errors.Is(err, payment.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status statusFor assigns. Internal
// errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, "internal server error", status)
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity, http.StatusServiceUnavailable:
		logger.WarnContext(r.Context(), "payment failed", "path", r.URL.Path, "error", err)
		writeError(w, payment.Describe(err), status)
	default:
		writeError(w, err.Error(), status)
	}
}

// decodeBody decodes a size-limited JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return errorf("request body too large")
		case errors.Is(err, io.EOF):
			return errorf("request body is required")
		default:
			return errorf("invalid request body: %v", err)
		}
	}
	return nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

func validateOptionalAddress(name, address string) error {
	if address == "" {
		return nil
	}
	if err := validateAddress(address); err != nil {
		return errorf("invalid %s: %v", name, err)
	}
	return nil
}

// validateID validates purchase, item and workflow ids taken from the path.
func validateID(id string) error {
	if id == "" {
		return errorf("id is required")
	}
	if len(id) > maxIDLength {
		return errorf("id too long: maximum length is %d characters", maxIDLength)
	}
	if !validIDRegex.MatchString(id) {
		return errorf("invalid id format")
	}
	return nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return escrow.DefaultListLimit, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil {
		return 0, errorf("invalid limit parameter: must be an integer")
	}
	if limit < 1 || limit > maxListLimit {
		return 0, errorf("limit must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
