package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"mystery-box-service/internal/core/domain"
	"mystery-box-service/internal/core/ports"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the body.
const IdempotencyKeyHeader = "Idempotency-Key"

// PurchaseHandler serves box purchases and ledger listings for the
// authenticated account.
type PurchaseHandler struct {
	purchases ports.PurchaseService
	ledger    ports.LedgerService
	logger    *slog.Logger
}

func NewPurchaseHandler(purchases ports.PurchaseService, ledger ports.LedgerService, logger *slog.Logger) *PurchaseHandler {
	return &PurchaseHandler{
		purchases: purchases,
		ledger:    ledger,
		logger:    logger,
	}
}

// Routes mounts the handler on r. Callers put authentication in front.
func (h *PurchaseHandler) Routes(r chi.Router) {
	r.Post("/boxes/{boxID}/purchase", h.HandlePurchase)
	r.Get("/accounts/me/ledger", h.HandleListLedger)
}

type purchaseRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type ledgerResponse struct {
	Entries []domain.LedgerEntry `json:"entries"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

func (h *PurchaseHandler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "unauthenticated", http.StatusUnauthorized, h.logger)
		return
	}

	var body purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "invalid request body", http.StatusBadRequest, h.logger)
		return
	}
	key := body.IdempotencyKey
	if key == "" {
		key = r.Header.Get(IdempotencyKeyHeader)
	}

	res, err := h.purchases.Purchase(r.Context(), domain.PurchaseRequest{
		AccountID:      accountID,
		BoxID:          chi.URLParam(r, "boxID"),
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, res, h.logger)
}

func (h *PurchaseHandler) HandleListLedger(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "unauthenticated", http.StatusUnauthorized, h.logger)
		return
	}

	page, err := parsePage(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest, h.logger)
		return
	}
	// Echo the page actually served.
	page, err = page.Normalize()
	if err != nil {
		h.writeError(w, err)
		return
	}

	entries, err := h.ledger.ListLedgerEntries(r.Context(), accountID, page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledgerResponse{Entries: entries, Limit: page.Limit, Offset: page.Offset}, h.logger)
}

func parsePage(r *http.Request) (domain.Page, error) {
	var page domain.Page
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return domain.Page{}, errors.New("invalid " + name)
		}
		*dst = v
	}
	return page, nil
}

// writeError maps domain errors onto status codes.
func (h *PurchaseHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidIdempotencyKey):
		writeJSONError(w, "invalid idempotency key", http.StatusBadRequest, h.logger)

	case errors.Is(err, domain.ErrInvalidPage):
		writeJSONError(w, "invalid page", http.StatusBadRequest, h.logger)

	case errors.Is(err, domain.ErrBoxNotFound):
		writeJSONError(w, "box not found", http.StatusNotFound, h.logger)

	case errors.Is(err, domain.ErrAccountNotFound):
		writeJSONError(w, "account not found", http.StatusNotFound, h.logger)

	case errors.Is(err, domain.ErrInsufficientFunds):
		writeJSONError(w, "insufficient funds", http.StatusPaymentRequired, h.logger)

	case errors.Is(err, domain.ErrTransactionConflict):
		h.logger.Warn("purchase conflict persisted after retries", "error", err)
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, "purchase conflicted, retry with the same idempotency key", http.StatusServiceUnavailable, h.logger)

	case errors.Is(err, domain.ErrStorageUnavailable):
		h.logger.Warn("temporary failure in external dependency", "error", err)
		writeJSONError(w, "service temporarily unavailable", http.StatusServiceUnavailable, h.logger)

	default:
		h.logger.Error("unexpected error during purchase", "error", err)
		writeJSONError(w, "internal server error", http.StatusInternalServerError, h.logger)
	}
}
