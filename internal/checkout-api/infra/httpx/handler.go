package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/pos-checkout/internal/checkout-api/core/ports"
	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
	"github.com/jcmexdev/pos-checkout/internal/checkout/validator"
	"github.com/jcmexdev/pos-checkout/internal/coordinator"
	"github.com/jcmexdev/pos-checkout/internal/coordinator/sagalog"
	"github.com/jcmexdev/pos-checkout/internal/pkg/events"
	"github.com/jcmexdev/pos-checkout/internal/pkg/idempotency"
	"github.com/jcmexdev/pos-checkout/internal/pkg/interceptors"
)

const (
	maxBodyBytes = 1 << 20

	msgInvalidBody = "Invalid request body"
	msgInternal    = "Internal server error"

	headerReplayed = "Idempotent-Replayed"
)

// Handler serves the checkout HTTP API.
type Handler struct {
	checkout  ports.CheckoutService
	sales     ports.SaleReader
	log       ports.CheckoutLogReader // nil-safe
	idem      *idempotency.Store      // nil-safe
	publisher events.Publisher
}

type HandlerOption func(*Handler)

func WithCheckoutLog(r ports.CheckoutLogReader) HandlerOption {
	return func(h *Handler) { h.log = r }
}

// WithIdempotency enables Idempotency-Key replay.
func WithIdempotency(s *idempotency.Store) HandlerOption {
	return func(h *Handler) { h.idem = s }
}

// WithPublisher sets the sale.completed publisher. It is called on the
// request path, so it must hand events off rather than wait on a broker
// (see events.AsyncPublisher).
func WithPublisher(p events.Publisher) HandlerOption {
	return func(h *Handler) {
		if p != nil {
			h.publisher = p
		}
	}
}

func NewHandler(checkout ports.CheckoutService, sales ports.SaleReader, opts ...HandlerOption) *Handler {
	h := &Handler{
		checkout:  checkout,
		sales:     sales,
		publisher: events.Noop{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Checkout turns the posted cart into a sale.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := decodeCheckout(ctx, w, r)
	if !ok {
		return
	}

	fingerprint, err := requestFingerprint(req)
	if err != nil {
		slog.ErrorContext(ctx, "fingerprint checkout request", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgInternal})
		return
	}
	key, handled := h.claim(ctx, w, interceptors.IdempotencyKeyFromContext(ctx), fingerprint)
	if handled {
		return
	}

	domainReq := req.toDomain()
	receipt, err := h.checkout.Checkout(ctx, domainReq)
	if err != nil {
		h.release(ctx, key)
		h.writeCheckoutError(ctx, w, err)
		return
	}

	body, err := json.Marshal(CheckoutResponse{
		Success:       true,
		TransactionID: receipt.SaleID,
		CheckoutID:    receipt.CheckoutID,
		StockUpdates:  receipt.StockUpdates,
	})
	if err != nil {
		// The sale is committed; only the response failed to encode.
		slog.ErrorContext(ctx, "encode checkout response", "sale_id", receipt.SaleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgInternal})
		return
	}

	writeRaw(w, http.StatusOK, body)
	h.remember(ctx, key, fingerprint, body)
	h.publish(ctx, domainReq, receipt)
}

// decodeCheckout writes the 400 itself when ok is false. A cart that is not
// an array is reported like an empty one.
func decodeCheckout(ctx context.Context, w http.ResponseWriter, r *http.Request) (req CheckoutRequest, ok bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(raw, &req)
	}
	if err == nil {
		return req, true
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field == "cart" {
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Error: validator.MsgCartEmpty, Field: "cart"})
		return req, false
	}
	slog.InfoContext(ctx, "rejecting undecodable checkout body", "error", err)
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgInvalidBody})
	return req, false
}

// requestFingerprint hashes the decoded request re-encoded, so whitespace and
// key order in the body do not matter.
func requestFingerprint(req CheckoutRequest) (string, error) {
	canonical, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return idempotency.Fingerprint(canonical), nil
}

// claim returns the key the caller now owns, or "" when replay is not in
// use. handled is true when a response was already written.
func (h *Handler) claim(ctx context.Context, w http.ResponseWriter, key, fingerprint string) (owned string, handled bool) {
	if h.idem == nil || key == "" {
		return "", false
	}
	stored, err := h.idem.Begin(ctx, key, fingerprint)
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Idempotency-Key was already used for a different checkout"})
		return "", true
	case errors.Is(err, idempotency.ErrInFlight):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "A checkout with this Idempotency-Key is already in progress"})
		return "", true
	case err != nil:
		slog.WarnContext(ctx, "idempotency store unavailable, checking out without replay protection", "error", err)
		return "", false
	case stored != nil:
		slog.InfoContext(ctx, "replaying stored checkout response", "request_id", interceptors.RequestIDFromContext(ctx))
		w.Header().Set(headerReplayed, "true")
		writeRaw(w, stored.Status, stored.Body)
		return "", true
	}
	return key, false
}

func (h *Handler) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := h.idem.Abandon(context.WithoutCancel(ctx), key); err != nil {
		slog.WarnContext(ctx, "could not release idempotency key", "error", err)
	}
}

func (h *Handler) remember(ctx context.Context, key, fingerprint string, body []byte) {
	if key == "" {
		return
	}
	resp := idempotency.Response{Status: http.StatusOK, Body: body}
	if err := h.idem.Complete(context.WithoutCancel(ctx), key, fingerprint, resp); err != nil {
		slog.WarnContext(ctx, "could not store checkout response for replay", "error", err)
	}
}

// publish hands the event off; a failure only costs the downstream
// notification.
func (h *Handler) publish(ctx context.Context, req domain.CheckoutRequest, receipt *domain.Receipt) {
	if err := h.publisher.PublishSaleCompleted(ctx, events.NewSaleCompleted(req, receipt)); err != nil {
		slog.ErrorContext(ctx, "publish sale.completed", "sale_id", receipt.SaleID, "error", err)
	}
}

func (h *Handler) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var verr *validator.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Error: verr.Message, Field: verr.Field})
		return
	}

	var cerr *coordinator.CheckoutError
	if errors.As(err, &cerr) {
		if cerr.Inconsistent() {
			slog.ErrorContext(ctx, "checkout left stock understated",
				"checkout_id", cerr.CheckoutID,
				"idempotency_key", interceptors.IdempotencyKeyFromContext(ctx),
				"rollback_failures", len(cerr.RollbackFailures))
		}
		if cerr.Reason.IsStockFailure() {
			writeJSON(w, http.StatusBadRequest, StockErrorResponse{
				Error:        cerr.Message,
				Reason:       string(cerr.Reason),
				CheckoutID:   cerr.CheckoutID,
				Details:      cerr.Details,
				Inconsistent: cerr.Inconsistent(),
			})
			return
		}
		status := http.StatusInternalServerError
		if cerr.Reason == coordinator.ReasonStockConflict {
			status = http.StatusConflict
		}
		writeJSON(w, status, ErrorResponse{
			Error:        cerr.Message,
			Reason:       string(cerr.Reason),
			CheckoutID:   cerr.CheckoutID,
			Inconsistent: cerr.Inconsistent(),
		})
		return
	}

	slog.ErrorContext(ctx, "unexpected checkout error", "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgInternal})
}

// GetSale returns a committed sale by id.
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sale, err := h.sales.Get(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrSaleNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Sale not found"})
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "read sale", "sale_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgInternal})
		return
	}
	writeJSON(w, http.StatusOK, mapSaleToResponse(sale))
}

// GetCheckoutLog returns the recorded state transitions of one attempt.
func (h *Handler) GetCheckoutLog(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Checkout log is disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	entries, err := h.log.List(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "read checkout log", "checkout_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgInternal})
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Checkout not found"})
		return
	}
	writeJSON(w, http.StatusOK, mapLogEntries(entries))
}

// GetCheckoutStatus reports where a checkout attempt stands, from the last
// log entry written for it.
func (h *Handler) GetCheckoutStatus(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Checkout log is disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	latest, err := h.log.Latest(r.Context(), id)
	switch {
	case errors.Is(err, sagalog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Checkout not found"})
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "read checkout status", "checkout_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgInternal})
		return
	}
	writeJSON(w, http.StatusOK, CheckoutStatusResponse{
		CheckoutID: id,
		State:      checkoutState(latest.Status),
		Last:       mapLogEntries([]*sagalog.Entry{latest})[0],
	})
}

func checkoutState(s sagalog.Status) string {
	switch s {
	case sagalog.StatusDone:
		return "completed"
	case sagalog.StatusFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func mapLogEntries(entries []*sagalog.Entry) []CheckoutLogEntry {
	out := make([]CheckoutLogEntry, 0, len(entries))
	for _, e := range entries {
		le := CheckoutLogEntry{
			Status:     string(e.Status),
			Step:       e.Step,
			Errors:     json.RawMessage(e.Errors),
			TraceID:    e.TraceID,
			RecordedAt: e.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if e.Payload != "" {
			le.Payload = json.RawMessage(e.Payload)
		}
		if e.Errors == "" {
			le.Errors = json.RawMessage("[]")
		}
		out = append(out, le)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
