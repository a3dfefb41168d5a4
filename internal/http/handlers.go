package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ticketmint/ticket-engine/internal/adapters/mongo"
	redisadapter "github.com/ticketmint/ticket-engine/internal/adapters/redis"
	"github.com/ticketmint/ticket-engine/internal/config"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/entry"
	"github.com/ticketmint/ticket-engine/internal/inventory"
	"github.com/ticketmint/ticket-engine/internal/issuance"
	"github.com/ticketmint/ticket-engine/internal/observability"
	"github.com/ticketmint/ticket-engine/internal/pricing"
	"github.com/ticketmint/ticket-engine/internal/transfer"
)

// Store is the slice of the relational repository the handlers read
// directly; all writes go through the services.
type Store interface {
	GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	GetType(ctx context.Context, id uuid.UUID) (domain.TicketType, error)
	GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	GetOwnershipChain(ctx context.Context, ticketID uuid.UUID) ([]domain.OwnershipRecord, error)
	Ping(ctx context.Context) error
}

// Catalog reads event master data from the document store.
type Catalog interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*mongo.EventDoc, error)
}

// Audit records business events. Implementations are fire-and-forget.
type Audit interface {
	RecordEvent(ctx context.Context, actor uuid.UUID, action, entityType, entityID string, before, after map[string]interface{})
}

// Idempotency caches POST responses for replay on a repeated key.
type Idempotency interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
}

type Handlers struct {
	cfg      *config.Config
	repo     Store
	catalog  Catalog
	audit    Audit
	ledger   *inventory.Ledger
	pricing  *pricing.Engine
	issuance *issuance.Service
	transfer *transfer.Service
	entry    *entry.Service
	idemp    Idempotency
	validate *validator.Validate
	logger   observability.Logger
}

func NewHandlers(
	cfg *config.Config,
	repo Store,
	catalog Catalog,
	audit Audit,
	ledger *inventory.Ledger,
	pricingEngine *pricing.Engine,
	issuanceSvc *issuance.Service,
	transferSvc *transfer.Service,
	entrySvc *entry.Service,
	idemp Idempotency,
	logger observability.Logger,
) *Handlers {
	return &Handlers{
		cfg:      cfg,
		repo:     repo,
		catalog:  catalog,
		audit:    audit,
		ledger:   ledger,
		pricing:  pricingEngine,
		issuance: issuanceSvc,
		transfer: transferSvc,
		entry:    entrySvc,
		idemp:    idemp,
		validate: validator.New(),
		logger:   logger,
	}
}

const idempTTL = 24 * time.Hour

// replayed serves a cached response for a repeated idempotency key and
// reports whether the request is done.
func (h *Handlers) replayed(w http.ResponseWriter, r *http.Request) bool {
	existing, err := h.idemp.Get(r.Context(), r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.logger.Error("idempotency lookup failed", err)
		return false
	}
	if existing == nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(existing.Status)
	w.Write(existing.Result)
	return true
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)

	if r.Method == http.MethodPost {
		key := r.Header.Get("Idempotency-Key")
		if err := h.idemp.Set(r.Context(), key, redisadapter.IdempResponse{Status: status, Result: data}, idempTTL); err != nil {
			h.logger.Error("idempotency store failed", err)
		}
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, err error) {
	msg := err.Error()
	var status int
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientInventory),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrDuplicateIdentifier):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrSerializationFailure):
		status = http.StatusConflict
		msg = "conflict, try again"
	case errors.Is(err, domain.ErrTransferNotAllowed):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidTypeState),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTypeMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrExternalDependency):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	http.Error(w, msg, status)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	if h.replayed(w, r) {
		return
	}
	var req struct {
		TypeID     uuid.UUID `json:"type_id" validate:"required"`
		CustomerID uuid.UUID `json:"customer_id" validate:"required"`
		Quantity   int       `json:"quantity" validate:"required,gt=0"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	eligibility, err := h.pricing.CheckEligibility(r.Context(), req.TypeID, req.Quantity, req.CustomerID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !eligibility.Eligible {
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]interface{}{
			"eligible": false,
			"failures": eligibility.Failed,
			"warnings": eligibility.Warnings,
		})
		return
	}

	res, err := h.ledger.Reserve(r.Context(), req.TypeID, req.CustomerID, req.Quantity, h.cfg.ReservationTTL)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respond(w, r, http.StatusCreated, map[string]interface{}{
		"reservation_id": res.ID,
		"expires_at":     res.ExpiresAt.Format(time.RFC3339),
		"warnings":       eligibility.Warnings,
	})
}

func (h *Handlers) GetAvailability(w http.ResponseWriter, r *http.Request) {
	typeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid type id", http.StatusBadRequest)
		return
	}
	tt, err := h.repo.GetType(r.Context(), typeID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, r, http.StatusOK, map[string]interface{}{
		"type_id":   tt.ID,
		"status":    tt.Status,
		"available": tt.AvailableQuantity,
		"total":     tt.TotalQuantity,
	})
}

func (h *Handlers) CreateQuote(w http.ResponseWriter, r *http.Request) {
	if h.replayed(w, r) {
		return
	}
	var req struct {
		TypeID    uuid.UUID `json:"type_id" validate:"required"`
		Quantity  int       `json:"quantity" validate:"required,gt=0"`
		PromoCode string    `json:"promo_code"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	quote, err := h.pricing.ComputePrice(r.Context(), req.TypeID, req.Quantity, req.PromoCode)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, r, http.StatusOK, quoteBody(quote))
}

func quoteBody(q pricing.Quote) map[string]interface{} {
	return map[string]interface{}{
		"base":      q.Base,
		"fees":      q.Fees,
		"taxes":     q.Taxes,
		"discount":  q.Discount,
		"total":     q.Total,
		"breakdown": q.Breakdown,
	}
}

func (h *Handlers) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	if h.replayed(w, r) {
		return
	}
	var req struct {
		ReservationID uuid.UUID `json:"reservation_id" validate:"required"`
		PromoCode     string    `json:"promo_code"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.completePurchase(w, r, req.ReservationID, req.PromoCode)
}

// completePurchase converts a reservation into issued tickets. The
// quote and catalog lookups run before CommitSale so a pricing or
// catalog failure leaves the reservation intact and retryable; after
// the commit only the per-unit fault-tolerant issuance remains.
func (h *Handlers) completePurchase(w http.ResponseWriter, r *http.Request, reservationID uuid.UUID, promoCode string) {
	ctx := r.Context()

	res, err := h.repo.GetReservation(ctx, reservationID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	quote, err := h.pricing.ComputePrice(ctx, res.TypeID, res.Quantity, promoCode)
	if err != nil {
		h.respondError(w, err)
		return
	}

	tt, err := h.repo.GetType(ctx, res.TypeID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	event, err := h.catalog.GetEvent(ctx, tt.EventID)
	if err != nil {
		h.respondError(w, errors.Wrap(domain.ErrExternalDependency, err.Error()))
		return
	}

	res, err = h.ledger.CommitSale(ctx, reservationID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	unitPrice := quote.Total.Div(decimal.NewFromInt(int64(res.Quantity)))
	result, err := h.issuance.IssueBatch(ctx, issuance.IssueInput{
		TypeID:           res.TypeID,
		EventID:          tt.EventID,
		OwnerID:          res.CustomerID,
		PurchaserID:      res.CustomerID,
		PricePaid:        unitPrice,
		FeesPaid:         quote.Fees.Div(decimal.NewFromInt(int64(res.Quantity))),
		SourceTxRef:      res.ID.String(),
		ValidFrom:        res.CreatedAt,
		ValidUntil:       event.EndsAt,
		EntryAllowedFrom: event.StartsAt.Add(-time.Hour),
		EntryCutoff:      event.StartsAt.Add(time.Hour),
	}, res.Quantity)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.audit.RecordEvent(ctx, res.CustomerID, "purchase.completed", "reservation", res.ID.String(), nil,
		map[string]interface{}{"quantity": res.Quantity, "total": quote.Total.String()})

	tickets := make([]map[string]interface{}, 0, len(result.Tickets))
	for _, t := range result.Tickets {
		tickets = append(tickets, map[string]interface{}{
			"ticket_id": t.ID,
			"number":    t.Number,
			"barcode":   t.Barcode,
		})
	}
	failures := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		failures = append(failures, e.Err.Error())
	}

	status := http.StatusCreated
	if result.Failed > 0 {
		status = http.StatusMultiStatus
	}
	h.respond(w, r, status, map[string]interface{}{
		"reservation_id": res.ID,
		"quote":          quoteBody(quote),
		"issued":         result.Succeeded,
		"failed":         result.Failed,
		"tickets":        tickets,
		"failures":       failures,
		"unit_price":     unitPrice,
	})
}

func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	if h.replayed(w, r) {
		return
	}
	var req struct {
		ReservationID uuid.UUID `json:"reservation_id" validate:"required"`
		Status        string    `json:"status" validate:"required,oneof=succeeded failed"`
		PromoCode     string    `json:"promo_code"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if req.Status == "failed" {
		if err := h.ledger.ReleaseReservation(r.Context(), req.ReservationID); err != nil {
			h.respondError(w, err)
			return
		}
		h.respond(w, r, http.StatusOK, map[string]interface{}{"released": true})
		return
	}
	h.completePurchase(w, r, req.ReservationID, req.PromoCode)
}

func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid ticket id", http.StatusBadRequest)
		return
	}
	ticket, err := h.repo.GetTicket(r.Context(), ticketID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	chain, err := h.repo.GetOwnershipChain(r.Context(), ticketID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	owners := make([]map[string]interface{}, 0, len(chain))
	for _, rec := range chain {
		owners = append(owners, map[string]interface{}{
			"owner_id":    rec.OwnerID,
			"acquisition": rec.Acquisition,
			"owned_from":  rec.OwnedFrom.Format(time.RFC3339),
			"owned_until": rec.OwnedUntil,
			"current":     rec.IsCurrentOwner,
		})
	}
	h.respond(w, r, http.StatusOK, map[string]interface{}{
		"ticket_id":      ticket.ID,
		"number":         ticket.Number,
		"status":         ticket.Status,
		"owner_id":       ticket.OwnerID,
		"transfer_count": ticket.TransferCount,
		"external_ref":   ticket.ExternalRef,
		"ownership":      owners,
	})
}

func (h *Handlers) InitiateTransfer(w http.ResponseWriter, r *http.Request) {
	if h.replayed(w, r) {
		return
	}
	ticketID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid ticket id", http.StatusBadRequest)
		return
	}
	var req struct {
		FromUserID uuid.UUID       `json:"from_user_id" validate:"required"`
		ToUserID   uuid.UUID       `json:"to_user_id" validate:"required"`
		Type       string          `json:"type" validate:"omitempty,oneof=SALE GIFT"`
		Price      decimal.Decimal `json:"price"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	request, err := h.transfer.Initiate(r.Context(), transfer.InitiateInput{
		TicketID:   ticketID,
		FromUserID: req.FromUserID,
		ToUserID:   req.ToUserID,
		Type:       domain.TransferType(req.Type),
		Price:      req.Price,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.audit.RecordEvent(r.Context(), req.FromUserID, "transfer.initiated", "ticket", ticketID.String(), nil,
		map[string]interface{}{"to": req.ToUserID.String(), "status": string(request.Status)})

	status := http.StatusCreated
	if request.Status == domain.TransferPending {
		status = http.StatusAccepted
	}
	h.respond(w, r, status, transferBody(request))
}

func (h *Handlers) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	h.resolveTransfer(w, r, true)
}

func (h *Handlers) RejectTransfer(w http.ResponseWriter, r *http.Request) {
	h.resolveTransfer(w, r, false)
}

func (h *Handlers) resolveTransfer(w http.ResponseWriter, r *http.Request, approve bool) {
	if h.replayed(w, r) {
		return
	}
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}
	var req struct {
		UserID uuid.UUID `json:"user_id" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	var request domain.TransferRequest
	if approve {
		request, err = h.transfer.Approve(r.Context(), requestID, req.UserID)
	} else {
		request, err = h.transfer.Reject(r.Context(), requestID, req.UserID)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, r, http.StatusOK, transferBody(request))
}

func transferBody(req domain.TransferRequest) map[string]interface{} {
	return map[string]interface{}{
		"request_id": req.ID,
		"ticket_id":  req.TicketID,
		"from":       req.FromUserID,
		"to":         req.ToUserID,
		"status":     req.Status,
		"expires_at": req.ExpiresAt.Format(time.RFC3339),
	}
}

// RevokeTicket pulls a ticket out of circulation on refund or
// cancellation. The freed unit returns to saleable inventory.
func (h *Handlers) RevokeTicket(w http.ResponseWriter, r *http.Request) {
	if h.replayed(w, r) {
		return
	}
	ticketID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid ticket id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason      string    `json:"reason" validate:"required,oneof=REFUNDED CANCELLED"`
		RequesterID uuid.UUID `json:"requester_id" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.transfer.Revoke(r.Context(), ticketID, domain.TicketStatus(req.Reason)); err != nil {
		h.respondError(w, err)
		return
	}

	h.audit.RecordEvent(r.Context(), req.RequesterID, "ticket.revoked", "ticket", ticketID.String(), nil,
		map[string]interface{}{"reason": req.Reason})

	h.respond(w, r, http.StatusOK, map[string]interface{}{
		"ticket_id": ticketID,
		"status":    req.Reason,
	})
}

func (h *Handlers) ValidateEntry(w http.ResponseWriter, r *http.Request) {
	if h.replayed(w, r) {
		return
	}
	var req struct {
		Barcode     string    `json:"barcode" validate:"required"`
		Location    string    `json:"location"`
		DeviceID    string    `json:"device_id"`
		ValidatorID uuid.UUID `json:"validator_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	decision, err := h.entry.ValidateEntry(r.Context(), entry.ValidateInput{
		Barcode:     req.Barcode,
		Location:    req.Location,
		DeviceID:    req.DeviceID,
		ValidatorID: req.ValidatorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respond(w, r, http.StatusOK, map[string]interface{}{
		"valid":      decision.Valid,
		"result":     decision.Result,
		"flags":      decision.Flags,
		"confidence": decision.Confidence,
	})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
