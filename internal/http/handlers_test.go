package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketmint/ticket-engine/internal/adapters/mongo"
	redisadapter "github.com/ticketmint/ticket-engine/internal/adapters/redis"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/config"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/inventory"
	"github.com/ticketmint/ticket-engine/internal/issuance"
	"github.com/ticketmint/ticket-engine/internal/observability"
	"github.com/ticketmint/ticket-engine/internal/pricing"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	reservations map[uuid.UUID]domain.Reservation
	types        map[uuid.UUID]domain.TicketType
}

func (f *fakeStore) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	res, ok := f.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return res, nil
}

func (f *fakeStore) GetType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	tt, ok := f.types[id]
	if !ok {
		return domain.TicketType{}, domain.ErrNotFound
	}
	return tt, nil
}

func (f *fakeStore) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return domain.Ticket{}, domain.ErrNotFound
}

func (f *fakeStore) GetOwnershipChain(ctx context.Context, ticketID uuid.UUID) ([]domain.OwnershipRecord, error) {
	return nil, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

type fakeInvRepo struct {
	types        map[uuid.UUID]*domain.TicketType
	reservations map[uuid.UUID]*domain.Reservation
	commits      int
}

func (f *fakeInvRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeInvRepo) GetTypeForUpdate(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	tt, ok := f.types[id]
	if !ok {
		return domain.TicketType{}, domain.ErrNotFound
	}
	return *tt, nil
}

func (f *fakeInvRepo) UpdateTypeCounters(ctx context.Context, t domain.TicketType) error {
	f.types[t.ID] = &t
	return nil
}

func (f *fakeInvRepo) CreateReservation(ctx context.Context, res domain.Reservation) error {
	f.reservations[res.ID] = &res
	return nil
}

func (f *fakeInvRepo) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	res, ok := f.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return *res, nil
}

func (f *fakeInvRepo) UpdateReservationStatus(ctx context.Context, id uuid.UUID, status domain.ReservationStatus) error {
	res, ok := f.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	res.Status = status
	if status == domain.ReservationCommitted {
		f.commits++
	}
	return nil
}

func (f *fakeInvRepo) GetExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	return nil, nil
}

type fakePriceRepo struct {
	tt  domain.TicketType
	err error
}

func (f *fakePriceRepo) GetType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	if f.err != nil {
		return domain.TicketType{}, f.err
	}
	return f.tt, nil
}

func (f *fakePriceRepo) CountCustomerPurchases(ctx context.Context, typeID, customerID uuid.UUID) (int, error) {
	return 0, nil
}

type fakeIssueRepo struct {
	mu      sync.Mutex
	tt      domain.TicketType
	seq     int64
	tickets []domain.Ticket
}

func (f *fakeIssueRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeIssueRepo) GetType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	return f.tt, nil
}

func (f *fakeIssueRepo) NextTicketSequence(ctx context.Context, eventID, typeID uuid.UUID) (int64, error) {
	f.seq++
	return f.seq, nil
}

func (f *fakeIssueRepo) CreateTicket(ctx context.Context, t domain.Ticket) error {
	f.tickets = append(f.tickets, t)
	return nil
}

func (f *fakeIssueRepo) CreateOwnershipRecord(ctx context.Context, rec domain.OwnershipRecord) error {
	return nil
}

func (f *fakeIssueRepo) CreateLedgerRecord(ctx context.Context, rec domain.ExternalLedgerRecord) error {
	return nil
}

func (f *fakeIssueRepo) EnqueueEvent(ctx context.Context, aggregateType string, aggregateID uuid.UUID, eventType string, payload interface{}) error {
	return nil
}

type fakeCatalog struct {
	event *mongo.EventDoc
	err   error
}

func (f *fakeCatalog) GetEvent(ctx context.Context, id uuid.UUID) (*mongo.EventDoc, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.event, nil
}

type fakeAudit struct {
	actions []string
}

func (f *fakeAudit) RecordEvent(ctx context.Context, actor uuid.UUID, action, entityType, entityID string, before, after map[string]interface{}) {
	f.actions = append(f.actions, action)
}

type fakeIdemp struct {
	m map[string]redisadapter.IdempResponse
}

func (f *fakeIdemp) Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error) {
	if resp, ok := f.m[key]; ok {
		return &resp, nil
	}
	return nil, nil
}

func (f *fakeIdemp) Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error {
	f.m[key] = resp
	return nil
}

type purchaseFixture struct {
	store    *fakeStore
	inv      *fakeInvRepo
	price    *fakePriceRepo
	issue    *fakeIssueRepo
	catalog  *fakeCatalog
	audit    *fakeAudit
	handlers *Handlers
	res      domain.Reservation
}

func newPurchaseFixture(t *testing.T) *purchaseFixture {
	t.Helper()

	tt := domain.TicketType{
		ID:             uuid.New(),
		EventID:        uuid.New(),
		Name:           "general admission",
		UnitPrice:      decimal.NewFromInt(100),
		TotalQuantity:  10,
		SoldQuantity:   0,
		SaleStart:      testNow.Add(-time.Hour),
		SaleEnd:        testNow.Add(time.Hour),
		MinPurchaseQty: 1,
		MaxPurchaseQty: 10,
		Transferable:   true,
		Status:         domain.TicketTypeActive,
	}
	tt.ReservedQuantity = 2
	tt.AvailableQuantity = 8

	res := domain.Reservation{
		ID:         uuid.New(),
		TypeID:     tt.ID,
		CustomerID: uuid.New(),
		Quantity:   2,
		Status:     domain.ReservationActive,
		ExpiresAt:  testNow.Add(10 * time.Minute),
		CreatedAt:  testNow,
	}

	fx := &purchaseFixture{
		store: &fakeStore{
			reservations: map[uuid.UUID]domain.Reservation{res.ID: res},
			types:        map[uuid.UUID]domain.TicketType{tt.ID: tt},
		},
		inv: &fakeInvRepo{
			types:        map[uuid.UUID]*domain.TicketType{tt.ID: &tt},
			reservations: map[uuid.UUID]*domain.Reservation{res.ID: &res},
		},
		price: &fakePriceRepo{tt: tt},
		issue: &fakeIssueRepo{tt: tt},
		catalog: &fakeCatalog{event: &mongo.EventDoc{
			ID:       tt.EventID,
			StartsAt: testNow.Add(2 * time.Hour),
			EndsAt:   testNow.Add(5 * time.Hour),
		}},
		audit: &fakeAudit{},
		res:   res,
	}

	clk := clock.NewFixed(testNow)
	logger := observability.NewLogger()
	fx.handlers = NewHandlers(
		&config.Config{},
		fx.store,
		fx.catalog,
		fx.audit,
		inventory.NewLedger(fx.inv, clk, logger),
		pricing.NewEngine(fx.price, nil, clk),
		issuance.NewService(fx.issue, clk, logger),
		nil,
		nil,
		&fakeIdemp{m: make(map[string]redisadapter.IdempResponse)},
		logger,
	)
	return fx
}

func postPurchase(h *Handlers, reservationID uuid.UUID) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"reservation_id":%q}`, reservationID)
	req := httptest.NewRequest(http.MethodPost, "/v1/purchases", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "purchase-key-0000000001")
	w := httptest.NewRecorder()
	h.CreatePurchase(w, req)
	return w
}

func TestCreatePurchaseIssuesTickets(t *testing.T) {
	fx := newPurchaseFixture(t)

	w := postPurchase(fx.handlers, fx.res.ID)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Issued  int `json:"issued"`
		Failed  int `json:"failed"`
		Tickets []struct {
			Number string `json:"number"`
		} `json:"tickets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Issued)
	assert.Zero(t, resp.Failed)
	assert.Len(t, fx.issue.tickets, 2)

	assert.Equal(t, 1, fx.inv.commits)
	assert.Equal(t, domain.ReservationCommitted, fx.inv.reservations[fx.res.ID].Status)
	assert.Equal(t, []string{"purchase.completed"}, fx.audit.actions)
}

func TestCreatePurchasePricingFailureLeavesReservation(t *testing.T) {
	fx := newPurchaseFixture(t)
	fx.price.err = domain.ErrNotFound

	w := postPurchase(fx.handlers, fx.res.ID)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// the sale was never committed, so a retry can still succeed
	assert.Zero(t, fx.inv.commits)
	assert.Equal(t, domain.ReservationActive, fx.inv.reservations[fx.res.ID].Status)
	assert.Empty(t, fx.issue.tickets)
}

func TestCreatePurchaseCatalogFailureLeavesReservation(t *testing.T) {
	fx := newPurchaseFixture(t)
	fx.catalog.err = fmt.Errorf("catalog unavailable")

	w := postPurchase(fx.handlers, fx.res.ID)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	assert.Zero(t, fx.inv.commits)
	assert.Equal(t, domain.ReservationActive, fx.inv.reservations[fx.res.ID].Status)
	assert.Empty(t, fx.issue.tickets)
}
