package issuance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/observability"
)

type fakeRepo struct {
	mu        sync.Mutex
	types     map[uuid.UUID]domain.TicketType
	sequences map[string]int64
	tickets   map[uuid.UUID]domain.Ticket
	barcodes  map[string]bool
	ownership map[uuid.UUID][]domain.OwnershipRecord
	ledger    map[uuid.UUID]domain.ExternalLedgerRecord
	events    []string

	failCreates int // force ErrDuplicateIdentifier for the first n creates
	failTicket  func(domain.Ticket) error
	createCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		types:     make(map[uuid.UUID]domain.TicketType),
		sequences: make(map[string]int64),
		tickets:   make(map[uuid.UUID]domain.Ticket),
		barcodes:  make(map[string]bool),
		ownership: make(map[uuid.UUID][]domain.OwnershipRecord),
		ledger:    make(map[uuid.UUID]domain.ExternalLedgerRecord),
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeRepo) GetType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	tt, ok := f.types[id]
	if !ok {
		return domain.TicketType{}, domain.ErrNotFound
	}
	return tt, nil
}

func (f *fakeRepo) NextTicketSequence(ctx context.Context, eventID, typeID uuid.UUID) (int64, error) {
	key := eventID.String() + "/" + typeID.String()
	f.sequences[key]++
	return f.sequences[key], nil
}

func (f *fakeRepo) CreateTicket(ctx context.Context, t domain.Ticket) error {
	f.createCalls++
	if f.failCreates > 0 {
		f.failCreates--
		return domain.ErrDuplicateIdentifier
	}
	if f.failTicket != nil {
		if err := f.failTicket(t); err != nil {
			return err
		}
	}
	if f.barcodes[t.Barcode] {
		return domain.ErrDuplicateIdentifier
	}
	f.barcodes[t.Barcode] = true
	f.tickets[t.ID] = t
	return nil
}

func (f *fakeRepo) CreateOwnershipRecord(ctx context.Context, rec domain.OwnershipRecord) error {
	f.ownership[rec.TicketID] = append(f.ownership[rec.TicketID], rec)
	return nil
}

func (f *fakeRepo) CreateLedgerRecord(ctx context.Context, rec domain.ExternalLedgerRecord) error {
	f.ledger[rec.TicketID] = rec
	return nil
}

func (f *fakeRepo) EnqueueEvent(ctx context.Context, aggregateType string, aggregateID uuid.UUID, eventType string, payload interface{}) error {
	f.events = append(f.events, eventType)
	return nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedType(repo *fakeRepo) domain.TicketType {
	tt := domain.TicketType{
		ID:           uuid.New(),
		EventID:      uuid.New(),
		Status:       domain.TicketTypeActive,
		Transferable: true,
	}
	repo.types[tt.ID] = tt
	return tt
}

func validInput(tt domain.TicketType) IssueInput {
	return IssueInput{
		TypeID:           tt.ID,
		EventID:          tt.EventID,
		OwnerID:          uuid.New(),
		PricePaid:        decimal.NewFromInt(100),
		ValidFrom:        testNow,
		ValidUntil:       testNow.Add(6 * time.Hour),
		EntryAllowedFrom: testNow.Add(-time.Hour),
		EntryCutoff:      testNow.Add(3 * time.Hour),
	}
}

func newService(repo *fakeRepo) *Service {
	return NewService(repo, clock.NewFixed(testNow), observability.NewLogger())
}

func TestIssueCreatesTicketChainAndLedgerRow(t *testing.T) {
	repo := newFakeRepo()
	tt := seedType(repo)
	svc := newService(repo)
	in := validInput(tt)

	ticket, err := svc.Issue(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, domain.TicketSold, ticket.Status)
	assert.True(t, ticket.IsActive)
	assert.True(t, ticket.Transferable)
	assert.Equal(t, in.OwnerID, ticket.OwnerID)
	assert.Equal(t, in.OwnerID, ticket.OriginalPurchaserID)
	assert.NotEmpty(t, ticket.Barcode)
	assert.True(t, VerifyTicket(ticket))

	chain := repo.ownership[ticket.ID]
	require.Len(t, chain, 1)
	assert.True(t, chain[0].IsCurrentOwner)
	assert.Equal(t, domain.AcquisitionPurchase, chain[0].Acquisition)

	rec, ok := repo.ledger[ticket.ID]
	require.True(t, ok)
	assert.Equal(t, domain.SyncPending, rec.SyncStatus)
	assert.Equal(t, in.OwnerID.String(), rec.OwnerRef)

	assert.Equal(t, []string{"ticket.issued"}, repo.events)
}

func TestIssueNumbersAreSequentialPerType(t *testing.T) {
	repo := newFakeRepo()
	tt := seedType(repo)
	other := seedType(repo)
	svc := newService(repo)

	first, err := svc.Issue(context.Background(), validInput(tt))
	require.NoError(t, err)
	second, err := svc.Issue(context.Background(), validInput(tt))
	require.NoError(t, err)
	otherFirst, err := svc.Issue(context.Background(), validInput(other))
	require.NoError(t, err)

	prefix := fmt.Sprintf("TKT-%.8s", first.Number[4:])
	assert.Contains(t, first.Number, "000001")
	assert.Contains(t, second.Number, "000002")
	assert.Contains(t, second.Number, prefix[4:])
	// the other type starts its own counter
	assert.Contains(t, otherFirst.Number, "000001")
}

func TestIssueRetriesOnDuplicateIdentifier(t *testing.T) {
	repo := newFakeRepo()
	tt := seedType(repo)
	repo.failCreates = 2
	svc := newService(repo)

	ticket, err := svc.Issue(context.Background(), validInput(tt))
	require.NoError(t, err)
	assert.Equal(t, 3, repo.createCalls)
	assert.True(t, VerifyTicket(ticket))
}

func TestIssueGivesUpAfterRepeatedCollisions(t *testing.T) {
	repo := newFakeRepo()
	tt := seedType(repo)
	repo.failCreates = 10
	svc := newService(repo)

	_, err := svc.Issue(context.Background(), validInput(tt))
	require.ErrorIs(t, err, domain.ErrDuplicateIdentifier)
}

func TestIssueEventMismatch(t *testing.T) {
	repo := newFakeRepo()
	tt := seedType(repo)
	svc := newService(repo)

	in := validInput(tt)
	in.EventID = uuid.New()
	_, err := svc.Issue(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrTypeMismatch)
}

func TestIssueRetiredType(t *testing.T) {
	repo := newFakeRepo()
	tt := seedType(repo)
	tt.Status = domain.TicketTypeRetired
	repo.types[tt.ID] = tt
	svc := newService(repo)

	_, err := svc.Issue(context.Background(), validInput(tt))
	require.ErrorIs(t, err, domain.ErrInvalidTypeState)
}

func TestIssueBatchPartialFailure(t *testing.T) {
	repo := newFakeRepo()
	tt := seedType(repo)
	// exactly one unit draws sequence 3 and hits a storage failure
	errBoom := fmt.Errorf("storage down")
	repo.failTicket = func(ticket domain.Ticket) error {
		if strings.HasSuffix(ticket.Number, "000003") {
			return errBoom
		}
		return nil
	}
	svc := newService(repo)

	result, err := svc.IssueBatch(context.Background(), validInput(tt), 5)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.ErrorIs(t, result.Errors[0].Err, errBoom)
	// the successful units stay issued
	assert.Len(t, repo.tickets, 4)
}

func TestIssueBatchAllSucceed(t *testing.T) {
	repo := newFakeRepo()
	tt := seedType(repo)
	svc := newService(repo)

	result, err := svc.IssueBatch(context.Background(), validInput(tt), 8)
	require.NoError(t, err)
	assert.Equal(t, 8, result.Succeeded)
	assert.Zero(t, result.Failed)
	assert.Len(t, result.Tickets, 8)

	seen := make(map[string]bool)
	for _, ticket := range result.Tickets {
		assert.False(t, seen[ticket.Barcode], "barcode reused")
		seen[ticket.Barcode] = true
	}
}

func TestIssueValidation(t *testing.T) {
	repo := newFakeRepo()
	tt := seedType(repo)
	svc := newService(repo)

	in := validInput(tt)
	in.OwnerID = uuid.Nil
	_, err := svc.Issue(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	in = validInput(tt)
	in.ValidUntil = in.ValidFrom.Add(-time.Hour)
	_, err = svc.Issue(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
