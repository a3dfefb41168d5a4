package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/observability"
)

// fakeRepo serializes transactions with one mutex, standing in for the
// row lock the real repository takes.
type fakeRepo struct {
	mu           sync.Mutex
	types        map[uuid.UUID]*domain.TicketType
	reservations map[uuid.UUID]*domain.Reservation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		types:        make(map[uuid.UUID]*domain.TicketType),
		reservations: make(map[uuid.UUID]*domain.Reservation),
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeRepo) GetTypeForUpdate(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	t, ok := f.types[id]
	if !ok {
		return domain.TicketType{}, domain.ErrNotFound
	}
	return *t, nil
}

func (f *fakeRepo) UpdateTypeCounters(ctx context.Context, t domain.TicketType) error {
	cur, ok := f.types[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cur.SoldQuantity = t.SoldQuantity
	cur.ReservedQuantity = t.ReservedQuantity
	cur.AvailableQuantity = t.AvailableQuantity
	cur.Status = t.Status
	return nil
}

func (f *fakeRepo) CreateReservation(ctx context.Context, res domain.Reservation) error {
	f.reservations[res.ID] = &res
	return nil
}

func (f *fakeRepo) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	res, ok := f.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return *res, nil
}

func (f *fakeRepo) UpdateReservationStatus(ctx context.Context, id uuid.UUID, status domain.ReservationStatus) error {
	res, ok := f.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	res.Status = status
	return nil
}

func (f *fakeRepo) GetExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, res := range f.reservations {
		if res.Status == domain.ReservationActive && !res.ExpiresAt.After(now) {
			out = append(out, *res)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) sum(id uuid.UUID) int {
	t := f.types[id]
	return t.SoldQuantity + t.ReservedQuantity + t.AvailableQuantity
}

func newLedger(repo *fakeRepo, now time.Time) *Ledger {
	return NewLedger(repo, clock.NewFixed(now), observability.NewLogger())
}

func seedType(repo *fakeRepo, total int) uuid.UUID {
	id := uuid.New()
	repo.types[id] = &domain.TicketType{
		ID:                id,
		TotalQuantity:     total,
		AvailableQuantity: total,
		Status:            domain.TicketTypeActive,
	}
	return id
}

func TestReserveAndCommit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	ledger := newLedger(repo, now)
	typeID := seedType(repo, 10)

	res, err := ledger.Reserve(context.Background(), typeID, uuid.New(), 3, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, repo.types[typeID].ReservedQuantity)
	assert.Equal(t, 7, repo.types[typeID].AvailableQuantity)
	assert.Equal(t, 10, repo.sum(typeID))

	_, err = ledger.CommitSale(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, repo.types[typeID].SoldQuantity)
	assert.Equal(t, 0, repo.types[typeID].ReservedQuantity)
	assert.Equal(t, 10, repo.sum(typeID))

	// committing twice conflicts
	_, err = ledger.CommitSale(context.Background(), res.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestReserveLastUnitConcurrently(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	ledger := newLedger(repo, now)
	typeID := seedType(repo, 1)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(context.Background(), typeID, uuid.New(), 1, time.Minute)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflict int
	for err := range results {
		if err == nil {
			ok++
		} else if assert.ErrorIs(t, err, domain.ErrInsufficientInventory) {
			conflict++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)
	assert.Equal(t, domain.TicketTypeSoldOut, repo.types[typeID].Status)
	assert.Equal(t, 1, repo.sum(typeID))
}

func TestReleaseReservationIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	ledger := newLedger(repo, now)
	typeID := seedType(repo, 5)

	res, err := ledger.Reserve(context.Background(), typeID, uuid.New(), 2, time.Minute)
	require.NoError(t, err)
	require.NoError(t, ledger.ReleaseReservation(context.Background(), res.ID))
	assert.Equal(t, 5, repo.types[typeID].AvailableQuantity)

	// double release must not double-credit
	require.NoError(t, ledger.ReleaseReservation(context.Background(), res.ID))
	assert.Equal(t, 5, repo.types[typeID].AvailableQuantity)
	assert.Equal(t, 0, repo.types[typeID].ReservedQuantity)
	assert.Equal(t, 5, repo.sum(typeID))
}

func TestSoldOutRevertsToActiveOnRelease(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	ledger := newLedger(repo, now)
	typeID := seedType(repo, 2)

	res, err := ledger.Reserve(context.Background(), typeID, uuid.New(), 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketTypeSoldOut, repo.types[typeID].Status)

	require.NoError(t, ledger.ReleaseReservation(context.Background(), res.ID))
	assert.Equal(t, domain.TicketTypeActive, repo.types[typeID].Status)
}

func TestCommitExpiredReservation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	typeID := seedType(repo, 5)

	res, err := newLedger(repo, now).Reserve(context.Background(), typeID, uuid.New(), 2, time.Minute)
	require.NoError(t, err)

	late := newLedger(repo, now.Add(2*time.Minute))
	_, err = late.CommitSale(context.Background(), res.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.ReservationExpired, repo.reservations[res.ID].Status)
	assert.Equal(t, 5, repo.types[typeID].AvailableQuantity)
}

func TestExpireReservationsSweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	typeID := seedType(repo, 5)

	res, err := newLedger(repo, now).Reserve(context.Background(), typeID, uuid.New(), 3, time.Minute)
	require.NoError(t, err)

	swept, err := newLedger(repo, now.Add(5*time.Minute)).ExpireReservations(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, domain.ReservationExpired, repo.reservations[res.ID].Status)
	assert.Equal(t, 5, repo.types[typeID].AvailableQuantity)

	// second sweep finds nothing
	swept, err = newLedger(repo, now.Add(6*time.Minute)).ExpireReservations(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestReserveInactiveType(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	ledger := newLedger(repo, now)
	typeID := seedType(repo, 5)
	repo.types[typeID].Status = domain.TicketTypePaused

	_, err := ledger.Reserve(context.Background(), typeID, uuid.New(), 1, time.Minute)
	require.ErrorIs(t, err, domain.ErrInvalidTypeState)
}
