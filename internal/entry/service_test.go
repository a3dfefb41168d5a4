package entry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/issuance"
	"github.com/ticketmint/ticket-engine/internal/observability"
)

type fakeRepo struct {
	tickets map[uuid.UUID]*domain.Ticket
	scans   []domain.ScanRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tickets: make(map[uuid.UUID]*domain.Ticket)}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeRepo) GetTicketByBarcode(ctx context.Context, barcode string) (domain.Ticket, error) {
	for _, t := range f.tickets {
		if t.Barcode == barcode {
			return *t, nil
		}
	}
	return domain.Ticket{}, domain.ErrNotFound
}

func (f *fakeRepo) GetTicketForUpdate(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	t, ok := f.tickets[id]
	if !ok {
		return domain.Ticket{}, domain.ErrNotFound
	}
	return *t, nil
}

func (f *fakeRepo) UpdateTicket(ctx context.Context, t domain.Ticket) error {
	if _, ok := f.tickets[t.ID]; !ok {
		return domain.ErrNotFound
	}
	f.tickets[t.ID] = &t
	return nil
}

func (f *fakeRepo) CreateScanRecord(ctx context.Context, rec domain.ScanRecord) error {
	f.scans = append(f.scans, rec)
	return nil
}

// fakeLocker honors the TTL: an unreleased lock stays held until it
// expires, like the redis SetNX it stands in for.
type fakeLocker struct {
	now      time.Time
	held     map[string]time.Time
	releases int
}

func (f *fakeLocker) AcquireScanLock(ctx context.Context, ticketID string, ttl time.Duration) (bool, error) {
	if f.held == nil {
		f.held = make(map[string]time.Time)
	}
	if exp, ok := f.held[ticketID]; ok && f.now.Before(exp) {
		return false, nil
	}
	f.held[ticketID] = f.now.Add(ttl)
	return true, nil
}

func (f *fakeLocker) ReleaseScanLock(ctx context.Context, ticketID string) error {
	delete(f.held, ticketID)
	f.releases++
	return nil
}

var testNow = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

func seedTicket(repo *fakeRepo) *domain.Ticket {
	id := uuid.New()
	number := "TKT-DEADBEEF-CAFE-000001"
	barcode := "b" + id.String()
	t := &domain.Ticket{
		ID:               id,
		Number:           number,
		Barcode:          barcode,
		VerificationHash: issuance.ComputeVerificationHash(id, number, barcode),
		Status:           domain.TicketSold,
		IsActive:         true,
		ValidFrom:        testNow.Add(-2 * time.Hour),
		ValidUntil:       testNow.Add(4 * time.Hour),
		EntryAllowedFrom: testNow.Add(-time.Hour),
		EntryCutoff:      testNow.Add(2 * time.Hour),
	}
	repo.tickets[id] = t
	return t
}

func newService(repo *fakeRepo, locker Locker, now time.Time) *Service {
	if locker == nil {
		locker = &fakeLocker{}
	}
	return NewService(repo, locker, clock.NewFixed(now), observability.NewLogger(), 30*time.Second, 5*time.Minute)
}

func validate(t *testing.T, svc *Service, barcode string) Decision {
	t.Helper()
	dec, err := svc.ValidateEntry(context.Background(), ValidateInput{
		Barcode: barcode, Location: "gate-a", DeviceID: "dev-1", ValidatorID: uuid.New(),
	})
	require.NoError(t, err)
	return dec
}

func TestFirstScanAdmits(t *testing.T) {
	repo := newFakeRepo()
	ticket := seedTicket(repo)
	svc := newService(repo, nil, testNow)

	dec := validate(t, svc, ticket.Barcode)
	assert.True(t, dec.Valid)
	assert.Equal(t, domain.ScanAdmitted, dec.Result)
	assert.Empty(t, dec.Flags)
	assert.InDelta(t, 1.0, dec.Confidence, 0.001)

	stored := repo.tickets[ticket.ID]
	assert.Equal(t, domain.TicketUsed, stored.Status)
	assert.Equal(t, 1, stored.ScanCount)
	require.NotNil(t, stored.FirstScannedAt)
	assert.Equal(t, testNow, *stored.FirstScannedAt)

	require.Len(t, repo.scans, 1)
	assert.True(t, repo.scans[0].Admitted)
}

func TestRapidRescanAdmitsWithFlag(t *testing.T) {
	repo := newFakeRepo()
	ticket := seedTicket(repo)

	dec := validate(t, newService(repo, nil, testNow), ticket.Barcode)
	require.True(t, dec.Valid)

	// double-read ten seconds later
	dec = validate(t, newService(repo, nil, testNow.Add(10*time.Second)), ticket.Barcode)
	assert.True(t, dec.Valid)
	assert.Equal(t, domain.ScanAdmitted, dec.Result)
	assert.Equal(t, []string{domain.FlagRapidScan}, dec.Flags)
	assert.InDelta(t, 0.7, dec.Confidence, 0.001)
	assert.Equal(t, 2, repo.tickets[ticket.ID].ScanCount)
}

func TestReentryWithinGrace(t *testing.T) {
	repo := newFakeRepo()
	ticket := seedTicket(repo)

	require.True(t, validate(t, newService(repo, nil, testNow), ticket.Barcode).Valid)

	dec := validate(t, newService(repo, nil, testNow.Add(3*time.Minute)), ticket.Barcode)
	assert.True(t, dec.Valid)
	assert.Equal(t, []string{domain.FlagRecentReentry}, dec.Flags)
	assert.InDelta(t, 0.8, dec.Confidence, 0.001)
}

func TestUsedTicketRejectedBeyondGrace(t *testing.T) {
	repo := newFakeRepo()
	ticket := seedTicket(repo)

	require.True(t, validate(t, newService(repo, nil, testNow), ticket.Barcode).Valid)

	dec := validate(t, newService(repo, nil, testNow.Add(20*time.Minute)), ticket.Barcode)
	assert.False(t, dec.Valid)
	assert.Equal(t, domain.ScanUsed, dec.Result)
	assert.Equal(t, 1, repo.tickets[ticket.ID].ScanCount)

	// the rejection is still logged
	require.Len(t, repo.scans, 2)
	assert.False(t, repo.scans[1].Admitted)
	assert.Equal(t, domain.ScanUsed, repo.scans[1].Result)
}

func TestUnknownBarcode(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil, testNow)

	dec := validate(t, svc, "no-such-barcode")
	assert.False(t, dec.Valid)
	assert.Equal(t, domain.ScanNotFound, dec.Result)
}

func TestTamperedBarcodeRejected(t *testing.T) {
	repo := newFakeRepo()
	ticket := seedTicket(repo)
	repo.tickets[ticket.ID].VerificationHash = "0000"

	dec := validate(t, newService(repo, nil, testNow), ticket.Barcode)
	assert.False(t, dec.Valid)
	assert.Equal(t, domain.ScanNotFound, dec.Result)
}

func TestInactiveAndWrongStatus(t *testing.T) {
	repo := newFakeRepo()
	ticket := seedTicket(repo)
	repo.tickets[ticket.ID].IsActive = false

	dec := validate(t, newService(repo, nil, testNow), ticket.Barcode)
	assert.Equal(t, domain.ScanInactive, dec.Result)

	repo.tickets[ticket.ID].IsActive = true
	repo.tickets[ticket.ID].Status = domain.TicketRefunded
	dec = validate(t, newService(repo, nil, testNow), ticket.Barcode)
	assert.Equal(t, domain.ScanInvalidStatus, dec.Result)
	assert.Zero(t, dec.Confidence)
}

func TestEntryWindows(t *testing.T) {
	repo := newFakeRepo()
	ticket := seedTicket(repo)

	dec := validate(t, newService(repo, nil, testNow.Add(-90*time.Minute)), ticket.Barcode)
	assert.Equal(t, domain.ScanOutsideEntryWindow, dec.Result)

	dec = validate(t, newService(repo, nil, testNow.Add(3*time.Hour)), ticket.Barcode)
	assert.Equal(t, domain.ScanOutsideEntryWindow, dec.Result)

	dec = validate(t, newService(repo, nil, testNow.Add(5*time.Hour)), ticket.Barcode)
	assert.Equal(t, domain.ScanOutsideValidity, dec.Result)
}

func TestSequentialRescanNotBlockedByLock(t *testing.T) {
	repo := newFakeRepo()
	ticket := seedTicket(repo)
	locker := &fakeLocker{now: testNow}

	require.True(t, validate(t, newService(repo, locker, testNow), ticket.Barcode).Valid)
	assert.Equal(t, 1, locker.releases)

	// second read three seconds later, well inside the lock TTL: the
	// finished scan released its lock, so the rescan reaches the
	// heuristics instead of bouncing off SetNX
	locker.now = testNow.Add(3 * time.Second)
	dec := validate(t, newService(repo, locker, testNow.Add(3*time.Second)), ticket.Barcode)
	assert.True(t, dec.Valid)
	assert.Equal(t, domain.ScanAdmitted, dec.Result)
	assert.Equal(t, []string{domain.FlagRapidScan}, dec.Flags)
	assert.Equal(t, 2, locker.releases)
}

func TestConcurrentScanBlocked(t *testing.T) {
	repo := newFakeRepo()
	ticket := seedTicket(repo)
	locker := &fakeLocker{now: testNow, held: map[string]time.Time{ticket.ID.String(): testNow.Add(5 * time.Second)}}

	dec := validate(t, newService(repo, locker, testNow), ticket.Barcode)
	assert.False(t, dec.Valid)
	assert.Equal(t, domain.ScanInProgress, dec.Result)
	assert.Equal(t, domain.TicketSold, repo.tickets[ticket.ID].Status)

	require.Len(t, repo.scans, 1)
	assert.Equal(t, domain.ScanInProgress, repo.scans[0].Result)
}
