package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stampcard/loyalty-service/internal/domain"
)

func TestMemoryRepository_GetOrCreateUserCardIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	userID := uuid.New()
	venueID := uuid.New()

	first, err := repo.GetOrCreateUserCard(context.Background(), userID, venueID)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := repo.GetOrCreateUserCard(context.Background(), userID, venueID)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one card per (user, venue), got %s and %s", first.ID, second.ID)
	}
	if first.CurrentCount != 0 {
		t.Fatalf("expected a fresh card to start at zero, got %d", first.CurrentCount)
	}
}

func TestMemoryRepository_ConcurrentCreateConvergesOnOneCard(t *testing.T) {
	repo := NewMemoryRepository()
	userID := uuid.New()
	venueID := uuid.New()

	const workers = 16
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			card, err := repo.GetOrCreateUserCard(context.Background(), userID, venueID)
			if err == nil {
				ids[i] = card.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got card %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestMemoryRepository_GrantStampAtomicWindow(t *testing.T) {
	repo := NewMemoryRepository()
	card, err := repo.GetOrCreateUserCard(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	window := 24 * time.Hour

	outcome, err := repo.GrantStampAtomic(context.Background(), card.ID, base, 35.0, 136.0, window)
	if err != nil {
		t.Fatalf("first grant failed: %v", err)
	}
	if outcome.NewCount != 1 {
		t.Fatalf("expected count 1, got %d", outcome.NewCount)
	}
	if outcome.LastStampedAt != nil {
		t.Fatal("expected no previous stamp on the first grant")
	}

	// Inside the window: rejected, with the last stamp time reported.
	outcome, err = repo.GrantStampAtomic(context.Background(), card.ID, base.Add(time.Hour), 35.0, 136.0, window)
	if !errors.Is(err, ErrStampTooSoon) {
		t.Fatalf("expected ErrStampTooSoon, got %v", err)
	}
	if outcome == nil || outcome.LastStampedAt == nil || !outcome.LastStampedAt.Equal(base) {
		t.Fatalf("expected LastStampedAt=%s on rejection, got %+v", base, outcome)
	}

	// Exactly at the window boundary: allowed.
	outcome, err = repo.GrantStampAtomic(context.Background(), card.ID, base.Add(window), 35.0, 136.0, window)
	if err != nil {
		t.Fatalf("boundary grant failed: %v", err)
	}
	if outcome.NewCount != 2 {
		t.Fatalf("expected count 2, got %d", outcome.NewCount)
	}
}

func TestMemoryRepository_GrantStampAtomicSingleWinner(t *testing.T) {
	repo := NewMemoryRepository()
	card, err := repo.GetOrCreateUserCard(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.GrantStampAtomic(context.Background(), card.ID, now, 35.0, 136.0, 24*time.Hour)
		}(i)
	}
	wg.Wait()

	granted := 0
	for i, err := range errs {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, ErrStampTooSoon):
		default:
			t.Fatalf("worker %d: unexpected error %v", i, err)
		}
	}
	if granted != 1 {
		t.Fatalf("expected exactly one winner, got %d", granted)
	}

	reread, err := repo.GetUserCardByID(context.Background(), card.ID)
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if reread.CurrentCount != 1 {
		t.Fatalf("expected count 1 after the race, got %d", reread.CurrentCount)
	}
	entries, err := repo.ListStampEntries(context.Background(), card.ID)
	if err != nil {
		t.Fatalf("ListStampEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single ledger entry, got %d", len(entries))
	}
}

func TestMemoryRepository_GrantStampAtomicUnknownCard(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if _, err := repo.GrantStampAtomic(context.Background(), uuid.New(), now, 35.0, 136.0, 24*time.Hour); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}
}

func TestMemoryRepository_LatestStampEntryEmpty(t *testing.T) {
	repo := NewMemoryRepository()
	card, err := repo.GetOrCreateUserCard(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	entry, err := repo.LatestStampEntry(context.Background(), card.ID)
	if err != nil {
		t.Fatalf("LatestStampEntry failed: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry for an unstamped card, got %+v", entry)
	}
}

func TestMemoryRepository_ListStampEntriesOrder(t *testing.T) {
	repo := NewMemoryRepository()
	card, err := repo.GetOrCreateUserCard(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// Zero window so repeated grants at identical timestamps are accepted and
	// the tiebreak on insertion sequence is observable.
	times := []time.Time{base, base.Add(time.Hour), base.Add(time.Hour)}
	for _, ts := range times {
		if _, err := repo.GrantStampAtomic(context.Background(), card.ID, ts, 35.0, 136.0, 0); err != nil {
			t.Fatalf("grant at %s failed: %v", ts, err)
		}
	}

	entries, err := repo.ListStampEntries(context.Background(), card.ID)
	if err != nil {
		t.Fatalf("ListStampEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].StampedAt.After(entries[i-1].StampedAt) {
			t.Fatalf("entries not newest-first at index %d", i)
		}
		if entries[i].StampedAt.Equal(entries[i-1].StampedAt) && entries[i].Seq > entries[i-1].Seq {
			t.Fatalf("tie at index %d not broken by insertion order", i)
		}
	}
	if !entries[0].StampedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected the latest timestamp first, got %s", entries[0].StampedAt)
	}

	latest, err := repo.LatestStampEntry(context.Background(), card.ID)
	if err != nil {
		t.Fatalf("LatestStampEntry failed: %v", err)
	}
	if latest.ID != entries[0].ID {
		t.Fatal("LatestStampEntry disagrees with ListStampEntries")
	}
}

func TestMemoryRepository_Rewards(t *testing.T) {
	repo := NewMemoryRepository()
	userID := uuid.New()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		reward := &domain.Reward{
			ID:        uuid.New(),
			UserID:    userID,
			VenueID:   uuid.New(),
			Title:     "Free coffee",
			Status:    domain.RewardStatusUnused,
			ExpiresAt: base.AddDate(0, 0, 180),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := repo.CreateReward(context.Background(), reward); err != nil {
			t.Fatalf("CreateReward failed: %v", err)
		}
	}

	rewards, err := repo.ListRewardsByUserID(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListRewardsByUserID failed: %v", err)
	}
	if len(rewards) != 2 {
		t.Fatalf("expected 2 rewards, got %d", len(rewards))
	}
	if rewards[0].CreatedAt.Before(rewards[1].CreatedAt) {
		t.Fatal("expected rewards newest-first")
	}

	other, err := repo.ListRewardsByUserID(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("ListRewardsByUserID for stranger failed: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no rewards for another user, got %d", len(other))
	}
}
