/**
 * @description
 * This file implements the `Repository` interface with in-process state. It
 * exists so the stamp engine can run against a swappable store and so the
 * concurrency-sensitive grant path can be exercised in tests without a
 * database.
 *
 * The per-card mutex mirrors the row lock the Postgres implementation takes:
 * all mutating work for one card serializes, while different cards proceed
 * independently.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stampcard/loyalty-service/internal/domain"
)

// MemoryRepository is an in-memory Repository implementation.
type MemoryRepository struct {
	mu        sync.Mutex
	cardsByID map[uuid.UUID]*domain.UserCard
	cardIDs   map[cardKey]uuid.UUID
	entries   map[uuid.UUID][]domain.StampLogEntry
	rewards   map[uuid.UUID][]domain.Reward
	cardLocks map[uuid.UUID]*sync.Mutex
	nextSeq   int64
}

type cardKey struct {
	userID  uuid.UUID
	venueID uuid.UUID
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		cardsByID: make(map[uuid.UUID]*domain.UserCard),
		cardIDs:   make(map[cardKey]uuid.UUID),
		entries:   make(map[uuid.UUID][]domain.StampLogEntry),
		rewards:   make(map[uuid.UUID][]domain.Reward),
		cardLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (r *MemoryRepository) GetOrCreateUserCard(ctx context.Context, userID, venueID uuid.UUID) (*domain.UserCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cardKey{userID: userID, venueID: venueID}
	if id, ok := r.cardIDs[key]; ok {
		card := *r.cardsByID[id]
		return &card, nil
	}

	now := time.Now().UTC()
	card := &domain.UserCard{
		ID:        uuid.New(),
		UserID:    userID,
		VenueID:   venueID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.cardIDs[key] = card.ID
	r.cardsByID[card.ID] = card
	r.cardLocks[card.ID] = &sync.Mutex{}

	copied := *card
	return &copied, nil
}

func (r *MemoryRepository) GetUserCard(ctx context.Context, userID, venueID uuid.UUID) (*domain.UserCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.cardIDs[cardKey{userID: userID, venueID: venueID}]
	if !ok {
		return nil, ErrCardNotFound
	}
	card := *r.cardsByID[id]
	return &card, nil
}

func (r *MemoryRepository) GetUserCardByID(ctx context.Context, cardID uuid.UUID) (*domain.UserCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	card, ok := r.cardsByID[cardID]
	if !ok {
		return nil, ErrCardNotFound
	}
	copied := *card
	return &copied, nil
}

func (r *MemoryRepository) LatestStampEntry(ctx context.Context, cardID uuid.UUID) (*domain.StampLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.latestLocked(cardID)
	if entry == nil {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

// latestLocked assumes r.mu is held.
func (r *MemoryRepository) latestLocked(cardID uuid.UUID) *domain.StampLogEntry {
	entries := r.entries[cardID]
	var latest *domain.StampLogEntry
	for i := range entries {
		e := &entries[i]
		if latest == nil ||
			e.StampedAt.After(latest.StampedAt) ||
			(e.StampedAt.Equal(latest.StampedAt) && e.Seq > latest.Seq) {
			latest = e
		}
	}
	return latest
}

func (r *MemoryRepository) ListStampEntries(ctx context.Context, cardID uuid.UUID) ([]domain.StampLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := append([]domain.StampLogEntry(nil), r.entries[cardID]...)
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].StampedAt.Equal(entries[j].StampedAt) {
			return entries[i].StampedAt.After(entries[j].StampedAt)
		}
		return entries[i].Seq > entries[j].Seq
	})
	return entries, nil
}

func (r *MemoryRepository) GrantStampAtomic(ctx context.Context, cardID uuid.UUID, now time.Time, lat, lng float64, window time.Duration) (*GrantOutcome, error) {
	r.mu.Lock()
	lock, ok := r.cardLocks[cardID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrCardNotFound
	}

	// Per-card critical section, equivalent to the row lock in Postgres.
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	card, ok := r.cardsByID[cardID]
	if !ok {
		return nil, ErrCardNotFound
	}

	var lastStampedAt *time.Time
	if latest := r.latestLocked(cardID); latest != nil {
		t := latest.StampedAt
		lastStampedAt = &t
		if now.Sub(t) < window {
			return &GrantOutcome{LastStampedAt: lastStampedAt}, ErrStampTooSoon
		}
	}

	r.nextSeq++
	entry := domain.StampLogEntry{
		ID:          uuid.New(),
		UserCardID:  cardID,
		Seq:         r.nextSeq,
		StampedAt:   now,
		LocationLat: lat,
		LocationLng: lng,
	}
	r.entries[cardID] = append(r.entries[cardID], entry)

	card.CurrentCount++
	card.UpdatedAt = now

	return &GrantOutcome{
		NewCount:      card.CurrentCount,
		Entry:         entry,
		LastStampedAt: lastStampedAt,
	}, nil
}

func (r *MemoryRepository) CreateReward(ctx context.Context, reward *domain.Reward) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rewards[reward.UserID] = append(r.rewards[reward.UserID], *reward)
	return nil
}

func (r *MemoryRepository) ListRewardsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rewards := append([]domain.Reward(nil), r.rewards[userID]...)
	sort.Slice(rewards, func(i, j int) bool {
		return rewards[i].CreatedAt.After(rewards[j].CreatedAt)
	})
	return rewards, nil
}
