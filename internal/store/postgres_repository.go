/**
 * @description
 * This file implements the `Repository` interface using a PostgreSQL database.
 * It uses the pgx/v5 driver and connection pool to execute SQL queries.
 *
 * The grant path is the concurrency-critical part of the service:
 * `GetOrCreateUserCard` relies on the UNIQUE(user_id, venue_id) constraint
 * with `ON CONFLICT DO NOTHING` so duplicate first check-ins converge on one
 * row, and `GrantStampAtomic` runs the rate re-check, ledger append and
 * counter increment inside a single transaction holding a `FOR UPDATE` row
 * lock on the card. The increment itself is a single
 * `UPDATE ... SET current_count = current_count + 1 ... RETURNING` statement.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and toolkit.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stampcard/loyalty-service/internal/domain"
)

// PostgresRepository provides methods for interacting with the PostgreSQL database.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository with a database connection pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetOrCreateUserCard lazily creates the card row for a (user, venue) pair.
// The insert is idempotent under concurrency: the unique constraint makes the
// racing insert a no-op and both callers read back the same row.
func (r *PostgresRepository) GetOrCreateUserCard(ctx context.Context, userID, venueID uuid.UUID) (*domain.UserCard, error) {
	insert := `
		INSERT INTO user_cards (id, user_id, venue_id, current_count, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
		ON CONFLICT (user_id, venue_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, insert, uuid.New(), userID, venueID); err != nil {
		return nil, fmt.Errorf("failed to insert user card: %w", err)
	}
	return r.GetUserCard(ctx, userID, venueID)
}

// GetUserCard fetches the card for a (user, venue) pair.
func (r *PostgresRepository) GetUserCard(ctx context.Context, userID, venueID uuid.UUID) (*domain.UserCard, error) {
	query := `
		SELECT id, user_id, venue_id, current_count, created_at, updated_at
		FROM user_cards
		WHERE user_id = $1 AND venue_id = $2
	`
	card := &domain.UserCard{}
	err := r.db.QueryRow(ctx, query, userID, venueID).Scan(
		&card.ID, &card.UserID, &card.VenueID, &card.CurrentCount, &card.CreatedAt, &card.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("failed to find user card: %w", err)
	}
	return card, nil
}

// GetUserCardByID fetches a card by its primary key.
func (r *PostgresRepository) GetUserCardByID(ctx context.Context, cardID uuid.UUID) (*domain.UserCard, error) {
	query := `
		SELECT id, user_id, venue_id, current_count, created_at, updated_at
		FROM user_cards
		WHERE id = $1
	`
	card := &domain.UserCard{}
	err := r.db.QueryRow(ctx, query, cardID).Scan(
		&card.ID, &card.UserID, &card.VenueID, &card.CurrentCount, &card.CreatedAt, &card.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("failed to find user card by id: %w", err)
	}
	return card, nil
}

// LatestStampEntry returns the most recent ledger entry for a card, or nil
// when the card has never been stamped. Ordering matches ListStampEntries.
func (r *PostgresRepository) LatestStampEntry(ctx context.Context, cardID uuid.UUID) (*domain.StampLogEntry, error) {
	query := `
		SELECT id, user_card_id, seq, stamped_at, location_lat, location_lng
		FROM stamp_log_entries
		WHERE user_card_id = $1
		ORDER BY stamped_at DESC, seq DESC
		LIMIT 1
	`
	entry := &domain.StampLogEntry{}
	err := r.db.QueryRow(ctx, query, cardID).Scan(
		&entry.ID, &entry.UserCardID, &entry.Seq, &entry.StampedAt, &entry.LocationLat, &entry.LocationLng,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find latest stamp entry: %w", err)
	}
	return entry, nil
}

// ListStampEntries returns the full ledger for a card, newest first.
// Ties on stamped_at are broken by the insertion sequence so the order is total.
func (r *PostgresRepository) ListStampEntries(ctx context.Context, cardID uuid.UUID) ([]domain.StampLogEntry, error) {
	query := `
		SELECT id, user_card_id, seq, stamped_at, location_lat, location_lng
		FROM stamp_log_entries
		WHERE user_card_id = $1
		ORDER BY stamped_at DESC, seq DESC
	`
	rows, err := r.db.Query(ctx, query, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stamp entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.StampLogEntry
	for rows.Next() {
		var entry domain.StampLogEntry
		if err := rows.Scan(
			&entry.ID, &entry.UserCardID, &entry.Seq, &entry.StampedAt, &entry.LocationLat, &entry.LocationLng,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stamp entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stamp entries: %w", err)
	}
	return entries, nil
}

// GrantStampAtomic performs the grant critical section for one card.
// The FOR UPDATE lock on the user_cards row serializes concurrent grants for
// the same (user, venue) pair; grants for different cards do not block each
// other. The rate window is re-checked inside the lock so a pre-check race
// cannot double-grant within one window.
func (r *PostgresRepository) GrantStampAtomic(ctx context.Context, cardID uuid.UUID, now time.Time, lat, lng float64, window time.Duration) (*GrantOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin grant transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the card row.
	var currentCount int
	lockQuery := `SELECT current_count FROM user_cards WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lockQuery, cardID).Scan(&currentCount); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("failed to lock user card: %w", err)
	}

	// 2. Re-validate the rate window against the latest ledger entry.
	var lastStampedAt *time.Time
	latestQuery := `
		SELECT stamped_at
		FROM stamp_log_entries
		WHERE user_card_id = $1
		ORDER BY stamped_at DESC, seq DESC
		LIMIT 1
	`
	var last time.Time
	err = tx.QueryRow(ctx, latestQuery, cardID).Scan(&last)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to read latest stamp entry: %w", err)
	}
	if err == nil {
		lastStampedAt = &last
		if now.Sub(last) < window {
			return &GrantOutcome{LastStampedAt: lastStampedAt}, ErrStampTooSoon
		}
	}

	// 3. Append the ledger entry.
	entry := domain.StampLogEntry{
		ID:          uuid.New(),
		UserCardID:  cardID,
		StampedAt:   now,
		LocationLat: lat,
		LocationLng: lng,
	}
	appendQuery := `
		INSERT INTO stamp_log_entries (id, user_card_id, stamped_at, location_lat, location_lng)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`
	if err := tx.QueryRow(ctx, appendQuery, entry.ID, entry.UserCardID, entry.StampedAt, entry.LocationLat, entry.LocationLng).Scan(&entry.Seq); err != nil {
		return nil, fmt.Errorf("failed to append stamp entry: %w", err)
	}

	// 4. Increment the counter as a single atomic statement.
	var newCount int
	incrementQuery := `
		UPDATE user_cards
		SET current_count = current_count + 1, updated_at = $2
		WHERE id = $1
		RETURNING current_count
	`
	if err := tx.QueryRow(ctx, incrementQuery, cardID, now).Scan(&newCount); err != nil {
		return nil, fmt.Errorf("failed to increment stamp count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit grant transaction: %w", err)
	}

	return &GrantOutcome{
		NewCount:      newCount,
		Entry:         entry,
		LastStampedAt: lastStampedAt,
	}, nil
}

// CreateReward inserts a new reward row.
func (r *PostgresRepository) CreateReward(ctx context.Context, reward *domain.Reward) error {
	query := `
		INSERT INTO rewards (id, user_id, venue_id, status, title, description, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		reward.ID, reward.UserID, reward.VenueID, reward.Status,
		reward.Title, reward.Description, reward.ExpiresAt, reward.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reward: %w", err)
	}
	return nil
}

// ListRewardsByUserID returns a user's rewards, newest first.
func (r *PostgresRepository) ListRewardsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Reward, error) {
	query := `
		SELECT id, user_id, venue_id, status, title, description, expires_at, created_at
		FROM rewards
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	defer rows.Close()

	var rewards []domain.Reward
	for rows.Next() {
		var reward domain.Reward
		if err := rows.Scan(
			&reward.ID, &reward.UserID, &reward.VenueID, &reward.Status,
			&reward.Title, &reward.Description, &reward.ExpiresAt, &reward.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		rewards = append(rewards, reward)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rewards: %w", err)
	}
	return rewards, nil
}
