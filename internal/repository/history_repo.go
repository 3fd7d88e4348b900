package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/nutrify/internal/domain"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// HistoryOptions tunes a HistoryRepository. Zero values use defaults.
type HistoryOptions struct {
	DefaultPageSize int
	MaxPageSize     int
	// Now and NewID are replaced in tests.
	Now   func() time.Time
	NewID func() string
}

// HistoryRepository stores immutable analysis history per user.
type HistoryRepository struct {
	db   *gorm.DB
	opts HistoryOptions
}

// NewHistoryRepository creates a new HistoryRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//   - opts: paging limits and injectable clock/id generator.
//
// Returns:
//   - *HistoryRepository: repository instance bound to db.
func NewHistoryRepository(db *gorm.DB, opts HistoryOptions) *HistoryRepository {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = defaultPageSize
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = maxPageSize
	}
	if opts.DefaultPageSize > opts.MaxPageSize {
		opts.DefaultPageSize = opts.MaxPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &HistoryRepository{db: db, opts: opts}
}

// Append records one finished analysis. The entry is written by a single
// INSERT inside a transaction, so it is either fully stored or absent.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owner of the entry.
//   - rec: parsed nutrition record.
//   - score: health score of rec.
//   - imageRef: reference to the stored original image, may be empty.
//
// Returns:
//   - *domain.HistoryEntry: the stored entry.
//   - error: wraps domain.ErrPersistence on failure.
func (r *HistoryRepository) Append(ctx context.Context, userID string, rec domain.NutritionRecord, score domain.HealthScore, imageRef string) (*domain.HistoryEntry, error) {
	if userID == "" {
		return nil, domain.NewError(domain.KindPersistence, "history entry needs a user", nil)
	}
	// Microsecond precision survives every driver, so ordering read back
	// matches ordering written.
	createdAt := r.opts.Now().UTC().Truncate(time.Microsecond)
	entry := domain.NewHistoryEntry(r.opts.NewID(), userID, createdAt, rec, score, imageRef)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, domain.NewError(domain.KindPersistence, "failed to save analysis", err)
	}
	return entry, nil
}

// ListFor returns a user's entries, most recent first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owner whose entries are listed.
//   - page: limit is clamped to [1, MaxPageSize]; zero uses the default.
//
// Returns:
//   - []domain.HistoryEntry: entries for userID only.
//   - error: non-nil if the query fails.
func (r *HistoryRepository) ListFor(ctx context.Context, userID string, page domain.Page) ([]domain.HistoryEntry, error) {
	page = r.NormalizePage(page)
	var entries []domain.HistoryEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return entries, nil
}

// Get returns one of userID's entries. Entries owned by someone else are
// reported as domain.ErrEntryNotFound, never as a permission error.
func (r *HistoryRepository) Get(ctx context.Context, userID, id string) (*domain.HistoryEntry, error) {
	var entry domain.HistoryEntry
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history entry: %w", err)
	}
	return &entry, nil
}

// NormalizePage applies the default and maximum page sizes.
func (r *HistoryRepository) NormalizePage(page domain.Page) domain.Page {
	if page.Limit <= 0 {
		page.Limit = r.opts.DefaultPageSize
	}
	if page.Limit > r.opts.MaxPageSize {
		page.Limit = r.opts.MaxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}

// Summarize totals a user's entries created at or after since.
func (r *HistoryRepository) Summarize(ctx context.Context, userID string, since time.Time) (*domain.HistorySummary, error) {
	var row struct {
		Entries       int64
		TotalCalories float64
		ProteinG      float64
		CarbsG        float64
		FatG          float64
		AverageScore  float64
	}
	err := r.db.WithContext(ctx).
		Model(&domain.HistoryEntry{}).
		Select(`COUNT(*) AS entries,
			COALESCE(SUM(total_calories), 0) AS total_calories,
			COALESCE(SUM(protein_g), 0) AS protein_g,
			COALESCE(SUM(carbs_g), 0) AS carbs_g,
			COALESCE(SUM(fat_g), 0) AS fat_g,
			COALESCE(AVG(score), 0) AS average_score`).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize history: %w", err)
	}
	return &domain.HistorySummary{
		Since:         since,
		Entries:       row.Entries,
		TotalCalories: row.TotalCalories,
		ProteinG:      row.ProteinG,
		CarbsG:        row.CarbsG,
		FatG:          row.FatG,
		AverageScore:  row.AverageScore,
	}, nil
}

// Count returns the number of entries stored for a user.
func (r *HistoryRepository) Count(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.HistoryEntry{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}
