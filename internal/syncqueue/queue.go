package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/carryzone/carrymap/internal/pins"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// QueueConfig describes the dependencies for the durable operation queue.
type QueueConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Queue is the durable record of mutations pending upload. The backing
// sqlite handle serializes writes, so all operations are safe to call from
// multiple goroutines.
type Queue struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewQueue constructs the operation queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("syncqueue: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{db: cfg.Database, clock: clock, logger: logger}, nil
}

// EnqueueCreate inserts a CREATE entry for the pin. A create is assumed to be
// first-of-its-kind for the id, so no prior entries are removed.
func (q *Queue) EnqueueCreate(ctx context.Context, pin pins.Pin) error {
	return q.insert(ctx, pin.ID, OperationCreate)
}

// EnqueueUpdate replaces any queued work for the pin with a single UPDATE entry.
func (q *Queue) EnqueueUpdate(ctx context.Context, pin pins.Pin) error {
	return q.replace(ctx, pin.ID, OperationUpdate)
}

// EnqueueDelete replaces any queued work for the pin with a single DELETE entry.
func (q *Queue) EnqueueDelete(ctx context.Context, pinID string) error {
	return q.replace(ctx, pinID, OperationDelete)
}

// ListPending returns all entries, oldest enqueue first.
func (q *Queue) ListPending(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := q.db.WithContext(ctx).Order("timestamp ASC, id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("syncqueue: list pending: %w", err)
	}
	return entries, nil
}

// Count returns the number of pending entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var total int64
	if err := q.db.WithContext(ctx).Model(&Entry{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("syncqueue: count: %w", err)
	}
	return int(total), nil
}

// Remove deletes a single entry after it has been processed.
func (q *Queue) Remove(ctx context.Context, entryID int64) error {
	if err := q.db.WithContext(ctx).Delete(&Entry{}, "id = ?", entryID).Error; err != nil {
		return fmt.Errorf("syncqueue: remove %d: %w", entryID, err)
	}
	return nil
}

// UpdateRetry persists the incremented retry count and last error of a failed
// attempt.
func (q *Queue) UpdateRetry(ctx context.Context, entry Entry) error {
	err := q.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]any{
			"retry_count": entry.RetryCount,
			"last_error":  entry.LastError,
		}).Error
	if err != nil {
		return fmt.Errorf("syncqueue: update retry %d: %w", entry.ID, err)
	}
	return nil
}

// FailedOperations returns entries whose retry count has reached the given
// threshold. Foundation for surfacing stuck mutations to the user.
func (q *Queue) FailedOperations(ctx context.Context, threshold int) ([]Entry, error) {
	var entries []Entry
	err := q.db.WithContext(ctx).
		Where("retry_count >= ?", threshold).
		Order("timestamp ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("syncqueue: failed operations: %w", err)
	}
	return entries, nil
}

// Clear removes all entries.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.db.WithContext(ctx).Where("1 = 1").Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("syncqueue: clear: %w", err)
	}
	return nil
}

func (q *Queue) insert(ctx context.Context, pinID string, op Operation) error {
	entry := Entry{
		PinID:        pinID,
		Op:           op,
		EnqueuedAtMs: q.clock().UTC().UnixMilli(),
	}
	if err := q.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("syncqueue: enqueue %s %s: %w", op, pinID, err)
	}
	q.logger.Debug("operation enqueued",
		zap.String("pin_id", pinID),
		zap.String("operation", string(op)))
	return nil
}

func (q *Queue) replace(ctx context.Context, pinID string, op Operation) error {
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Entry{}, "pin_id = ?", pinID).Error; err != nil {
			return err
		}
		entry := Entry{
			PinID:        pinID,
			Op:           op,
			EnqueuedAtMs: q.clock().UTC().UnixMilli(),
		}
		return tx.Create(&entry).Error
	})
	if txErr != nil {
		return fmt.Errorf("syncqueue: enqueue %s %s: %w", op, pinID, txErr)
	}
	q.logger.Debug("operation enqueued",
		zap.String("pin_id", pinID),
		zap.String("operation", string(op)))
	return nil
}
