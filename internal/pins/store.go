package pins

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies for the local pin store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the durable on-device pin store. Every committed write re-queries
// the full pin set and pushes the snapshot to observers.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[int64]*storeSubscriber
	nextID      int64
	bufferSize  int
}

type storeSubscriber struct {
	id     int64
	stream chan []Pin
}

// NewStore constructs the local pin store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("pins: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:          cfg.Database,
		logger:      logger,
		subscribers: make(map[int64]*storeSubscriber),
		bufferSize:  16,
	}, nil
}

// Insert persists a new pin and notifies observers.
func (s *Store) Insert(ctx context.Context, pin Pin) error {
	record := recordFromPin(pin)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("pins: insert %s: %w", pin.ID, err)
	}
	s.notify(ctx)
	return nil
}

// Update overwrites an existing pin and notifies observers.
func (s *Store) Update(ctx context.Context, pin Pin) error {
	record := recordFromPin(pin)
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("pins: update %s: %w", pin.ID, err)
	}
	s.notify(ctx)
	return nil
}

// Delete removes a pin by id. Removing an absent pin is not an error.
func (s *Store) Delete(ctx context.Context, pinID string) error {
	if err := s.db.WithContext(ctx).Delete(&Record{}, "pin_id = ?", pinID).Error; err != nil {
		return fmt.Errorf("pins: delete %s: %w", pinID, err)
	}
	s.notify(ctx)
	return nil
}

// DeleteAll removes every pin.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("pins: delete all: %w", err)
	}
	s.notify(ctx)
	return nil
}

// Count returns the number of stored pins.
func (s *Store) Count(ctx context.Context) (int, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("pins: count: %w", err)
	}
	return int(total), nil
}

// GetByID looks up a single pin. A miss returns found=false, not an error.
func (s *Store) GetByID(ctx context.Context, pinID string) (Pin, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("pin_id = ?", pinID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Pin{}, false, nil
	}
	if err != nil {
		return Pin{}, false, fmt.Errorf("pins: get %s: %w", pinID, err)
	}
	return pinFromRecord(record), true, nil
}

// List returns every stored pin ordered by last modification descending.
func (s *Store) List(ctx context.Context) ([]Pin, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Order("last_modified_ms DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("pins: list: %w", err)
	}
	result := make([]Pin, 0, len(records))
	for _, record := range records {
		result = append(result, pinFromRecord(record))
	}
	return result, nil
}

// Observe subscribes to full-snapshot updates. The current snapshot is
// delivered immediately, then again after every committed write. The returned
// cleanup releases the subscription; cancelling ctx does the same.
func (s *Store) Observe(ctx context.Context) (<-chan []Pin, func()) {
	subscriber := &storeSubscriber{
		id:     s.nextSequence(),
		stream: make(chan []Pin, s.bufferSize),
	}
	s.registerSubscriber(subscriber)
	cleanup := func() {
		s.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()

	if snapshot, err := s.List(ctx); err == nil {
		select {
		case subscriber.stream <- snapshot:
		default:
		}
	}
	return subscriber.stream, cleanup
}

func (s *Store) notify(ctx context.Context) {
	s.mu.RLock()
	if len(s.subscribers) == 0 {
		s.mu.RUnlock()
		return
	}
	copies := make([]*storeSubscriber, 0, len(s.subscribers))
	for _, subscriber := range s.subscribers {
		copies = append(copies, subscriber)
	}
	s.mu.RUnlock()

	snapshot, err := s.List(ctx)
	if err != nil {
		s.logger.Warn("pin snapshot query failed", zap.Error(err))
		return
	}
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- snapshot:
		default:
		}
	}
}

func (s *Store) nextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Store) registerSubscriber(subscriber *storeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[subscriber.id] = subscriber
}

func (s *Store) unregisterSubscriber(subscriberID int64) {
	s.mu.Lock()
	delete(s.subscribers, subscriberID)
	s.mu.Unlock()
}
