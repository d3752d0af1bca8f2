// Package repository is the offline-first write path: every mutation commits
// to the local pin store first and is queued for upload second, so the
// user-visible operation succeeds regardless of connectivity.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carryzone/carrymap/internal/pins"
	"github.com/carryzone/carrymap/internal/syncengine"
	"github.com/carryzone/carrymap/internal/syncqueue"
)

var (
	// ErrPinNotFound indicates the referenced pin is absent from the local store.
	ErrPinNotFound = errors.New("repository: pin not found")

	errMissingStore = errors.New("pin store is required")
	errMissingQueue = errors.New("operation queue is required")
	noOpLogger      = zap.NewNop()
)

// SyncTrigger starts a best-effort sync pass after a local write.
type SyncTrigger interface {
	TriggerSync(ctx context.Context) (syncengine.Outcome, error)
}

// Config describes the repository's collaborators.
type Config struct {
	Store *pins.Store
	Queue *syncqueue.Queue
	// Trigger is optional; when set, Add kicks off an immediate background
	// pass whose failure is logged and swallowed.
	Trigger SyncTrigger
	// Identity reports the signed-in user id, "" when signed out. Optional;
	// without it every pin is anonymous.
	Identity   func() string
	IDProvider pins.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Repository combines local pin writes with sync enqueuing.
type Repository struct {
	store      *pins.Store
	queue      *syncqueue.Queue
	trigger    SyncTrigger
	identity   func() string
	idProvider pins.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// New constructs the repository.
func New(cfg Config) (*Repository, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("repository: %w", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("repository: %w", errMissingQueue)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = pins.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Repository{
		store:      cfg.Store,
		queue:      cfg.Queue,
		trigger:    cfg.Trigger,
		identity:   cfg.Identity,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Add persists a new pin locally, queues its upload, and kicks off a
// best-effort immediate sync. Only local failures propagate. The stored pin
// (with assigned id and timestamps) is returned.
func (r *Repository) Add(ctx context.Context, pin pins.Pin) (pins.Pin, error) {
	if pin.ID == "" {
		id, err := r.idProvider.NewID()
		if err != nil {
			return pins.Pin{}, fmt.Errorf("repository: assign id: %w", err)
		}
		pin.ID = id
	}
	if pin.CreatorID == "" && r.identity != nil {
		pin.CreatorID = r.identity()
	}
	nowMs := r.clock().UTC().UnixMilli()
	if pin.CreatedAtMs == 0 {
		pin.CreatedAtMs = nowMs
	}
	if pin.LastModifiedMs < pin.CreatedAtMs {
		pin.LastModifiedMs = pin.CreatedAtMs
	}

	if err := r.store.Insert(ctx, pin); err != nil {
		return pins.Pin{}, err
	}
	if err := r.queue.EnqueueCreate(ctx, pin); err != nil {
		return pins.Pin{}, err
	}
	r.triggerBestEffort(pin.ID)
	return pin, nil
}

// Update bumps the pin's modification timestamp, persists the edit locally,
// and queues its upload.
func (r *Repository) Update(ctx context.Context, pin pins.Pin) (pins.Pin, error) {
	pin.Touch(r.clock().UTC().UnixMilli())
	if err := r.store.Update(ctx, pin); err != nil {
		return pins.Pin{}, err
	}
	if err := r.queue.EnqueueUpdate(ctx, pin); err != nil {
		return pins.Pin{}, err
	}
	return pin, nil
}

// Delete removes the pin locally and queues the remote deletion.
func (r *Repository) Delete(ctx context.Context, pin pins.Pin) error {
	if err := r.store.Delete(ctx, pin.ID); err != nil {
		return err
	}
	return r.queue.EnqueueDelete(ctx, pin.ID)
}

// CycleStatus advances the pin through allowed -> uncertain -> no_gun ->
// allowed and persists the edit as an Update.
func (r *Repository) CycleStatus(ctx context.Context, pinID string) (pins.Pin, error) {
	pin, found, err := r.store.GetByID(ctx, pinID)
	if err != nil {
		return pins.Pin{}, err
	}
	if !found {
		return pins.Pin{}, fmt.Errorf("%w: %s", ErrPinNotFound, pinID)
	}
	pin.Status = pin.Status.Next()
	return r.Update(ctx, pin)
}

// GetByID reads a pin from the local store. The repository never reads from
// the backend synchronously; remote data arrives via background merges.
func (r *Repository) GetByID(ctx context.Context, pinID string) (pins.Pin, bool, error) {
	return r.store.GetByID(ctx, pinID)
}

// List reads all local pins.
func (r *Repository) List(ctx context.Context) ([]pins.Pin, error) {
	return r.store.List(ctx)
}

// Observe subscribes to local snapshot updates.
func (r *Repository) Observe(ctx context.Context) (<-chan []pins.Pin, func()) {
	return r.store.Observe(ctx)
}

func (r *Repository) triggerBestEffort(pinID string) {
	if r.trigger == nil {
		return
	}
	go func() {
		if _, err := r.trigger.TriggerSync(context.Background()); err != nil {
			r.logger.Debug("immediate sync after add failed",
				zap.String("pin_id", pinID),
				zap.Error(err))
		}
	}()
}
