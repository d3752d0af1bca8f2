package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carryzone/carrymap/internal/pins"
	"github.com/carryzone/carrymap/internal/syncqueue"
)

const (
	defaultMaxAttempts = 3
	offlineMessage     = "Device is offline"

	opTriggerSync = "sync.trigger"
	opWatch       = "sync.watch"
)

var (
	// ErrDeviceOffline indicates a pass was aborted before any work because
	// no connectivity was available.
	ErrDeviceOffline = errors.New("syncengine: device is offline")

	errMissingStore        = errors.New("pin store is required")
	errMissingQueue        = errors.New("operation queue is required")
	errMissingRemote       = errors.New("remote data source is required")
	errMissingConnectivity = errors.New("connectivity source is required")

	noOpLogger = zap.NewNop()
)

// RemoteDataSource is the engine's view of the backend.
type RemoteDataSource interface {
	GetAll(ctx context.Context) ([]pins.Pin, error)
	Insert(ctx context.Context, pin pins.Pin) (pins.Pin, error)
	Update(ctx context.Context, pin pins.Pin) (pins.Pin, error)
	Delete(ctx context.Context, pinID string) error
	SubscribeChanges(ctx context.Context) (<-chan pins.ChangeEvent, func(), error)
}

// ConnectivitySource reports the current connectivity state.
type ConnectivitySource interface {
	Online() bool
}

// EngineConfig describes the collaborators the engine drives.
type EngineConfig struct {
	Store        *pins.Store
	Queue        *syncqueue.Queue
	Remote       RemoteDataSource
	Connectivity ConnectivitySource
	Clock        func() time.Time
	Logger       *zap.Logger
	// MaxAttempts is the upload retry ceiling; entries that fail this many
	// times are abandoned. Defaults to 3.
	MaxAttempts int
}

// Outcome summarizes a completed pass.
type Outcome struct {
	Uploaded   int
	Downloaded int
}

// Engine drives convergence between the local pin store and the backend:
// upload-then-download passes over the operation queue, last-write-wins
// merges, and a continuous server-push merge stream.
type Engine struct {
	store        *pins.Store
	queue        *syncqueue.Queue
	remote       RemoteDataSource
	connectivity ConnectivitySource
	clock        func() time.Time
	logger       *zap.Logger
	maxAttempts  int

	// passMu guarantees at most one pass in flight; a second caller blocks
	// and runs after the current pass, never concurrently.
	passMu sync.Mutex
	status *statusDispatcher
}

// NewEngine constructs the sync engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("syncengine: %w", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("syncengine: %w", errMissingQueue)
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("syncengine: %w", errMissingRemote)
	}
	if cfg.Connectivity == nil {
		return nil, fmt.Errorf("syncengine: %w", errMissingConnectivity)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Engine{
		store:        cfg.Store,
		queue:        cfg.Queue,
		remote:       cfg.Remote,
		connectivity: cfg.Connectivity,
		clock:        clock,
		logger:       logger,
		maxAttempts:  maxAttempts,
		status:       newStatusDispatcher(),
	}, nil
}

// SubscribeStatus registers a status observer. The latest status is delivered
// immediately, then every transition after it.
func (e *Engine) SubscribeStatus(ctx context.Context) (<-chan Status, func()) {
	return e.status.subscribe(ctx)
}

// CurrentStatus returns the most recently published status.
func (e *Engine) CurrentStatus() Status {
	return e.status.current()
}

// PendingOperationCount returns the number of queued mutations.
func (e *Engine) PendingOperationCount(ctx context.Context) (int, error) {
	return e.queue.Count(ctx)
}

// FailedOperations returns queue entries that have failed at least threshold
// upload attempts.
func (e *Engine) FailedOperations(ctx context.Context, threshold int) ([]syncqueue.Entry, error) {
	return e.queue.FailedOperations(ctx, threshold)
}

// TriggerSync runs one upload-then-download pass. It is single-flight: a call
// arriving while a pass is active waits for it and then runs its own pass.
// Remote failures surface through the status stream and the returned error;
// local store failures propagate directly.
func (e *Engine) TriggerSync(ctx context.Context) (Outcome, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	if !e.connectivity.Online() {
		e.status.publish(Failure(offlineMessage, true))
		e.logger.Info("sync pass skipped",
			zap.String("operation", opTriggerSync),
			zap.String("reason", "device_offline"))
		return Outcome{}, ErrDeviceOffline
	}

	pending, err := e.queue.Count(ctx)
	if err != nil {
		return Outcome{}, err
	}
	e.status.publish(Syncing(pending))

	uploaded, err := e.uploadPending(ctx)
	if err != nil {
		return Outcome{}, err
	}

	downloaded, err := e.downloadRemote(ctx)
	if err != nil {
		// Uploads committed above stand; they are keyed by id and safe to
		// have applied even though the pass as a whole failed.
		e.status.publish(Failure(err.Error(), true))
		return Outcome{Uploaded: uploaded}, err
	}

	outcome := Outcome{Uploaded: uploaded, Downloaded: downloaded}
	e.status.publish(Success(outcome.Uploaded, outcome.Downloaded))
	e.logger.Info("sync pass complete",
		zap.String("operation", opTriggerSync),
		zap.Int("uploaded", outcome.Uploaded),
		zap.Int("downloaded", outcome.Downloaded))
	return outcome, nil
}

// uploadPending drains the queue in enqueue order. A failing entry never
// aborts the pass; it accumulates retries until the ceiling evicts it.
func (e *Engine) uploadPending(ctx context.Context) (int, error) {
	entries, err := e.queue.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for _, entry := range entries {
		switch entry.Op {
		case syncqueue.OperationCreate, syncqueue.OperationUpdate:
			pin, found, err := e.store.GetByID(ctx, entry.PinID)
			if err != nil {
				return uploaded, err
			}
			if !found {
				// The pin vanished locally after being queued; the entry is
				// obsolete, not failed.
				if err := e.queue.Remove(ctx, entry.ID); err != nil {
					return uploaded, err
				}
				e.logger.Debug("obsolete queue entry discarded",
					zap.String("operation", opTriggerSync),
					zap.String("pin_id", entry.PinID))
				continue
			}
			var remoteErr error
			if entry.Op == syncqueue.OperationCreate {
				_, remoteErr = e.remote.Insert(ctx, pin)
			} else {
				_, remoteErr = e.remote.Update(ctx, pin)
			}
			ok, err := e.settleUpload(ctx, entry, remoteErr)
			if err != nil {
				return uploaded, err
			}
			if ok {
				uploaded++
			}
		case syncqueue.OperationDelete:
			ok, err := e.settleUpload(ctx, entry, e.remote.Delete(ctx, entry.PinID))
			if err != nil {
				return uploaded, err
			}
			if ok {
				uploaded++
			}
		default:
			e.logger.Warn("unknown queue operation discarded",
				zap.String("operation", opTriggerSync),
				zap.String("pin_id", entry.PinID),
				zap.String("queue_op", string(entry.Op)))
			if err := e.queue.Remove(ctx, entry.ID); err != nil {
				return uploaded, err
			}
		}
	}
	return uploaded, nil
}

// settleUpload records the outcome of one remote call: entry removal on
// success, retry bookkeeping on failure, eviction at the ceiling. The bool
// reports whether the upload counted.
func (e *Engine) settleUpload(ctx context.Context, entry syncqueue.Entry, remoteErr error) (bool, error) {
	if remoteErr == nil {
		if err := e.queue.Remove(ctx, entry.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	entry.RetryCount++
	message := remoteErr.Error()
	entry.LastError = &message

	if entry.RetryCount >= e.maxAttempts {
		e.logger.Warn("upload abandoned after retry ceiling",
			zap.String("operation", opTriggerSync),
			zap.String("pin_id", entry.PinID),
			zap.String("queue_op", string(entry.Op)),
			zap.Int("attempts", entry.RetryCount),
			zap.Error(remoteErr))
		if err := e.queue.Remove(ctx, entry.ID); err != nil {
			return false, err
		}
		return false, nil
	}

	e.logger.Warn("upload failed, entry left queued",
		zap.String("operation", opTriggerSync),
		zap.String("pin_id", entry.PinID),
		zap.String("queue_op", string(entry.Op)),
		zap.Int("attempts", entry.RetryCount),
		zap.Error(remoteErr))
	if err := e.queue.UpdateRetry(ctx, entry); err != nil {
		return false, err
	}
	return false, nil
}

// downloadRemote pulls the full remote pin set and merges it. Per-pin merge
// failures are logged and skipped; only the fetch itself fails the pass.
func (e *Engine) downloadRemote(ctx context.Context) (int, error) {
	remotePins, err := e.remote.GetAll(ctx)
	if err != nil {
		e.logger.Error("remote fetch failed",
			zap.String("operation", opTriggerSync),
			zap.String("reason", "download_fetch_failed"),
			zap.Error(err))
		return 0, fmt.Errorf("syncengine: download: %w", err)
	}

	downloaded := 0
	for _, remotePin := range remotePins {
		applied, err := e.mergeRemotePin(ctx, remotePin)
		if err != nil {
			e.logger.Warn("remote pin merge skipped",
				zap.String("operation", opTriggerSync),
				zap.String("pin_id", remotePin.ID),
				zap.Error(err))
			continue
		}
		if applied {
			downloaded++
		}
	}
	return downloaded, nil
}

func (e *Engine) mergeRemotePin(ctx context.Context, remotePin pins.Pin) (bool, error) {
	local, found, err := e.store.GetByID(ctx, remotePin.ID)
	if err != nil {
		return false, err
	}
	var localPtr *pins.Pin
	if found {
		localPtr = &local
	}

	switch resolveRemotePin(localPtr, remotePin) {
	case mergeInsert:
		if err := e.store.Insert(ctx, remotePin); err != nil {
			return false, err
		}
		return true, nil
	case mergeOverwrite:
		if err := e.store.Update(ctx, remotePin); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

// Watch consumes the remote change feed and merges each event with the same
// last-write-wins rule as the download phase. It blocks until ctx is
// cancelled or the feed closes. With no push transport configured the feed is
// inert and Watch simply waits for cancellation.
func (e *Engine) Watch(ctx context.Context) error {
	events, cancel, err := e.remote.SubscribeChanges(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: watch: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, open := <-events:
			if !open {
				return nil
			}
			if err := e.applyChangeEvent(ctx, event); err != nil {
				e.logger.Warn("change event merge skipped",
					zap.String("operation", opWatch),
					zap.String("pin_id", event.PinID),
					zap.String("kind", string(event.Kind)),
					zap.Error(err))
			}
		}
	}
}

func (e *Engine) applyChangeEvent(ctx context.Context, event pins.ChangeEvent) error {
	switch event.Kind {
	case pins.ChangeInsert, pins.ChangeUpdate:
		if event.Pin == nil {
			return fmt.Errorf("syncengine: %s event without pin payload", event.Kind)
		}
		_, err := e.mergeRemotePin(ctx, *event.Pin)
		return err
	case pins.ChangeDelete:
		_, found, err := e.store.GetByID(ctx, event.PinID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return e.store.Delete(ctx, event.PinID)
	default:
		return fmt.Errorf("syncengine: unknown change kind %q", event.Kind)
	}
}
