package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/worker"
)

// PersistenceWriteError is reported once a write has exhausted its retries.
type PersistenceWriteError struct {
	DocumentID string
	Attempts   int
	Err        error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("persist %s: giving up after %d attempt(s): %v", e.DocumentID, e.Attempts, e.Err)
}

func (e *PersistenceWriteError) Unwrap() error {
	return e.Err
}

// CaptureFunc produces a snapshot of the live document. It is called from
// persister goroutines, so it must be safe to call concurrently with edits.
type CaptureFunc func(ctx context.Context) (Snapshot, error)

// RetryPolicy bounds how hard a failing write is retried.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// PersisterConfig holds configuration for creating a persister.
type PersisterConfig struct {
	Store    Store
	Pool     *worker.Pool
	Debounce time.Duration
	Retry    RetryPolicy
	Logger   zerolog.Logger

	// OnFailure is called with a *PersistenceWriteError when a write gives up.
	OnFailure func(docID string, err error)
}

// Loaded is the persisted form of a document: its latest snapshot (nil for
// a new document) and the logged operations after it.
type Loaded struct {
	Snapshot *Snapshot
	Ops      []crdt.Operation
}

// Rehydrate rebuilds a replica from the snapshot and replays the logged
// operations. A *crdt.CausalGapError leaves a usable engine whose missing
// operations stay pending.
func (l Loaded) Rehydrate(replica crdt.ReplicaID) (*crdt.Engine, error) {
	engine := crdt.NewEngine(replica)

	if l.Snapshot != nil {
		restored, err := crdt.Deserialize(replica, l.Snapshot.State)
		if err != nil {
			return nil, fmt.Errorf("restore snapshot %s: %w", l.Snapshot.ID, err)
		}

		engine = restored
	}

	if _, err := engine.ApplyRemoteBatch(l.Ops); err != nil {
		return engine, err
	}

	return engine, nil
}

// Persister turns live documents into durable snapshots. Scheduled captures
// are debounced per document, run on the worker pool, serialized per
// document and retried with exponential backoff.
type Persister struct {
	store     Store
	pool      *worker.Pool
	debounce  time.Duration
	retry     RetryPolicy
	logger    zerolog.Logger
	onFailure func(docID string, err error)

	group singleflight.Group

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]CaptureFunc
	locks   map[string]*sync.Mutex
	saved   map[string]Snapshot
}

// NewPersister creates a persister.
func NewPersister(cfg PersisterConfig) *Persister {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	retry := cfg.Retry
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 100 * time.Millisecond
	}

	if retry.MaxInterval <= 0 {
		retry.MaxInterval = 5 * time.Second
	}

	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}

	return &Persister{
		store:     cfg.Store,
		pool:      cfg.Pool,
		debounce:  debounce,
		retry:     retry,
		logger:    cfg.Logger.With().Str("component", "persister").Logger(),
		onFailure: cfg.OnFailure,
		timers:    make(map[string]*time.Timer),
		pending:   make(map[string]CaptureFunc),
		locks:     make(map[string]*sync.Mutex),
		saved:     make(map[string]Snapshot),
	}
}

// Load returns the persisted form of a document. Concurrent loads of the
// same document share one round trip to the store.
func (p *Persister) Load(ctx context.Context, docID string) (Loaded, error) {
	v, err, _ := p.group.Do(docID, func() (any, error) {
		var loaded Loaded

		snap, err := p.store.Get(ctx, docID)

		switch {
		case errors.Is(err, ErrSnapshotNotFound):
		case err != nil:
			return Loaded{}, fmt.Errorf("load snapshot %s: %w", docID, err)
		default:
			loaded.Snapshot = &snap
			p.noteSaved(snap)
		}

		var since crdt.VersionSummary
		if loaded.Snapshot != nil {
			since = loaded.Snapshot.VersionSummary
		}

		ops, err := p.store.LoadOperations(ctx, docID, since)
		if err != nil {
			return Loaded{}, fmt.Errorf("load operations %s: %w", docID, err)
		}

		loaded.Ops = ops

		return loaded, nil
	})
	if err != nil {
		return Loaded{}, err
	}

	return v.(Loaded), nil
}

// Schedule asks for a snapshot of docID once edits have been quiet for the
// debounce period. Only the most recent capture is kept.
func (p *Persister) Schedule(docID string, capture CaptureFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[docID] = capture

	if t, ok := p.timers[docID]; ok {
		t.Reset(p.debounce)

		return
	}

	p.timers[docID] = time.AfterFunc(p.debounce, func() {
		p.fire(docID)
	})
}

func (p *Persister) fire(docID string) {
	capture := p.takePending(docID)
	if capture == nil {
		return
	}

	task := func(ctx context.Context) error {
		_, err := p.write(ctx, docID, capture)

		return err
	}

	if p.pool != nil {
		err := p.pool.Submit(task)
		if err == nil {
			return
		}

		p.logger.Warn().Err(err).Str("doc", docID).Msg("running snapshot inline")
	}

	if err := task(context.Background()); err != nil {
		p.logger.Error().Err(err).Str("doc", docID).Msg("scheduled snapshot failed")
	}
}

func (p *Persister) takePending(docID string) CaptureFunc {
	p.mu.Lock()
	defer p.mu.Unlock()

	capture := p.pending[docID]
	delete(p.pending, docID)

	if t, ok := p.timers[docID]; ok {
		t.Stop()
		delete(p.timers, docID)
	}

	return capture
}

// Save captures and stores a snapshot right away, replacing any scheduled
// capture. It returns once the snapshot is durable.
func (p *Persister) Save(ctx context.Context, docID string, capture CaptureFunc) (Snapshot, error) {
	p.takePending(docID)

	return p.write(ctx, docID, capture)
}

// Flush runs every scheduled capture now. It is used on shutdown.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	docIDs := make([]string, 0, len(p.pending))

	for docID := range p.pending {
		docIDs = append(docIDs, docID)
	}
	p.mu.Unlock()

	var errs []error

	for _, docID := range docIDs {
		capture := p.takePending(docID)
		if capture == nil {
			continue
		}

		if _, err := p.write(ctx, docID, capture); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// AppendOperations logs applied operations in the background.
func (p *Persister) AppendOperations(docID string, ops []crdt.Operation) {
	if len(ops) == 0 {
		return
	}

	ops = append([]crdt.Operation(nil), ops...)

	task := func(ctx context.Context) error {
		return p.retryWrite(ctx, docID, func() error {
			return p.store.AppendOperations(ctx, docID, ops)
		})
	}

	if p.pool != nil {
		if err := p.pool.Submit(task); err == nil {
			return
		}
	}

	go func() {
		if err := task(context.Background()); err != nil {
			p.logger.Error().Err(err).Str("doc", docID).Msg("append operations failed")
		}
	}()
}

// Forget drops the bookkeeping for a document that is no longer open.
func (p *Persister) Forget(docID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[docID]; ok {
		return
	}

	delete(p.saved, docID)
	delete(p.locks, docID)
}

// LastSaved returns the most recent snapshot this persister stored or
// loaded, without its state.
func (p *Persister) LastSaved(docID string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, ok := p.saved[docID]

	return snap, ok
}

func (p *Persister) noteSaved(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.saved[snap.DocumentID]; ok && last.VersionSummary.Dominates(snap.VersionSummary) {
		return
	}

	snap.State = nil
	p.saved[snap.DocumentID] = snap
}

func (p *Persister) docLock(docID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[docID] = l
	}

	return l
}

// write captures and stores one snapshot. Captures already covered by the
// last stored snapshot are not written again, so stored snapshots never
// move backwards.
func (p *Persister) write(ctx context.Context, docID string, capture CaptureFunc) (Snapshot, error) {
	l := p.docLock(docID)
	l.Lock()
	defer l.Unlock()

	snap, err := capture(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture %s: %w", docID, err)
	}

	if last, ok := p.LastSaved(docID); ok && last.VersionSummary.Dominates(snap.VersionSummary) {
		p.logger.Debug().Str("doc", docID).Msg("snapshot already covered")

		return last, nil
	}

	err = p.retryWrite(ctx, docID, func() error {
		return p.store.Put(ctx, snap)
	})
	if err != nil {
		return Snapshot{}, err
	}

	p.noteSaved(snap)
	p.logger.Info().Str("doc", docID).Str("snapshot", snap.ID).Msg("snapshot stored")

	return snap, nil
}

func (p *Persister) retryWrite(ctx context.Context, docID string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retry.InitialInterval
	b.MaxInterval = p.retry.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.retry.MaxAttempts-1)), ctx)

	attempts := 0

	err := backoff.RetryNotify(func() error {
		attempts++

		return op()
	}, policy, func(err error, wait time.Duration) {
		p.logger.Warn().Err(err).Str("doc", docID).Dur("wait", wait).Msg("write failed, retrying")
	})
	if err == nil {
		return nil
	}

	perr := &PersistenceWriteError{DocumentID: docID, Attempts: attempts, Err: err}
	if p.onFailure != nil {
		p.onFailure(docID, perr)
	}

	return perr
}
