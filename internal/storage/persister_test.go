package storage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/storage"
	"github.com/serroba/scenesync/internal/worker"
)

// flakyStore fails the first failures calls to Put.
type flakyStore struct {
	*storage.MemoryStore

	failures atomic.Int32
	puts     atomic.Int32
	gets     atomic.Int32
}

func (f *flakyStore) Put(ctx context.Context, snap storage.Snapshot) error {
	f.puts.Add(1)

	if f.failures.Add(-1) >= 0 {
		return errors.New("disk on fire")
	}

	return f.MemoryStore.Put(ctx, snap)
}

func (f *flakyStore) Get(ctx context.Context, docID string) (storage.Snapshot, error) {
	f.gets.Add(1)
	time.Sleep(20 * time.Millisecond)

	return f.MemoryStore.Get(ctx, docID)
}

// lockedEngine guards an engine the way a room goroutine would.
type lockedEngine struct {
	mu     sync.Mutex
	engine *crdt.Engine
}

func (l *lockedEngine) edit(t *testing.T, text string) {
	t.Helper()

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.engine.InsertText(crdt.Path{0}, 0, text)
	require.NoError(t, err)
}

func (l *lockedEngine) capture(docID string) storage.CaptureFunc {
	return func(context.Context) (storage.Snapshot, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		state, err := l.engine.Serialize()
		if err != nil {
			return storage.Snapshot{}, err
		}

		return storage.NewSnapshot(docID, state, l.engine.Summary(), ""), nil
	}
}

func newPersister(t *testing.T, store storage.Store, onFailure func(string, error)) *storage.Persister {
	t.Helper()

	pool := worker.NewPool(2, 16, zerolog.Nop())
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	return storage.NewPersister(storage.PersisterConfig{
		Store:    store,
		Pool:     pool,
		Debounce: 20 * time.Millisecond,
		Retry: storage.RetryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxAttempts:     3,
		},
		Logger:    zerolog.Nop(),
		OnFailure: onFailure,
	})
}

func TestPersister_ScheduleIsDebounced(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	p := newPersister(t, store, nil)

	doc := &lockedEngine{engine: scriptEngine(t, "a", "")}

	for range 5 {
		doc.edit(t, "x")
		p.Schedule(testDocID, doc.capture(testDocID))
	}

	require.Eventually(t, func() bool {
		_, err := store.MemoryStore.Get(context.Background(), testDocID)

		return err == nil
	}, time.Second, 5*time.Millisecond)

	// Give a second, unwanted write a chance to show up.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), store.puts.Load())

	snap, err := store.MemoryStore.Get(context.Background(), testDocID)
	require.NoError(t, err)

	restored, err := crdt.Deserialize("b", snap.State)
	require.NoError(t, err)
	assert.Equal(t, "xxxxx", restored.Materialize().Text())
}

func TestPersister_SaveRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	store.failures.Store(2)

	p := newPersister(t, store, nil)
	doc := &lockedEngine{engine: scriptEngine(t, "a", "hi")}

	snap, err := p.Save(context.Background(), testDocID, doc.capture(testDocID))
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.puts.Load())

	stored, err := store.MemoryStore.Get(context.Background(), testDocID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, stored.ID)
}

func TestPersister_SaveSurfacesExhaustedRetries(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	store.failures.Store(100)

	var (
		mu       sync.Mutex
		reported []string
	)

	p := newPersister(t, store, func(docID string, _ error) {
		mu.Lock()
		defer mu.Unlock()

		reported = append(reported, docID)
	})

	doc := &lockedEngine{engine: scriptEngine(t, "a", "hi")}

	_, err := p.Save(context.Background(), testDocID, doc.capture(testDocID))

	var perr *storage.PersistenceWriteError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, testDocID, perr.DocumentID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{testDocID}, reported)
}

func TestPersister_NeverStoresAnOlderSnapshot(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	p := newPersister(t, store, nil)

	doc := &lockedEngine{engine: scriptEngine(t, "a", "v1")}
	stale := doc.capture(testDocID)

	// Freeze an old capture before editing further.
	old, err := stale(context.Background())
	require.NoError(t, err)

	doc.edit(t, "v2 ")

	newer, err := p.Save(context.Background(), testDocID, doc.capture(testDocID))
	require.NoError(t, err)

	got, err := p.Save(context.Background(), testDocID, func(context.Context) (storage.Snapshot, error) {
		return old, nil
	})
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	stored, err := store.MemoryStore.Get(context.Background(), testDocID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, stored.ID)
	assert.Equal(t, int32(1), store.puts.Load())
}

func TestPersister_LoadIsCoalescedAndRehydrates(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	p := newPersister(t, store, nil)
	ctx := context.Background()

	e := scriptEngine(t, "a", "EXT. ")
	require.NoError(t, store.MemoryStore.Put(ctx, snapshotOf(t, testDocID, e)))

	tail, err := e.InsertText(crdt.Path{0}, 5, "PARK")
	require.NoError(t, err)
	require.NoError(t, store.AppendOperations(ctx, testDocID, tail))

	var wg sync.WaitGroup

	results := make([]storage.Loaded, 4)

	for i := range results {
		wg.Add(1)

		go func() {
			defer wg.Done()

			loaded, err := p.Load(ctx, testDocID)
			assert.NoError(t, err)

			results[i] = loaded
		}()
	}

	wg.Wait()

	assert.Less(t, store.gets.Load(), int32(4))

	for _, loaded := range results {
		require.NotNil(t, loaded.Snapshot)
		assert.Len(t, loaded.Ops, 4)
	}

	restored, err := results[0].Rehydrate("server")
	require.NoError(t, err)
	assert.Equal(t, "EXT. PARK", restored.Materialize().Text())

	last, ok := p.LastSaved(testDocID)
	require.True(t, ok)
	assert.Nil(t, last.State)
}

func TestPersister_LoadNewDocument(t *testing.T) {
	t.Parallel()

	p := newPersister(t, storage.NewMemoryStore(), nil)

	loaded, err := p.Load(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Nil(t, loaded.Snapshot)
	assert.Empty(t, loaded.Ops)

	e, err := loaded.Rehydrate("server")
	require.NoError(t, err)
	assert.Empty(t, e.Materialize().Children)
}

func TestPersister_AppendOperationsAndFlush(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	p := newPersister(t, store, nil)
	ctx := context.Background()

	doc := &lockedEngine{engine: scriptEngine(t, "a", "ab")}

	ops, ok := doc.engine.OpsSince(nil)
	require.True(t, ok)

	p.AppendOperations(testDocID, ops)

	require.Eventually(t, func() bool {
		logged, err := store.LoadOperations(ctx, testDocID, nil)

		return err == nil && len(logged) == len(ops)
	}, time.Second, 5*time.Millisecond)

	p.Schedule(testDocID, doc.capture(testDocID))
	require.NoError(t, p.Flush(ctx))

	_, err := store.Get(ctx, testDocID)
	require.NoError(t, err)

	logged, err := store.LoadOperations(ctx, testDocID, nil)
	require.NoError(t, err)
	assert.Empty(t, logged)
}
