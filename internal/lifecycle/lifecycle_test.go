package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MorrisSimons/podcast-transcriber/internal/asr"
	"github.com/MorrisSimons/podcast-transcriber/internal/cache"
	"github.com/MorrisSimons/podcast-transcriber/internal/job"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string]string
	heads   []string
	puts    []string
	getErr  error
	headErr error
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]string)}
}

func (f *fakeStore) Head(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads = append(f.heads, key)
	if f.headErr != nil {
		return false, f.headErr
	}
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) Get(ctx context.Context, key, localPath string) error {
	if f.getErr != nil {
		return f.getErr
	}
	return os.WriteFile(localPath, []byte("audio-bytes"), 0o644)
}

func (f *fakeStore) Put(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, key)
	if f.putErr != nil {
		return f.putErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.objects[key] = string(data)
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	locks    map[string]string
	acked    map[string]bool
	incrs    int
	deliv    map[string]int64
	setErr   error
	ackErr   error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{locks: make(map[string]string), acked: make(map[string]bool), deliv: make(map[string]int64)}
}

func (f *fakeQueue) Ack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked[id] = true
	return nil
}

func (f *fakeQueue) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return false, f.setErr
	}
	if _, exists := f.locks[key]; exists {
		return false, nil
	}
	f.locks[key] = value
	return true, nil
}

func (f *fakeQueue) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	return nil
}

func (f *fakeQueue) Incr(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrs++
	return nil
}

func (f *fakeQueue) DeliveryCount(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliv[id], nil
}

type fakeEngine struct {
	result asr.Result
	err    error
	calls  []string
}

func (f *fakeEngine) TranscribeOne(ctx context.Context, path string) (asr.Result, error) {
	f.calls = append(f.calls, path)
	if f.err != nil {
		return asr.Result{}, f.err
	}
	return f.result, nil
}

func newController(t *testing.T, store *fakeStore, q *fakeQueue, engine *fakeEngine) *Controller {
	t.Helper()
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	return New(store, q, c, engine, "worker-1", time.Hour, 5)
}

func TestProcessOneHappyPath(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	engine := &fakeEngine{result: asr.Result{Segments: []asr.Segment{{Text: " hello "}, {Text: "world"}}}}
	c := newController(t, store, q, engine)

	msg := job.Message{QueueID: "1-0", Key: "p/e1/e1.mp3"}
	err := c.ProcessOne(context.Background(), msg)
	require.NoError(t, err)

	require.True(t, q.acked["1-0"])
	require.Equal(t, 1, q.incrs)
	require.Equal(t, "hello\nworld", store.objects["p/e1/e1.txt"])
	require.Empty(t, q.locks)
}

func TestProcessOneAlreadyDoneSkipsWork(t *testing.T) {
	store := newFakeStore()
	store.objects["p/e1/e1.txt"] = "existing"
	q := newFakeQueue()
	engine := &fakeEngine{}
	c := newController(t, store, q, engine)

	msg := job.Message{QueueID: "1-0", Key: "p/e1/e1.mp3"}
	err := c.ProcessOne(context.Background(), msg)
	require.NoError(t, err)

	require.True(t, q.acked["1-0"])
	require.Empty(t, engine.calls)
	require.Equal(t, 0, q.incrs)
}

func TestProcessOneLockDeniedDoesNotAck(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	q.locks["lock:transcribe:p/e1/e1.txt"] = "another-worker"
	engine := &fakeEngine{}
	c := newController(t, store, q, engine)

	msg := job.Message{QueueID: "1-0", Key: "p/e1/e1.mp3"}
	err := c.ProcessOne(context.Background(), msg)
	require.NoError(t, err)

	require.False(t, q.acked["1-0"])
	require.Empty(t, engine.calls)
}

func TestProcessOneDownloadFailureReleasesLockNoAck(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("network down")
	q := newFakeQueue()
	engine := &fakeEngine{}
	c := newController(t, store, q, engine)

	msg := job.Message{QueueID: "1-0", Key: "p/e1/e1.mp3"}
	err := c.ProcessOne(context.Background(), msg)
	require.Error(t, err)
	require.False(t, q.acked["1-0"])
	require.Empty(t, q.locks)
}

func TestProcessOneModelFailureReleasesLockNoAck(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	engine := &fakeEngine{err: errors.New("model crashed")}
	c := newController(t, store, q, engine)

	msg := job.Message{QueueID: "1-0", Key: "p/e1/e1.mp3"}
	err := c.ProcessOne(context.Background(), msg)
	require.Error(t, err)
	require.False(t, q.acked["1-0"])
	require.Empty(t, q.locks)
}

func TestPrepareQuarantinesAfterMaxDeliveries(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	q.deliv["1-0"] = 5
	engine := &fakeEngine{}
	c := newController(t, store, q, engine)

	msg := job.Message{QueueID: "1-0", Key: "p/e1/e1.mp3"}
	entry, outcome, err := c.Prepare(context.Background(), msg)
	require.NoError(t, err)
	require.Nil(t, entry)
	require.Equal(t, PrepareQuarantined, outcome)
	require.True(t, q.acked["1-0"])
}

func TestPrepareBrokerFailureIsFatalNoAckNoRelease(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	q.setErr = errors.New("broker down")
	engine := &fakeEngine{}
	c := newController(t, store, q, engine)

	msg := job.Message{QueueID: "1-0", Key: "p/e1/e1.mp3"}
	entry, _, err := c.Prepare(context.Background(), msg)
	require.Error(t, err)
	require.Nil(t, entry)
	require.False(t, q.acked["1-0"])
	require.Empty(t, q.locks) // nothing was ever set; TTL is the safety net
}

func TestFinishAckFailureReleasesLockAfterUpload(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	q.ackErr = errors.New("broker down")
	engine := &fakeEngine{result: asr.Result{Segments: []asr.Segment{{Text: "hi"}}}}
	c := newController(t, store, q, engine)

	msg := job.Message{QueueID: "1-0", Key: "p/e1/e1.mp3"}
	err := c.ProcessOne(context.Background(), msg)
	require.Error(t, err)

	// The upload happened before the ack attempt, so a redelivery will
	// short-circuit at the head-check; the lock must not be left behind.
	require.Contains(t, store.objects, "p/e1/e1.txt")
	require.Empty(t, q.locks)
	require.False(t, q.acked["1-0"])
}

func TestProcessOneDuplicateDeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	engine := &fakeEngine{result: asr.Result{Segments: []asr.Segment{{Text: "hi"}}}}
	c := newController(t, store, q, engine)

	msg1 := job.Message{QueueID: "1-0", Key: "p/e1/e1.mp3"}
	require.NoError(t, c.ProcessOne(context.Background(), msg1))

	// A second delivery of the same key must short-circuit at the
	// head-check and ack without re-invoking the model or re-uploading.
	msg2 := job.Message{QueueID: "2-0", Key: "p/e1/e1.mp3"}
	require.NoError(t, c.ProcessOne(context.Background(), msg2))

	require.Len(t, engine.calls, 1)
	require.Len(t, store.puts, 1)
	require.True(t, q.acked["2-0"])
}
