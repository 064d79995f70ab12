package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := *in.Bucket + "/" + *in.Key
	if _, ok := f.objects[k]; ok && in.IfNoneMatch != nil && *in.IfNoneMatch == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[k] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestStores(t *testing.T) {
	dir := t.TempDir()
	fileStore, err := NewFileStore(filepath.Join(dir, "files"))
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	stores := []struct {
		name  string
		store Store
	}{
		{name: "memory", store: NewMemoryStore()},
		{name: "file", store: fileStore},
		{name: "sqlite", store: sqliteStore},
		{name: "s3", store: NewS3Store(newFakeS3(), "bucket", "analyses/")},
	}

	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			key := "ab12cd"

			_, ok, err := tt.store.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)

			stored, err := tt.store.PutIfAbsent(ctx, key, []byte(`{"v":1}`))
			require.NoError(t, err)
			assert.True(t, stored)

			stored, err = tt.store.PutIfAbsent(ctx, key, []byte(`{"v":2}`))
			require.NoError(t, err)
			assert.False(t, stored, "first writer wins")

			b, ok, err := tt.store.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `{"v":1}`, string(b))

			require.NoError(t, tt.store.Delete(ctx, key))
			_, ok, err = tt.store.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)
			require.NoError(t, tt.store.Delete(ctx, key), "deleting a missing key is fine")
		})
	}
}

func TestFileStore_ConcurrentFirstWriterWins(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stored, err := s.PutIfAbsent(context.Background(), "same-key", []byte{byte('a' + i)})
			assert.NoError(t, err)
			if stored {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

type result struct {
	Items []string           `json:"items"`
	Score float64            `json:"score"`
	Per   map[string]float64 `json:"per"`
}

func TestMemo_ComputesOnceThenHits(t *testing.T) {
	m := NewMemo[result]("test", NewMemoryStore())
	var calls atomic.Int32
	compute := func(ctx context.Context) (result, error) {
		calls.Add(1)
		return result{Items: []string{"rice"}, Score: 0.1 + 0.2, Per: map[string]float64{"kcal": 1.3}}, nil
	}

	first, outcome, err := m.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, outcome)

	second, outcome, err := m.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	// Callers get independent copies.
	first.Per["kcal"] = 99
	third, _, err := m.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, 1.3, third.Per["kcal"])
}

func TestMemo_ConcurrentCallersShareOneComputation(t *testing.T) {
	m := NewMemo[result]("test", NewMemoryStore())
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (result, error) {
		calls.Add(1)
		<-release
		return result{Items: []string{"broccoli"}, Score: 1}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := m.Do(context.Background(), "k", compute)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return m.InFlight("k") }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestMemo_ErrorsAreNotStored(t *testing.T) {
	store := NewMemoryStore()
	m := NewMemo[result]("test", store)
	boom := errors.New("vision down")

	_, _, err := m.Do(context.Background(), "k", func(ctx context.Context) (result, error) {
		return result{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.Len())

	v, outcome, err := m.Do(context.Background(), "k", func(ctx context.Context) (result, error) {
		return result{Score: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, outcome)
	assert.Equal(t, 2.0, v.Score)
}

func TestMemo_CancelledLeaderIsNotStored(t *testing.T) {
	store := NewMemoryStore()
	m := NewMemo[result]("test", store)

	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := m.Do(ctx, "k", func(ctx context.Context) (result, error) {
		cancel()
		// A computation that ignores cancellation still must not be memoized.
		return result{Score: 1}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Len())
}

func TestMemo_SubscriberSurvivesLeaderCancellation(t *testing.T) {
	m := NewMemo[result]("test", NewMemoryStore())
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	started := make(chan struct{})
	var calls atomic.Int32

	compute := func(ctx context.Context) (result, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return result{}, ctx.Err()
		}
		return result{Score: 7}, nil
	}

	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := m.Do(leaderCtx, "k", compute)
		leaderErr <- err
	}()
	<-started

	subscriber := make(chan result, 1)
	go func() {
		v, _, err := m.Do(context.Background(), "k", compute)
		assert.NoError(t, err)
		subscriber <- v
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	select {
	case v := <-subscriber:
		assert.Equal(t, 7.0, v.Score)
	case <-time.After(time.Second):
		t.Fatal("subscriber never finished")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemo_LosingWriterReturnsStoredValue(t *testing.T) {
	store := NewMemoryStore()
	m := NewMemo[result]("test", store)

	v, _, err := m.Do(context.Background(), "k", func(ctx context.Context) (result, error) {
		// Another process publishes first while we compute.
		_, err := store.PutIfAbsent(ctx, "k", []byte(`{"score":5}`))
		require.NoError(t, err)
		return result{Score: 6}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, v.Score)
}

func TestMemo_StoreIfSkipsRejectedValues(t *testing.T) {
	store := NewMemoryStore()
	m := NewMemo[result]("test", store).StoreIf(func(r result) bool { return r.Score > 0 })

	var calls atomic.Int32
	compute := func(ctx context.Context) (result, error) {
		n := calls.Add(1)
		return result{Score: float64(n - 1)}, nil
	}

	v, outcome, err := m.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, outcome)
	assert.Equal(t, 0.0, v.Score, "rejected values still reach the caller")
	assert.Equal(t, 0, store.Len())

	v, outcome, err = m.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, outcome)
	assert.Equal(t, 1.0, v.Score)
	assert.Equal(t, 1, store.Len())

	v, outcome, err = m.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, 1.0, v.Score)
	assert.Equal(t, int32(2), calls.Load())
}
