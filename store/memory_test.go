package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyshay/agentauth/challenge"
)

// pinnedStore returns a store whose clock only moves when the test moves it.
func pinnedStore(startMs int64) (*MemoryStore, *int64) {
	now := startMs
	s := NewMemoryStore()
	s.nowMs = func() int64 { return atomic.LoadInt64(&now) }
	return s, &now
}

func testRecord(id string) *challenge.Record {
	return &challenge.Record{
		Challenge: &challenge.Challenge{
			ID:           id,
			SessionToken: "st_test",
			Payload: &challenge.Payload{
				Type:         challenge.TypeCryptoNL,
				Instructions: "Step 1: reverse the bytes.",
			},
			Difficulty: challenge.DifficultyMedium,
			CreatedAt:  1000,
			ExpiresAt:  31000,
		},
		AnswerHash:  "deadbeef",
		MaxAttempts: 3,
		CreatedAtMs: 1000,
	}
}

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s, _ := pinnedStore(1000)

	rec := testRecord("ch_1")
	if err := s.Put(ctx, rec, 30); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "ch_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != rec {
		t.Errorf("Get returned %p, want the stored record %p", got, rec)
	}

	got, err = s.Get(ctx, "ch_unknown")
	if err != nil {
		t.Fatalf("Get unknown: %v", err)
	}
	if got != nil {
		t.Errorf("Get unknown id = %+v, want nil", got)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s, now := pinnedStore(1000)

	if err := s.Put(ctx, testRecord("ch_1"), 30); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Exactly at the deadline the entry is still live.
	atomic.StoreInt64(now, 1000+30_000)
	if got, _ := s.Get(ctx, "ch_1"); got == nil {
		t.Error("Get at deadline = nil, want record")
	}

	atomic.StoreInt64(now, 1000+30_001)
	if got, _ := s.Get(ctx, "ch_1"); got != nil {
		t.Errorf("Get past deadline = %+v, want nil", got)
	}

	// Deleting an expired entry reclaims it but reports absence.
	got, err := s.Delete(ctx, "ch_1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got != nil {
		t.Errorf("Delete expired = %+v, want nil", got)
	}
	if s.Len() != 0 {
		t.Errorf("Len after delete = %d, want 0", s.Len())
	}
}

func TestMemoryStoreDeleteReturnsPrior(t *testing.T) {
	ctx := context.Background()
	s, _ := pinnedStore(1000)

	rec := testRecord("ch_1")
	if err := s.Put(ctx, rec, 30); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Delete(ctx, "ch_1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got != rec {
		t.Errorf("Delete returned %p, want %p", got, rec)
	}

	got, err = s.Delete(ctx, "ch_1")
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if got != nil {
		t.Errorf("second Delete = %+v, want nil", got)
	}
}

func TestMemoryStoreDeleteAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := pinnedStore(1000)
	if err := s.Put(ctx, testRecord("ch_race"), 30); err != nil {
		t.Fatalf("Put: %v", err)
	}

	const callers = 32
	var wg sync.WaitGroup
	var winners atomic.Int32
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.Delete(ctx, "ch_race")
			if err != nil {
				t.Errorf("Delete: %v", err)
				return
			}
			if rec != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("%d callers received the record, want exactly 1", got)
	}
}

func TestMemoryStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	s, now := pinnedStore(1000)

	first := testRecord("ch_1")
	second := testRecord("ch_1")
	second.AnswerHash = "cafef00d"

	if err := s.Put(ctx, first, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	atomic.StoreInt64(now, 1500)
	if err := s.Put(ctx, second, 30); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	// The overwrite refreshed the TTL past the first deadline.
	atomic.StoreInt64(now, 5000)
	got, err := s.Get(ctx, "ch_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.AnswerHash != "cafef00d" {
		t.Errorf("Get after overwrite = %+v, want the second record", got)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	s, now := pinnedStore(1000)

	if err := s.Put(ctx, testRecord("ch_old"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, testRecord("ch_new"), 100); err != nil {
		t.Fatalf("Put: %v", err)
	}

	atomic.StoreInt64(now, 5000)
	s.sweep()

	if s.Len() != 1 {
		t.Fatalf("Len after sweep = %d, want 1", s.Len())
	}
	if got, _ := s.Get(ctx, "ch_new"); got == nil {
		t.Error("live entry swept")
	}
}

func TestMemoryStoreJanitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, now := pinnedStore(1000)
	if err := s.Put(ctx, testRecord("ch_old"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	atomic.StoreInt64(now, 5000)

	s.StartJanitor(ctx, time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not evict expired entry, Len = %d", s.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
