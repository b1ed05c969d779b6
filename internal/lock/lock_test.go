package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "k")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("max concurrent holders: %d", maxInside)
	}
	if l.Size() != 0 {
		t.Fatalf("keys leaked: %d", l.Size())
	}
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	unlockA, err := l.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()
	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx2, "b")
	if err != nil {
		t.Fatalf("lock b blocked by a: %v", err)
	}
	unlockB()
}

func TestLocalHonorsContext(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); err == nil {
		t.Fatalf("expected timeout while held")
	}
	unlock()
	unlock() // idempotent
	if l.Size() != 0 {
		t.Fatalf("keys leaked: %d", l.Size())
	}
}
