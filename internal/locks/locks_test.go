package locks

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	k := NewKeyed()
	const workers = 20
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(SessionKey("p1", "s1"))
			defer unlock()
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("counter = %d, want %d (lost updates imply broken exclusion)", counter, workers)
	}
}

func TestLockDistinctKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	unlockA := k.Lock(SessionKey("p1", "s1"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := k.Lock(SessionKey("p1", "s2"))
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked behind an unrelated holder")
	}
}

func TestLockEntriesReleased(t *testing.T) {
	k := NewKeyed()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(SessionKey("p1", "s1"))
			time.Sleep(time.Millisecond)
			unlock()
		}()
	}
	wg.Wait()

	k.mu.Lock()
	n := len(k.entries)
	k.mu.Unlock()
	if n != 0 {
		t.Errorf("entries leaked: %d remain after all released", n)
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey("p1", "kosuke-chat-abc123"); got != "p1/kosuke-chat-abc123" {
		t.Errorf("SessionKey = %q", got)
	}
}
