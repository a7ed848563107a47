package shutdown

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestSignal_Initial(t *testing.T) {
	s := New()
	if s.Cancelled() {
		t.Error("Expected new signal to be not cancelled")
	}
	select {
	case <-s.Done():
		t.Error("Done should not be closed before Cancel")
	default:
	}
}

func TestSignal_CancelIdempotent(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-s.Done()
		}()
	}

	// 複数回・並行に呼んでも panic しない
	var cw sync.WaitGroup
	for i := 0; i < 5; i++ {
		cw.Add(1)
		go func() {
			defer cw.Done()
			s.Cancel()
		}()
	}
	cw.Wait()
	s.Cancel()

	waitOrFail(t, &wg, time.Second)

	if !s.Cancelled() {
		t.Error("Expected Cancelled to be true")
	}
	if s.Context().Err() == nil {
		t.Error("Expected context to be cancelled")
	}
}

func TestSignal_DoneAfterCancel(t *testing.T) {
	s := New()
	s.Cancel()

	select {
	case <-s.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Done should resolve immediately when already cancelled")
	}
}

func TestSignal_NotifyOnSignal(t *testing.T) {
	s := New()

	got := make(chan int, 2)
	stop := s.NotifyOnSignal(func(_ os.Signal, n int) { got <- n }, syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	select {
	case n := <-got:
		if n != 1 {
			t.Errorf("Expected first signal count 1, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Signal was not delivered")
	}

	if !s.Cancelled() {
		t.Error("Expected signal to cancel")
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatal("waiters did not resolve")
	}
}
