package camera

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"capvicam/internal/frame"
	"capvicam/internal/shutdown"
)

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte(fmt.Sprintf("jpeg-frame-%02d", i+1))
	}
	return frames
}

func testSettings() Settings {
	return Settings{Path: "/dev/video0", Width: 640, Height: 480, BufferCount: 8, ReadTimeout: 100 * time.Millisecond}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func runAsync(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func TestLoop_PublishesFrames(t *testing.T) {
	frames := testFrames(5)
	dev := &MockDevice{Frames: frames, FrameInterval: time.Millisecond}
	slot := frame.NewSlot()
	sig := shutdown.New()

	loop := NewLoop(dev, slot, sig, testSettings(), WithLogger(zaptest.NewLogger(t)))
	done := runAsync(loop.Run)

	waitFor(t, 2*time.Second, func() bool { return slot.Sequence() == 5 })
	if loop.GetState() != StateStreaming {
		t.Errorf("Expected streaming state, got %s", loop.GetState())
	}
	sig.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// モックは渡したバッファを上書きするので、コピーされていなければ壊れる
	got := slot.Snapshot()
	if got.Seq != 5 || !bytes.Equal(got.Data, frames[4]) {
		t.Errorf("Expected (5, %q), got (%d, %q)", frames[4], got.Seq, got.Data)
	}

	calls := dev.Calls()
	if calls.Allocated != 8 {
		t.Errorf("Expected 8 buffers, got %d", calls.Allocated)
	}
	if calls.Started != 1 || calls.Stopped != 1 {
		t.Errorf("Expected one start and one stop, got %+v", calls)
	}
	if loop.GetState() != StateIdle {
		t.Errorf("Expected idle state after run, got %s", loop.GetState())
	}
}

func TestLoop_ReadErrorIsFatal(t *testing.T) {
	readErr := errors.New("VIDIOC_DQBUF: input/output error")
	dev := &MockDevice{Frames: testFrames(5), ReadErrs: map[int]error{2: readErr}}
	slot := frame.NewSlot()

	loop := NewLoop(dev, slot, shutdown.New(), testSettings(), WithLogger(zaptest.NewLogger(t)))
	err := loop.Run()

	if !errors.Is(err, ErrFrameReadFailed) {
		t.Fatalf("Expected ErrFrameReadFailed, got %v", err)
	}
	if !errors.Is(err, readErr) {
		t.Errorf("Expected cause to be preserved, got %v", err)
	}
	if slot.Sequence() != 2 {
		t.Errorf("Expected 2 frames before failure, got %d", slot.Sequence())
	}
	if dev.Calls().Stopped != 1 {
		t.Error("Expected streaming to be stopped after read failure")
	}
	if loop.GetState() != StateFailed {
		t.Errorf("Expected failed state, got %s", loop.GetState())
	}
}

func TestLoop_ReadRetries(t *testing.T) {
	readErr := errors.New("temporary")

	t.Run("許容回数内なら継続", func(t *testing.T) {
		dev := &MockDevice{Frames: testFrames(3), ReadErrs: map[int]error{0: readErr, 1: readErr, 3: readErr}}
		slot := frame.NewSlot()
		sig := shutdown.New()
		settings := testSettings()
		settings.ReadRetries = 2

		loop := NewLoop(dev, slot, sig, settings, WithLogger(zaptest.NewLogger(t)))
		done := runAsync(loop.Run)

		waitFor(t, 2*time.Second, func() bool { return slot.Sequence() == 3 })
		sig.Cancel()
		if err := <-done; err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	})

	t.Run("連続失敗が上限を超えると失敗", func(t *testing.T) {
		dev := &MockDevice{Frames: testFrames(3), ReadErrs: map[int]error{0: readErr, 1: readErr, 2: readErr}}
		settings := testSettings()
		settings.ReadRetries = 2

		loop := NewLoop(dev, frame.NewSlot(), shutdown.New(), settings)
		if err := loop.Run(); !errors.Is(err, ErrFrameReadFailed) {
			t.Fatalf("Expected ErrFrameReadFailed, got %v", err)
		}
		if got := dev.Calls().Reads; got != 3 {
			t.Errorf("Expected 3 reads, got %d", got)
		}
	})
}

func TestLoop_AllocationFailure(t *testing.T) {
	dev := &MockDevice{AllocateErr: errors.New("VIDIOC_REQBUFS: ENOMEM")}

	loop := NewLoop(dev, frame.NewSlot(), shutdown.New(), testSettings())
	err := loop.Run()

	if !errors.Is(err, ErrBufferAllocationFailed) {
		t.Fatalf("Expected ErrBufferAllocationFailed, got %v", err)
	}
	calls := dev.Calls()
	if calls.Started != 0 || calls.Reads != 0 {
		t.Errorf("Loop should never start streaming, got %+v", calls)
	}
}

func TestLoop_StartFailure(t *testing.T) {
	dev := &MockDevice{Frames: testFrames(1), StartErr: errors.New("VIDIOC_STREAMON: EINVAL")}

	loop := NewLoop(dev, frame.NewSlot(), shutdown.New(), testSettings())
	err := loop.Run()

	if !errors.Is(err, ErrStreamStartFailed) {
		t.Fatalf("Expected ErrStreamStartFailed, got %v", err)
	}
	calls := dev.Calls()
	if calls.Reads != 0 {
		t.Errorf("Expected no reads after start failure, got %d", calls.Reads)
	}
	if calls.Stopped != 1 {
		t.Errorf("Expected teardown to run, got %d stops", calls.Stopped)
	}
}

func TestLoop_StopFailureIsNotFatal(t *testing.T) {
	dev := &MockDevice{StopErr: errors.New("VIDIOC_STREAMOFF: EBADF")}
	sig := shutdown.New()
	sig.Cancel()

	loop := NewLoop(dev, frame.NewSlot(), sig, testSettings(), WithLogger(zaptest.NewLogger(t)))
	if err := loop.Run(); err != nil {
		t.Fatalf("Stop failure should only be logged, got %v", err)
	}
	if dev.Calls().Reads != 0 {
		t.Error("Already-cancelled loop should not read frames")
	}
}

// 読み取り中のキャンセルは、現在の読み取りが戻った後に検知される
func TestLoop_CancelDuringRead(t *testing.T) {
	const interval = 50 * time.Millisecond
	dev := &MockDevice{Frames: testFrames(1000), FrameInterval: interval}
	slot := frame.NewSlot()
	sig := shutdown.New()

	loop := NewLoop(dev, slot, sig, testSettings(), WithLogger(zaptest.NewLogger(t)))
	done := runAsync(loop.Run)

	waitFor(t, 2*time.Second, func() bool { return slot.Sequence() >= 2 })
	cancelledAt := time.Now()
	sig.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(10 * interval):
		t.Fatal("Loop did not observe cancellation within bounded time")
	}

	if elapsed := time.Since(cancelledAt); elapsed > 4*interval {
		t.Errorf("Teardown took %s, expected about one read period", elapsed)
	}
	if dev.Calls().Stopped != 1 {
		t.Error("Expected streaming to be stopped")
	}
}

func TestLoop_StateHook(t *testing.T) {
	var states []State
	sig := shutdown.New()
	sig.Cancel()

	loop := NewLoop(&MockDevice{}, frame.NewSlot(), sig, testSettings(),
		WithStateHook(func(s State) { states = append(states, s) }))
	if err := loop.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []State{StateStreaming, StateStopping, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("Expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("Expected state %s at %d, got %s", want[i], i, states[i])
		}
	}
}
