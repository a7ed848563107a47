package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	// nil でも panic しない
	m.RecordFrame(1, 100)
	m.RecordCaptureError("read")
	m.RecordCaptureState("idle", []string{"idle"})
	m.RecordSessionStart()
	m.RecordSessionStop()
	m.RecordSessionRejected()
	m.RecordPart(10, 2)
	m.RecordAcceptError(true)
	m.RecordWSClientStart()
	m.RecordWSClientStop()
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordFrame(1, 1000)
	m.RecordFrame(2, 2000)
	if got := testutil.ToFloat64(m.FramesCaptured); got != 2 {
		t.Errorf("Expected 2 frames captured, got %v", got)
	}
	if got := testutil.ToFloat64(m.LatestSequence); got != 2 {
		t.Errorf("Expected latest sequence 2, got %v", got)
	}

	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionStop()
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("Expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.TotalSessions); got != 2 {
		t.Errorf("Expected 2 total sessions, got %v", got)
	}

	m.RecordPart(500, 3)
	m.RecordPart(500, 0)
	if got := testutil.ToFloat64(m.BytesSent); got != 1000 {
		t.Errorf("Expected 1000 bytes sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesSkipped); got != 3 {
		t.Errorf("Expected 3 skipped frames, got %v", got)
	}

	m.RecordCaptureError("read")
	if got := testutil.ToFloat64(m.CaptureErrors.WithLabelValues("read")); got != 1 {
		t.Errorf("Expected 1 read error, got %v", got)
	}

	states := []string{"idle", "streaming"}
	m.RecordCaptureState("streaming", states)
	if got := testutil.ToFloat64(m.CaptureState.WithLabelValues("streaming")); got != 1 {
		t.Errorf("Expected streaming state 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.CaptureState.WithLabelValues("idle")); got != 0 {
		t.Errorf("Expected idle state 0, got %v", got)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// 専用レジストリなので複数回 New しても登録が衝突しない
	a := New()
	b := New()
	a.RecordSessionRejected()

	if got := testutil.ToFloat64(b.RejectedSessions); got != 0 {
		t.Errorf("Expected registries to be independent, got %v", got)
	}
}
