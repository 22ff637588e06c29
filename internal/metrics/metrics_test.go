package metrics

import "testing"

func TestSnapshotComputesAverageDispatchMs(t *testing.T) {
	m := &Metrics{}
	m.TotalDispatchMs.Store(300)
	m.DispatchCount.Store(3)

	snap := m.snapshot()
	if snap.AvgDispatchMs != 100 {
		t.Fatalf("expected average of 100ms, got %v", snap.AvgDispatchMs)
	}
}

func TestSnapshotZeroDispatchesHasZeroAverage(t *testing.T) {
	m := &Metrics{}
	snap := m.snapshot()
	if snap.AvgDispatchMs != 0 {
		t.Fatalf("expected zero average with no dispatches, got %v", snap.AvgDispatchMs)
	}
}

func TestRecordPushEventUpdatesGlobalCounters(t *testing.T) {
	before := globalMetrics.PushesTotal.Load()
	RecordPushEvent("orders", false, "Failed")
	after := globalMetrics.PushesTotal.Load()
	if after != before+1 {
		t.Fatalf("expected pushes total to increment by 1, got delta %d", after-before)
	}
	if globalMetrics.PushesRejected.Load() == 0 {
		t.Fatalf("expected rejected push to increment PushesRejected")
	}
}
