package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordVote_CountsByOperationAndResult は投票カウンタがラベル別に増加することを検証する。
func TestRecordVote_CountsByOperationAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordVote("upvote", "changed")
	c.RecordVote("upvote", "changed")
	c.RecordVote("upvote", "unchanged")
	c.RecordVote("downvote", "not_found")

	if v := findMetric(t, reg, "votebox_votes_total", map[string]string{"operation": "upvote", "result": "changed"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("upvote/changed = %v, want 2", v)
	}
	if v := findMetric(t, reg, "votebox_votes_total", map[string]string{"operation": "downvote", "result": "not_found"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("downvote/not_found = %v, want 1", v)
	}
}

// TestRecordSelection_CountsByResult は選択カウンタが結果別に増加することを検証する。
func TestRecordSelection_CountsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSelection("selected")
	c.RecordSelection("empty_queue")

	if v := findMetric(t, reg, "votebox_selections_total", map[string]string{"result": "empty_queue"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("empty_queue = %v, want 1", v)
	}
}

// TestAddRoomMembers_TracksGauge はメンバー数ゲージが増減することを検証する。
func TestAddRoomMembers_TracksGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.AddRoomMembers(1)
	c.AddRoomMembers(1)
	c.AddRoomMembers(-1)

	if v := findMetric(t, reg, "votebox_room_members", nil).GetGauge().GetValue(); v != 1 {
		t.Errorf("room_members = %v, want 1", v)
	}
}

// TestRecordBroadcast_AndDropped は配信・破棄カウンタを検証する。
func TestRecordBroadcast_AndDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBroadcast("vote-changed")
	c.RecordBroadcastDropped("slow_member")
	c.RecordBroadcastDropped("slow_member")

	if v := findMetric(t, reg, "votebox_broadcast_events_total", map[string]string{"kind": "vote-changed"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("broadcast vote-changed = %v, want 1", v)
	}
	if v := findMetric(t, reg, "votebox_broadcast_dropped_total", map[string]string{"reason": "slow_member"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("dropped slow_member = %v, want 2", v)
	}
}

// TestRecordStoreLatency_ObservesHistogram はレイテンシヒストグラムに観測値が入ることを検証する。
func TestRecordStoreLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStoreLatency("upvote", 50*time.Millisecond)

	h := findMetric(t, reg, "votebox_store_latency_seconds", map[string]string{"operation": "upvote"}).GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
}

// TestMiddleware_RecordsStatus はミドルウェアがレスポンスのステータスを記録することを検証する。
func TestMiddleware_RecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	h := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))

	if v := findMetric(t, reg, "votebox_http_status_total", map[string]string{"status_code": "409"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("status 409 = %v, want 1", v)
	}
}

// TestDiscard_ImplementsCollector はDiscardが何も記録せずに呼び出せることを検証する。
func TestDiscard_ImplementsCollector(t *testing.T) {
	var c MetricsCollector = Discard{}
	c.RecordVote("upvote", "changed")
	c.AddRoomMembers(3)
}
