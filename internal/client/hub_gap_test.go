package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/votebox/internal/metrics"
	"github.com/hitoshi/votebox/internal/model"
	"github.com/hitoshi/votebox/internal/realtime"
)

// chanMember はHubから届いたイベントをチャネルに流す。
type chanMember struct {
	mu     sync.Mutex
	closed bool
	ch     chan model.Event
}

func (m *chanMember) Send(msg []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	var ev model.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return false
	}
	select {
	case m.ch <- ev:
		return true
	default:
		return false
	}
}

func (m *chanMember) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *chanMember) next(t *testing.T) model.Event {
	t.Helper()
	select {
	case ev := <-m.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a hub event")
		return model.Event{}
	}
}

// ルームの外でイベントが失われた場合（中継の取りこぼし等）、
// Hubが番号を消費していれば次のイベントでクライアントが再同期する。
func TestReconciler_ResyncsAfterHubGap(t *testing.T) {
	hub := realtime.NewHub(realtime.HubConfig{InboxSize: 16}, testLogger(), metrics.Discard{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	member := &chanMember{ch: make(chan model.Event, 16)}
	if _, err := hub.Join("c1", member); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	api := &mockAPI{getQueueFn: staticQueue(entry("a", 1, 0, false))}
	r := NewReconciler(api, "c1", "u1", testLogger())
	apply := func() {
		t.Helper()
		if err := r.HandleEvent(ctx, member.next(t)); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}

	apply() // welcome
	hub.Publish("c1", model.Event{Kind: model.EventVoteChanged, ItemID: "a", Upvotes: 2, ItemVersion: 2})
	apply()
	if api.getQueueCalls() != 1 {
		t.Fatalf("GetQueue calls = %d, want 1", api.getQueueCalls())
	}

	// item-addedが失われ、サーバーには新しいアイテムbがある
	hub.MarkGap("c1")
	api.getQueueFn = staticQueue(entry("a", 2, 0, false), entry("b", 0, time.Minute, false))
	hub.Publish("c1", model.Event{Kind: model.EventVoteChanged, ItemID: "a", Upvotes: 2, ItemVersion: 3})
	apply()

	if api.getQueueCalls() != 2 {
		t.Errorf("GetQueue calls = %d, want 2 (gap must trigger a resync)", api.getQueueCalls())
	}
	v := r.View()
	if !v.Synced {
		t.Error("view should be synced after the resync")
	}
	if got := ids(v); len(got) != 2 || got[1] != "b" {
		t.Errorf("items = %v, want [a b]", got)
	}
}
