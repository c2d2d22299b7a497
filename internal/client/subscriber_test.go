package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/votebox/internal/model"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []model.Event
	ch     chan model.Event
}

func (h *recordingHandler) HandleEvent(ctx context.Context, ev model.Event) error {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	h.ch <- ev
	return nil
}

func TestSubscriber_ReconnectsAndReceivesWelcomeEachTime(t *testing.T) {
	var mu sync.Mutex
	connections := 0
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		mu.Lock()
		connections++
		n := connections
		mu.Unlock()

		_ = conn.WriteJSON(model.Event{Kind: model.EventWelcome, Sequence: uint64(n * 10)})
		if n == 1 {
			// 最初の接続はイベントを1件送って切断する
			_ = conn.WriteJSON(model.Event{Kind: model.EventVoteChanged, ItemID: "a", Upvotes: 1, Sequence: 11})
			return
		}
		// 2回目以降はクライアントが切断するまで待つ
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := &recordingHandler{ch: make(chan model.Event, 16)}
	header := http.Header{}
	header.Set("Authorization", "Bearer tok")
	sub := NewSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), header, h, testLogger())
	sub.backoff = func(int) time.Duration { return 10 * time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	want := []model.Event{
		{Kind: model.EventWelcome, Sequence: 10},
		{Kind: model.EventVoteChanged, ItemID: "a", Upvotes: 1, Sequence: 11},
		{Kind: model.EventWelcome, Sequence: 20},
	}
	for i, w := range want {
		select {
		case ev := <-h.ch:
			if ev.Kind != w.Kind || ev.Sequence != w.Sequence {
				t.Errorf("event[%d] = %+v, want kind %s seq %d", i, ev, w.Kind, w.Sequence)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event[%d]", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubscriber_RetriesRejectedDial(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := &recordingHandler{ch: make(chan model.Event, 1)}
	sub := NewSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), nil, h, testLogger())
	var failuresSeen []int
	sub.backoff = func(n int) time.Duration {
		mu.Lock()
		failuresSeen = append(failuresSeen, n)
		mu.Unlock()
		return 5 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sub.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Errorf("attempts = %d, want >= 2", attempts)
	}
	for i, n := range failuresSeen {
		if n != i+1 {
			t.Errorf("failuresSeen[%d] = %d, want %d (consecutive failures must grow)", i, n, i+1)
			break
		}
	}
}
