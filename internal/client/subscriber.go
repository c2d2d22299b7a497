package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/votebox/internal/model"
)

// EventHandler はルームイベントを受け取る。
type EventHandler interface {
	HandleEvent(ctx context.Context, ev model.Event) error
}

// Subscriber はルームのWebSocketに接続し、受信したイベントをEventHandlerに渡す。
// 切断された場合はバックオフしながら再接続する。
// 接続のたびにサーバーが最初にwelcomeを送るため、EventHandler側で全量の再取得が行われる。
type Subscriber struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	handler EventHandler
	logger  *slog.Logger

	// backoff はテスト用に差し替え可能
	backoff func(consecutiveFailures int) time.Duration
}

// NewSubscriber はSubscriberを生成する。
func NewSubscriber(wsURL string, header http.Header, handler EventHandler, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:     wsURL,
		header:  header,
		dialer:  websocket.DefaultDialer,
		handler: handler,
		logger:  logger,
		backoff: CalculateBackoff,
	}
}

// Run はctxがキャンセルされるまで購読を続ける。
func (s *Subscriber) Run(ctx context.Context) error {
	failures := 0
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var closeErr *websocket.CloseError
		switch {
		case err == nil, errors.As(err, &closeErr):
			failures = 0
		default:
			failures++
		}

		delay := s.backoff(failures)
		s.logger.Warn("ルームとの接続が切れました。再接続します",
			slog.String("url", s.url),
			slog.Duration("delay", delay),
			slog.Int("consecutive_failures", failures),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session は1回の接続を処理する。切断されると戻る。
func (s *Subscriber) session(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			s.logger.Warn("WebSocket接続が拒否されました",
				slog.String("url", s.url),
				slog.Int("status", resp.StatusCode),
			)
		}
		return err
	}
	defer conn.Close()

	s.logger.Info("ルームに接続しました", slog.String("url", s.url))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		if err := s.handler.HandleEvent(ctx, ev); err != nil {
			s.logger.Warn("ルームイベントの処理に失敗しました",
				slog.String("kind", string(ev.Kind)),
				slog.Uint64("sequence", ev.Sequence),
				slog.String("error", err.Error()),
			)
		}
	}
}
