package autoplay

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
)

// Server は自動再生タスクを処理するasynqワーカー。
type Server struct {
	server  *asynq.Server
	handler *Handler
	logger  *slog.Logger
}

// NewServer はServerの新しいインスタンスを生成する。
// concurrencyが0以下の場合はデフォルト値4を使用する。
func NewServer(redisOpt asynq.RedisConnOpt, handler *Handler, concurrency int, logger *slog.Logger) *Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		Logger:      &asynqLogger{logger: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retry, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error("自動再生タスクが失敗しました",
				slog.String("task_type", task.Type()),
				slog.Int("retry", retry),
				slog.Int("max_retry", maxRetry),
				slog.String("error", err.Error()),
			)
		}),
	})
	return &Server{server: srv, handler: handler, logger: logger}
}

// Mux はタスク種別ごとのハンドラー登録を返す。
func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeSelectNext, s.handler)
	return mux
}

// Start はワーカーを起動する。処理はバックグラウンドで行われる。
func (s *Server) Start() error {
	if err := s.server.Start(s.Mux()); err != nil {
		return fmt.Errorf("自動再生ワーカーの起動に失敗: %w", err)
	}
	s.logger.Info("自動再生ワーカーを開始しました")
	return nil
}

// Shutdown は処理中のタスクの完了を待ってワーカーを停止する。
func (s *Server) Shutdown() {
	s.server.Shutdown()
	s.logger.Info("自動再生ワーカーを停止しました")
}

// asynqLogger はasynq.Loggerをslogに橋渡しする。
type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}

// compile-time interface check
var (
	_ asynq.Logger  = (*asynqLogger)(nil)
	_ asynq.Handler = (*Handler)(nil)
)
