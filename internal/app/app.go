package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/votebox/internal/cache"
	"github.com/hitoshi/votebox/internal/config"
	"github.com/hitoshi/votebox/internal/database"
	"github.com/hitoshi/votebox/internal/handler"
	"github.com/hitoshi/votebox/internal/item"
	"github.com/hitoshi/votebox/internal/logger"
	"github.com/hitoshi/votebox/internal/metadata"
	"github.com/hitoshi/votebox/internal/metrics"
	"github.com/hitoshi/votebox/internal/middleware"
	"github.com/hitoshi/votebox/internal/playback"
	"github.com/hitoshi/votebox/internal/queue"
	"github.com/hitoshi/votebox/internal/realtime"
	"github.com/hitoshi/votebox/internal/repository"
	"github.com/hitoshi/votebox/internal/security"
	"github.com/hitoshi/votebox/internal/vote"
	"github.com/hitoshi/votebox/internal/worker/autoplay"
	"github.com/hitoshi/votebox/internal/worker/cleanup"
)

const (
	queueCacheKeyPrefix = "votebox:queue:"
	shutdownTimeout     = 30 * time.Second
)

// メタデータ取得を許可する外部ホスト。サブドメインも含む。
var metadataHosts = []string{"youtube.com", "youtu.be"}

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, cmd Command) (*config.Config, error) {
	// 1. 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo, string(cmd))

	// 2. .env と環境変数から設定を読み込む
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel), string(cmd))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)
	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	switch cmd {
	case CommandHealthcheck:
		// 軽量サブコマンドのため、フル初期化をスキップする
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandWatch:
		// watchはDBに接続しないためDATABASE_URLを要求しない
		return runWatch(w, rest)
	}

	cfg, err := Init(w, cmd)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("redis", cfg.RedisURL != ""),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, rest)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、到達できることを確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(context.Background(), db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("データベースに接続しました",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// openRedis はRedisクライアントを生成し、到達できることを確認する。
func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("Redisに接続しました", slog.String("addr", opt.Addr))
	return client, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	itemRepo := repository.NewPostgresItemRepo(db)
	playbackRepo := repository.NewPostgresPlaybackRepo(db)
	voteRepo := repository.NewPostgresVoteRepo(db)

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 4. ルームへの配信
	hub := realtime.NewHub(realtime.HubConfig{InboxSize: cfg.BroadcastBuffer}, log, collector)
	go hub.Run(ctx)
	defer hub.Close()

	var (
		publisher  realtime.Publisher = hub
		queueCache cache.QueueCache   = cache.Disabled{}
		scheduler  handler.AutoplaySchedulerInterface
		redisPing  func(context.Context) error
	)

	// 5. Redisがある場合は複数インスタンス間の中継・キャッシュ・自動再生を有効にする
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		redisPing = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

		queueCache = cache.NewRedisQueueCache(rdb, queueCacheKeyPrefix, cfg.QueueCacheTTL)

		relay := realtime.NewRedisRelay(rdb, hub, realtime.RelayConfig{
			OutboxSize:     cfg.BroadcastBuffer,
			PublishTimeout: cfg.StoreTimeout,
		}, log, collector)
		// 購読できないまま中継に切り替えると自インスタンスのメンバーに何も届かない
		if err := relay.Subscribe(ctx); err != nil {
			return err
		}
		go func() {
			if err := relay.Run(ctx); err != nil {
				slog.Error("ルーム中継が停止しました", slog.String("error", err.Error()))
			}
		}()
		publisher = relay

		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL for task queue: %w", err)
		}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		scheduler = autoplay.NewScheduler(asynqClient, log)
	} else {
		slog.Warn("REDIS_URLが未設定のため、キャッシュ・インスタンス間中継・自動再生を無効にします")
	}

	// 6. 外部メタデータ取得とサニタイズ
	ssrfGuard := security.NewSSRFGuard(metadataHosts...)
	resolver := metadata.NewYouTubeResolver(ssrfGuard, metadata.ResolverConfig{
		Timeout:     cfg.MetadataTimeout,
		MaxBodySize: cfg.MetadataMaxSize,
	}, log)
	playlists := metadata.NewPlaylistFetcher(ssrfGuard, metadata.PlaylistConfig{
		Timeout:     cfg.MetadataTimeout,
		MaxBodySize: cfg.MetadataMaxSize,
	}, log)
	sanitizer := security.NewTextSanitizer()

	// 7. ドメインサービスの初期化
	queueService := queue.NewQueueService(itemRepo, playbackRepo, queueCache, collector, log, cfg.StoreTimeout)
	voteService := vote.NewVoteService(voteRepo, queueCache, publisher, collector, log, cfg.StoreTimeout)
	playbackService := playback.NewPlaybackService(playbackRepo, queueCache, publisher, collector, log, cfg.StoreTimeout)
	itemService := item.NewItemService(
		itemRepo, resolver, playlists, sanitizer, queueCache, publisher, collector, log,
		item.Config{StoreTimeout: cfg.StoreTimeout, ImportMaxItems: cfg.ImportMaxItems},
	)

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSubmission),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		QueueService:    queueService,
		VoteService:     voteService,
		PlaybackService: playbackService,
		ItemService:     itemService,
		Autoplay:        scheduler,
		Hub:             hub,
		MemberBuffer:    cfg.MemberBuffer,
		Metrics:         collector,
		Gatherer:        reg,
		Health: func(ctx context.Context) error {
			if err := database.Ping(ctx, db, cfg.StoreTimeout); err != nil {
				return err
			}
			if redisPing != nil {
				return redisPing(ctx)
			}
			return nil
		},
	})

	// 9. HTTPサーバーの起動
	// WebSocket接続は長時間書き込みを続けるため、WriteTimeoutは設定しない。
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("APIサーバーを起動します", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen failed: %w", err)
		}
	}
	slog.Info("APIサーバーを停止します")

	// 購読中のメンバーを先に切断し、Shutdownがハイジャック済み接続を待たないようにする
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("APIサーバーを正常に停止しました")
	return nil
}

// runWorker はワーカーモードで起動する。
// 自動再生タスクの処理と再生済みアイテムのクリーンアップを行う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("worker requires REDIS_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := slog.Default()

	// 1. DB・Redis接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// 2. 選択結果はRedis経由でAPIサーバーのルームへ届ける
	relay := realtime.NewRedisRelay(rdb, nil, realtime.RelayConfig{
		OutboxSize:     cfg.BroadcastBuffer,
		PublishTimeout: cfg.StoreTimeout,
	}, log, metrics.Discard{})
	go relay.RunPublisher(ctx)

	queueCache := cache.NewRedisQueueCache(rdb, queueCacheKeyPrefix, cfg.QueueCacheTTL)
	playbackService := playback.NewPlaybackService(
		repository.NewPostgresPlaybackRepo(db), queueCache, relay, metrics.Discard{}, log, cfg.StoreTimeout,
	)

	// 3. 自動再生ワーカーの起動
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL for task queue: %w", err)
	}
	autoplayServer := autoplay.NewServer(redisOpt, autoplay.NewHandler(playbackService, log), cfg.AutoplayConcurrency, log)
	if err := autoplayServer.Start(); err != nil {
		return err
	}

	// 4. クリーンアップジョブ
	cleanupJob := cleanup.NewCleanupJob(db, repository.NewPostgresVoteRepo(db), log)
	cleanupJob.RetentionDays = cfg.PlayedRetentionDays

	slog.Info("ワーカーを起動します",
		slog.Int("autoplay_concurrency", cfg.AutoplayConcurrency),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", cfg.PlayedRetentionDays),
	)

	// ctxのキャンセルまでブロックする
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("ワーカーを停止します")
	autoplayServer.Shutdown()

	slog.Info("ワーカーを正常に停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, args []string) error {
	action, err := ParseMigrateAction(args)
	if err != nil {
		return err
	}

	slog.Info("マイグレーションを実行します",
		slog.String("action", action.Name),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action.Name {
	case "down":
		if err := database.RollbackMigrations(cfg.DatabaseURL, action.Steps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case "version":
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("マイグレーションのバージョン",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("マイグレーションが完了しました")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
