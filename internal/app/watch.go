package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hitoshi/votebox/internal/client"
	"github.com/hitoshi/votebox/internal/config"
	"github.com/hitoshi/votebox/internal/logger"
)

// runWatch はクリエイターのキューを購読し、変化のたびに標準出力へ表示する。
// 標準入力から "up <itemId>" / "down <itemId>" を受け付けて投票する。
// ログはwに出力する。
func runWatch(w io.Writer, args []string) error {
	if len(args) == 0 || args[0] == "" {
		return fmt.Errorf("usage: watch <creatorId>")
	}
	creatorID := args[0]

	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.LoadWatch()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if w == nil {
		w = os.Stderr
	}
	log := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel), string(CommandWatch))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := client.NewHTTPAPI(&http.Client{Timeout: 10 * time.Second}, cfg.BaseURL, cfg.Token, log)
	wsURL, err := api.SubscribeURL(creatorID)
	if err != nil {
		return err
	}

	rec := client.NewReconciler(api, creatorID, cfg.UserID, log)
	rec.OnChange(func(v client.View) {
		fmt.Fprint(os.Stdout, FormatView(v))
	})

	sub := client.NewSubscriber(wsURL, api.AuthHeader(), rec, log)
	go func() {
		if err := readVoteCommands(ctx, os.Stdin, rec); err != nil {
			log.Warn("入力の読み込みを終了しました", slog.String("error", err.Error()))
		}
	}()

	if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Voter は表示中のアイテムへの投票操作。
type Voter interface {
	Upvote(ctx context.Context, itemID string) error
	Downvote(ctx context.Context, itemID string) error
}

// readVoteCommands は1行1コマンドで投票操作を読み取る。
// 不正な行と失敗した投票は報告して読み続ける。
func readVoteCommands(ctx context.Context, in io.Reader, voter Voter) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			slog.Warn("コマンドの形式が不正です（up <itemId> / down <itemId>）", slog.String("line", scanner.Text()))
			continue
		}

		var err error
		switch fields[0] {
		case "up":
			err = voter.Upvote(ctx, fields[1])
		case "down":
			err = voter.Downvote(ctx, fields[1])
		default:
			slog.Warn("不明なコマンドです", slog.String("command", fields[0]))
			continue
		}
		if err != nil {
			slog.Warn("投票に失敗しました",
				slog.String("item_id", fields[1]),
				slog.String("error", err.Error()),
			)
		}
	}
	return scanner.Err()
}

// FormatView はルームの表示状態をテキストに整形する。
func FormatView(v client.View) string {
	var b strings.Builder

	status := "synced"
	if !v.Synced {
		status = "resyncing"
	}
	fmt.Fprintf(&b, "== %s (seq %d, %s)\n", v.CreatorID, v.Sequence, status)

	if v.Current != nil {
		fmt.Fprintf(&b, "now playing: %s [%s]\n", v.Current.Title, v.Current.ID)
	} else {
		b.WriteString("now playing: -\n")
	}

	for i, it := range v.Items {
		mark := " "
		if it.HasVoted {
			mark = "*"
		}
		fmt.Fprintf(&b, "%2d. %s %3d %s [%s]", i+1, mark, it.UpvoteCount, it.Title, it.ID)
		if it.State == client.StatePendingVote {
			b.WriteString(" (pending)")
		}
		b.WriteString("\n")
	}
	return b.String()
}
