package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kaiwachat/roomsync/internal/cache"
	"github.com/kaiwachat/roomsync/internal/config"
	"github.com/kaiwachat/roomsync/internal/engine"
	"github.com/kaiwachat/roomsync/internal/notify"
	"github.com/kaiwachat/roomsync/internal/store"
)

// envTokens reads the bearer token from the environment on every use,
// so a refreshed token is picked up by the next reconnect.
type envTokens struct{}

func (envTokens) Token() string {
	return os.Getenv("ROOMSYNC_TOKEN")
}

// consolePresenter renders the room to stdout: the latest timeline
// entry on every store change, presence and connection transitions as
// status lines.
type consolePresenter struct {
	session *engine.Session
}

func (p *consolePresenter) OnStoreChanged(roomID int) {
	if p.session == nil {
		return
	}
	var last store.Message
	for m := range p.session.Messages() {
		last = m
	}
	if last.ID == 0 && !last.Pending {
		return
	}
	text := last.Text
	if last.Deleted {
		text = "(message removed)"
	}
	status := ""
	if last.Pending {
		status = " [sending]"
	} else if readers := p.session.Readers(last.ID); len(readers) > 0 {
		status = fmt.Sprintf(" [read by %s]", strings.Join(readers, ","))
	}
	fmt.Printf("[room %d] %s: %s%s\n", roomID, last.Sender, text, status)
}

func (p *consolePresenter) OnPresence(roomID int, username string, joined bool) {
	verb := "left"
	if joined {
		verb = "joined"
	}
	fmt.Printf("[room %d] * %s %s\n", roomID, username, verb)
}

func (p *consolePresenter) OnConnectionState(roomID int, state engine.ConnState) {
	fmt.Printf("[room %d] * connection %s\n", roomID, state)
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("ROOMSYNC_CONFIG"))
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	viewer := os.Getenv("ROOMSYNC_USER")
	roomID, _ := strconv.Atoi(os.Getenv("ROOMSYNC_ROOM"))
	if viewer == "" || roomID == 0 {
		fmt.Fprintln(os.Stderr, "usage: set ROOMSYNC_USER, ROOMSYNC_ROOM and ROOMSYNC_TOKEN (optionally ROOMSYNC_CONFIG)")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tokens := envTokens{}

	rest, err := engine.NewClient(engine.ClientConfig{
		BaseURL: cfg.Server.BaseURL,
		Tokens:  tokens,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("creating history client", "error", err)
		os.Exit(1)
	}

	var localCache *cache.Cache
	if cfg.Cache.Path != "" {
		localCache, err = cache.New(cfg.Cache.Path)
		if err != nil {
			logger.Error("opening cache", "path", cfg.Cache.Path, "error", err)
			os.Exit(1)
		}
		defer localCache.Close()

		pruner := cache.NewPruner(localCache, cache.PrunerConfig{
			Interval:     cfg.Cache.PruneInterval.Std(),
			KeepMessages: cfg.Cache.KeepMessages,
		}, logger)
		pruner.Start()
		defer pruner.Stop()
	}

	aggregator := notify.New()
	defer aggregator.Close()
	aggregator.OnChange(func() {
		fmt.Printf("* unread mentions: %d\n", aggregator.UnreadTotal())
	})
	go func() {
		mentions, err := rest.Mentions(ctx)
		if err != nil {
			logger.Warn("loading mentions", "error", err)
			return
		}
		aggregator.Load(mentions)
	}()

	conn := engine.NewConn(engine.ConnConfig{
		URL:         cfg.Server.WSURL,
		RoomID:      roomID,
		Username:    viewer,
		Tokens:      tokens,
		BackoffMin:  cfg.Connection.BackoffMin.Std(),
		BackoffMax:  cfg.Connection.BackoffMax.Std(),
		EventBuffer: cfg.Session.EventBuffer,
		Logger:      logger,
	})

	presenter := &consolePresenter{}
	session, err := engine.NewSession(engine.SessionConfig{
		RoomID:     roomID,
		Viewer:     viewer,
		Conn:       conn,
		History:    rest,
		Presenter:  presenter,
		Cache:      localCache,
		Aggregator: aggregator,
		UndoWindow: cfg.Session.UndoWindow.Std(),
		Logger:     logger,
	})
	if err != nil {
		logger.Error("creating session", "error", err)
		os.Exit(1)
	}
	presenter.session = session

	session.Open(ctx)
	fmt.Printf("joined room %d as %s (/read <id>, /delete <id>, /readall, /quit)\n", roomID, viewer)

	scanner := bufio.NewScanner(os.Stdin)
input:
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			break input
		case line == "/readall":
			if err := session.MarkAllRead(ctx); err != nil {
				logger.Warn("mark all read failed", "error", err)
			}
		case strings.HasPrefix(line, "/read "):
			id, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/read ")))
			if err != nil {
				fmt.Fprintln(os.Stderr, "usage: /read <message id>")
				continue
			}
			if err := session.MarkRead(ctx, id); err != nil {
				logger.Warn("mark read not confirmed", "message_id", id, "error", err)
			}
		case strings.HasPrefix(line, "/delete "):
			id, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")))
			if err != nil {
				fmt.Fprintln(os.Stderr, "usage: /delete <message id>")
				continue
			}
			if err := session.DeleteMessage(ctx, id); err != nil {
				logger.Warn("delete failed", "message_id", id, "error", err)
			}
		default:
			if _, err := session.SendMessage(line, ""); err != nil {
				logger.Warn("send rejected", "error", err)
			}
		}
	}

	session.Close()
	session.Wait()
}
