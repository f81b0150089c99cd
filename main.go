package main

import (
	"boltalka/internal/backend"
	"boltalka/internal/backend/local"
	"boltalka/internal/backend/remote"
	"boltalka/internal/chatlist"
	"boltalka/internal/config"
	"boltalka/internal/nav"
	"boltalka/internal/session"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// slogNavigator is the headless shell's routing surface: navigation
// becomes structured log lines instead of screen transitions.
type slogNavigator struct {
	log *slog.Logger
}

func (n *slogNavigator) OpenChats() {
	n.log.Info("navigate", "route", "chats")
}

func (n *slogNavigator) OpenSignIn() {
	n.log.Info("navigate", "route", "sign-in")
}

func (n *slogNavigator) OpenConversation(conversationID string) {
	n.log.Info("navigate", "route", "conversation", "conversation_id", conversationID)
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, io.Closer, error) {
	switch cfg.Mode {
	case config.ModeRemote:
		client, err := remote.New(remote.Config{
			BaseURL:          cfg.BackendURL,
			AnonKey:          cfg.AnonKey,
			SessionCachePath: cfg.SessionCacheFile,
			Logger:           logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	default:
		b, err := local.Open(ctx, local.Config{
			Path:            cfg.LocalDBFile,
			Secret:          base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
			Logger:          logger,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			PushContact:     cfg.PushContact,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("starting", "mode", cfg.Mode)

	b, closer, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	navigator := &slogNavigator{log: logger}
	provider, err := session.New(session.Config{
		Backend:   b,
		Navigator: navigator,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := provider.Start(ctx); err != nil {
		return err
	}

	switch nav.Evaluate(provider.State(), nav.GroupApp) {
	case nav.RedirectToSignIn:
		navigator.OpenSignIn()
	default:
		navigator.OpenChats()
	}

	g, gCtx := errgroup.WithContext(ctx)

	if sess, err := provider.Session(); err == nil {
		list, err := chatlist.New(chatlist.Config{
			Store:    b,
			Realtime: b,
			SelfID:   sess.UserID,
			Logger:   logger,
			OnChange: func() {
				logger.Info("chat list updated")
			},
		})
		if err != nil {
			return err
		}
		defer list.Close()

		if err := list.Load(gCtx); err != nil {
			logger.Warn("initial chat list load failed", "error", err)
		}
	}

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
