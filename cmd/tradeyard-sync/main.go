package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tradeyard/tradeyard-sync/internal/auth"
	"github.com/tradeyard/tradeyard-sync/internal/config"
	syncerrors "github.com/tradeyard/tradeyard-sync/internal/errors"
	"github.com/tradeyard/tradeyard-sync/internal/logging"
	"github.com/tradeyard/tradeyard-sync/internal/metrics"
	"github.com/tradeyard/tradeyard-sync/internal/models"
	"github.com/tradeyard/tradeyard-sync/internal/state"
	"github.com/tradeyard/tradeyard-sync/messaging"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("tradeyard-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	authState := auth.NewState(cfg.Token)
	client := messaging.NewClient(cfg.APIBaseURL, authState, nil)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.TokenFile != "" {
		g.Go(func() error {
			return auth.WatchTokenFile(gctx, cfg.TokenFile, authState, logger)
		})
	}

	user, err := authenticate(gctx, client, cfg, appState, authState, logger)
	if err != nil {
		return err
	}

	logger.Info("signed in",
		slog.String("user_id", user.ID),
		slog.String("name", user.Name),
	)

	if err := appState.InitAccountBuckets(user.ID); err != nil {
		return fmt.Errorf("initializing account buckets: %w", err)
	}

	socket := messaging.NewSocketClient(messaging.SocketConfig{
		URL:               cfg.SocketURL,
		Device:            cfg.DeviceName,
		Auth:              authState,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectAttempts: cfg.ReconnectAttempts,
	}, logging.ForComponent(logger, "socket"))

	fetcher := messaging.NewFetcher(client, messaging.FetcherConfig{
		ConversationInterval:    cfg.ConversationPoll,
		MessageInterval:         cfg.MessagePoll,
		MessagePullOnlyInterval: cfg.MessagePollPullOnly,
		NotificationInterval:    cfg.NotificationPoll,
	}, logging.ForComponent(logger, "fetcher"))

	engine := messaging.NewEngine(messaging.EngineConfig{
		SelfID:  user.ID,
		Client:  client,
		Socket:  socket,
		Fetcher: fetcher,
		State:   appState,
	}, logging.ForComponent(logger, "engine"))

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, logging.ForComponent(logger, "metrics"))
		})
	}

	g.Go(func() error {
		return engine.Run(gctx)
	})

	return g.Wait()
}

// authenticate resolves a working session in priority order: explicit
// token, token file, cached token, then email+password signin. A 401
// from the identity endpoints clears the cached credential; request
// failures elsewhere do not.
func authenticate(ctx context.Context, client *messaging.Client, cfg *config.Config, appState *state.State, authState *auth.State, logger *slog.Logger) (*models.User, error) {
	if cfg.TokenFile != "" && authState.Token() == "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading token file: %w", err)
		}

		authState.SetToken(strings.TrimSpace(string(data)))
	}

	if authState.Token() == "" {
		if token := appState.Token(); token != "" {
			logger.Debug("trying cached token")
			authState.SetToken(token)
		}
	}

	if authState.Token() != "" {
		user, err := client.CurrentUser(ctx)
		if err == nil {
			return user, nil
		}

		if !errors.Is(err, syncerrors.ErrUnauthorized) {
			return nil, err
		}

		logger.Debug("token rejected, signing in fresh")
		authState.Clear()
	}

	if cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("token rejected and no signin credentials configured")
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	resp, err := client.Signin(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	authState.SetToken(resp.Token)
	if err := appState.SetToken(resp.Token); err != nil {
		logger.Warn("failed to cache token", slog.String("error", err.Error()))
	}

	return &resp.User, nil
}
