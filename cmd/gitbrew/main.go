// Package main запускает HTTP-сервер сервиса gitbrew.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gitbrew/gitbrew/internal/config"
	"github.com/gitbrew/gitbrew/internal/fulfillment"
	"github.com/gitbrew/gitbrew/internal/handler"
	"github.com/gitbrew/gitbrew/internal/middleware"
	"github.com/gitbrew/gitbrew/internal/repository"
	"github.com/gitbrew/gitbrew/internal/streak"
	"github.com/gitbrew/gitbrew/internal/terminal"
	"github.com/gitbrew/gitbrew/internal/token"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	terminalClient := terminal.NewClient(terminal.Config{
		APIURL:       cfg.TerminalAPIURL,
		AuthURL:      cfg.TerminalAuthURL,
		ClientID:     cfg.TerminalClientID,
		ClientSecret: cfg.TerminalSecret,
		RedirectURL:  cfg.TerminalRedirectURL,
	})

	ledger := streak.NewLedger(repo, cfg.StreakTarget, logger)
	broker := token.NewBroker(repo, terminalClient)
	processor := fulfillment.NewProcessor(repo, broker, terminalClient, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.SessionSecret)
	h := handler.NewHandler(ledger, processor, terminalClient, repo,
		logger, authMiddleware, cfg.GithubWebhookSecret, cfg.CronSecret, cfg.StreakTarget)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting gitbrew server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
