package streak

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/gitbrew/gitbrew/internal/model"
	"github.com/gitbrew/gitbrew/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый леджером.
type Repository interface {
	GetUserByLogin(ctx context.Context, githubLogin string) (*model.User, error)
	EnsureUser(ctx context.Context, githubLogin string) (*model.User, error)
	RecordActivityEvent(ctx context.Context, ev model.ActivityEvent) (bool, error)
	ApplyActivity(ctx context.Context, ev model.ActivityEvent, u *model.User) (bool, error)
	SetOnboardingStatus(ctx context.Context, userID string, status int) error
}

// Ledger применяет события активности к состоянию серий пользователей.
// Конкурентные обновления одного пользователя разрешаются перечитыванием
// записи и повтором при конфликте версий.
type Ledger struct {
	repo   Repository
	target int
	logger *zap.Logger
}

// NewLedger создаёт леджер с указанной целевой длиной серии.
func NewLedger(repo Repository, target int, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		target: target,
		logger: logger,
	}
}

// Apply обрабатывает одно событие активности: находит пользователя по логину GitHub,
// дедуплицирует событие по внешнему идентификатору и применяет переход серии.
// События для неизвестных логинов игнорируются. Конфликт версий не выходит наружу.
func (l *Ledger) Apply(ctx context.Context, githubLogin, externalID string, occurredAt time.Time) error {
	backoff := retry.WithMaxRetries(5, retry.NewConstant(50*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		u, err := l.repo.GetUserByLogin(ctx, githubLogin)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				l.logger.Debug("activity for unknown github login skipped",
					zap.String("login", githubLogin), zap.String("commit", externalID))
				return nil
			}
			return fmt.Errorf("get user: %w", err)
		}

		ev := model.ActivityEvent{
			ExternalID: externalID,
			UserID:     u.ID,
			OccurredAt: occurredAt,
		}

		if !Advance(u, occurredAt, l.target) {
			// День уже учтён или событие запоздало: серия не меняется,
			// событие сохраняем только для аудита.
			if _, err := l.repo.RecordActivityEvent(ctx, ev); err != nil {
				return fmt.Errorf("record activity event: %w", err)
			}
			return nil
		}

		applied, err := l.repo.ApplyActivity(ctx, ev, u)
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return fmt.Errorf("apply activity: %w", err)
		}

		if applied && u.RewardPending {
			l.logger.Info("streak target reached, reward pending",
				zap.String("user_id", u.ID), zap.Int("longest_streak", u.LongestStreak))
		}

		return nil
	})
}

// MarkInstalled фиксирует установку GitHub-приложения: создаёт запись пользователя
// при необходимости и отмечает этап онбординга.
func (l *Ledger) MarkInstalled(ctx context.Context, githubLogin string) error {
	u, err := l.repo.EnsureUser(ctx, githubLogin)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}

	if err := l.repo.SetOnboardingStatus(ctx, u.ID, model.OnboardingStatusInstalled); err != nil {
		return fmt.Errorf("set onboarding status: %w", err)
	}

	return nil
}
