// Package fulfillment реализует пакетное размещение кофейных заказов
// для пользователей, достигших целевой длины серии.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gitbrew/gitbrew/internal/model"
	"github.com/gitbrew/gitbrew/internal/repository"
	"github.com/gitbrew/gitbrew/internal/terminal"
	"github.com/gitbrew/gitbrew/internal/token"
)

// Таймаут обработки одного пользователя: зависший вызов провайдера
// не должен останавливать весь пакет.
const userTimeout = 30 * time.Second

// Repository описывает контракт доступа к данным, используемый процессором.
type Repository interface {
	ListUsersPendingReward(ctx context.Context) ([]repository.RewardCandidate, error)
	ClearRewardPending(ctx context.Context, userID string) error
}

// TokenSource выдаёт действующий access-токен пользователя.
type TokenSource interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
}

// Provider описывает операции commerce-провайдера, нужные для размещения заказа.
type Provider interface {
	ListProducts(ctx context.Context, accessToken string) ([]terminal.Product, error)
	CreateOrder(ctx context.Context, accessToken string, intent model.OrderIntent) (string, error)
}

// Processor обрабатывает пользователей с отложенной наградой: получает токен,
// выбирает случайный вариант товара и размещает один заказ на пользователя.
// Ошибки одного пользователя не прерывают пакет.
type Processor struct {
	repo     Repository
	tokens   TokenSource
	provider Provider
	logger   *zap.Logger

	running atomic.Bool
	randInt func(n int) int
}

// NewProcessor создаёт процессор наград.
func NewProcessor(repo Repository, tokens TokenSource, provider Provider, logger *zap.Logger) *Processor {
	return &Processor{
		repo:     repo,
		tokens:   tokens,
		provider: provider,
		logger:   logger,
		randInt:  rand.Intn,
	}
}

// ProcessPendingOrders выполняет один проход пакетной обработки.
// Повторный вызов во время работающего прохода безопасно пропускается.
// По истечении дедлайна контекста оставшиеся пользователи обрабатываются
// на следующем запуске.
func (p *Processor) ProcessPendingOrders(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Info("order processing already running, skipping")
		return nil
	}
	defer p.running.Store(false)

	candidates, err := p.repo.ListUsersPendingReward(ctx)
	if err != nil {
		return fmt.Errorf("list pending rewards: %w", err)
	}

	p.logger.Info("processing pending coffee rewards", zap.Int("users", len(candidates)))

	for _, c := range candidates {
		if ctx.Err() != nil {
			p.logger.Warn("batch deadline reached, remaining users deferred to next run")
			break
		}
		p.processUser(ctx, c)
	}

	return nil
}

func (p *Processor) processUser(ctx context.Context, c repository.RewardCandidate) {
	ctx, cancel := context.WithTimeout(ctx, userTimeout)
	defer cancel()

	accessToken, err := p.tokens.GetValidToken(ctx, c.UserID)
	if err != nil {
		if errors.Is(err, token.ErrNotLinked) {
			// Без привязанного аккаунта заказ невозможен: снимаем флаг,
			// пользователь получит награду, снова набрав серию.
			p.giveUp(ctx, c.UserID, err)
			return
		}
		p.logger.Warn("token unavailable, will retry next run",
			zap.String("user_id", c.UserID), zap.Error(err))
		return
	}

	products, err := p.provider.ListProducts(ctx, accessToken)
	if err != nil {
		p.classifyAndHandle(ctx, c.UserID, err)
		return
	}

	var variants []terminal.Variant
	for _, product := range products {
		variants = append(variants, product.Variants...)
	}
	if len(variants) == 0 {
		p.logger.Warn("no product variants available, will retry next run",
			zap.String("user_id", c.UserID))
		return
	}

	variant := variants[p.randInt(len(variants))]

	intent := model.OrderIntent{
		VariantID: variant.ID,
		Quantity:  1,
		AddressID: c.AddressID,
		CardID:    c.CardID,
	}

	orderID, err := p.provider.CreateOrder(ctx, accessToken, intent)
	if err != nil {
		p.classifyAndHandle(ctx, c.UserID, err)
		return
	}

	if err := p.repo.ClearRewardPending(ctx, c.UserID); err != nil {
		// Заказ размещён, но флаг не снят: следующий запуск увидит пользователя
		// снова. ClearRewardPending идемпотентен, а повторный заказ предотвращается
		// только успешным снятием флага, поэтому ошибку важно залогировать громко.
		p.logger.Error("order placed but pending flag not cleared",
			zap.String("user_id", c.UserID), zap.String("order_id", orderID), zap.Error(err))
		return
	}

	p.logger.Info("coffee order placed",
		zap.String("user_id", c.UserID),
		zap.String("order_id", orderID),
		zap.String("variant_id", variant.ID))
}

// classifyAndHandle разделяет постоянные ошибки настройки аккаунта и временные сбои.
// Постоянные снимают флаг награды без заказа, временные оставляют его для повтора.
func (p *Processor) classifyAndHandle(ctx context.Context, userID string, err error) {
	if terminal.IsSetupError(err) {
		p.giveUp(ctx, userID, err)
		return
	}

	p.logger.Warn("order attempt failed, will retry next run",
		zap.String("user_id", userID), zap.Error(err))
}

func (p *Processor) giveUp(ctx context.Context, userID string, cause error) {
	p.logger.Warn("permanent setup problem, clearing pending reward without order",
		zap.String("user_id", userID), zap.Error(cause))

	if err := p.repo.ClearRewardPending(ctx, userID); err != nil {
		p.logger.Error("failed to clear pending reward",
			zap.String("user_id", userID), zap.Error(err))
	}
}
