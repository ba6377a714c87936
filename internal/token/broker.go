// Package token управляет жизненным циклом OAuth-токенов commerce-провайдера:
// хранением, отслеживанием срока действия и своевременным обновлением.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gitbrew/gitbrew/internal/model"
	"github.com/gitbrew/gitbrew/internal/repository"
	"github.com/gitbrew/gitbrew/internal/terminal"
)

// ErrNotLinked возвращается, если пользователь не привязал аккаунт Terminal.
var (
	ErrNotLinked = errors.New("terminal account not linked")
	// ErrRefreshFailed возвращается при неудачном обновлении токена;
	// сохранённая запись при этом остаётся нетронутой.
	ErrRefreshFailed = errors.New("terminal token refresh failed")
)

// Токен считается истекающим, если до конца срока действия осталось меньше буфера.
const refreshBuffer = 5 * time.Minute

// Repository описывает контракт хранилища токенов, используемый брокером.
type Repository interface {
	GetTokenRecord(ctx context.Context, userID string) (*model.TokenRecord, error)
	UpsertTokenRecord(ctx context.Context, rec *model.TokenRecord) error
}

// Refresher описывает операцию обновления токенов у провайдера.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*terminal.TokenResponse, error)
}

// Broker выдаёт действующий access-токен пользователя, при необходимости
// обновляя его. Конкурентные запросы одного пользователя схлопываются
// в один запрос обновления через singleflight.
type Broker struct {
	repo     Repository
	provider Refresher
	group    singleflight.Group
	now      func() time.Time
}

// NewBroker создаёт брокер токенов.
func NewBroker(repo Repository, provider Refresher) *Broker {
	return &Broker{
		repo:     repo,
		provider: provider,
		now:      time.Now,
	}
}

// GetValidToken возвращает действующий access-токен пользователя.
// Токен, истекающий в пределах буфера, синхронно обновляется и сохраняется.
func (b *Broker) GetValidToken(ctx context.Context, userID string) (string, error) {
	v, err, _ := b.group.Do(userID, func() (interface{}, error) {
		return b.getValidToken(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Broker) getValidToken(ctx context.Context, userID string) (string, error) {
	rec, err := b.repo.GetTokenRecord(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return "", fmt.Errorf("%w: user %s", ErrNotLinked, userID)
		}
		return "", fmt.Errorf("get token record: %w", err)
	}

	if rec.AccessToken == "" || rec.RefreshToken == "" {
		return "", fmt.Errorf("%w: user %s", ErrNotLinked, userID)
	}

	if b.now().Before(rec.ExpiresAt.Add(-refreshBuffer)) {
		return rec.AccessToken, nil
	}

	tokens, err := b.provider.RefreshToken(ctx, rec.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRefreshFailed, err)
	}

	updated := &model.TokenRecord{
		UserID:      userID,
		AccessToken: tokens.AccessToken,
		// Новый refresh-токен выдаётся не всегда: прежний остаётся действительным.
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    b.now().Add(time.Duration(tokens.ExpiresIn) * time.Second),
	}
	if tokens.RefreshToken != "" {
		updated.RefreshToken = tokens.RefreshToken
	}

	if err := b.repo.UpsertTokenRecord(ctx, updated); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	return updated.AccessToken, nil
}
