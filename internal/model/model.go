// Package model содержит доменные сущности сервиса gitbrew.
package model

import "time"

// Статусы онбординга пользователя.
const (
	OnboardingStatusNew       = 0
	OnboardingStatusInstalled = 1
	OnboardingStatusLinked    = 2
)

// User представляет пользователя сервиса и состояние его серии ежедневных коммитов.
// Поле Version используется для оптимистичной блокировки при конкурентных обновлениях.
type User struct {
	ID               string
	GithubLogin      string
	CurrentStreak    int
	LongestStreak    int
	LastActivityDate *time.Time // календарный день в UTC, время всегда 00:00:00
	RewardPending    bool
	AddressID        *string
	CardID           *string
	OnboardingStatus int
	Version          int64
	CreatedAt        time.Time
}

// TokenRecord содержит OAuth-токены пользователя для commerce-провайдера.
type TokenRecord struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ActivityEvent описывает единичное событие активности (коммит), полученное из вебхука.
// Внешний идентификатор используется для дедупликации повторных доставок.
type ActivityEvent struct {
	ExternalID string
	UserID     string
	OccurredAt time.Time
}

// OrderIntent описывает запрос на создание заказа у commerce-провайдера.
// Существует только в памяти на время размещения заказа.
type OrderIntent struct {
	VariantID string
	Quantity  int
	AddressID string
	CardID    string
}
