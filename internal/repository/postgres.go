// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/gitbrew/gitbrew/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином GitHub.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrTokenNotFound возвращается, если у пользователя нет сохранённых OAuth-токенов.
	ErrTokenNotFound = errors.New("token record not found")
	// ErrVersionConflict возвращается при конкурентном обновлении записи пользователя.
	// Вызывающий код должен перечитать запись и повторить попытку.
	ErrVersionConflict = errors.New("user record version conflict")
)

// RewardCandidate описывает пользователя, готового к размещению заказа-награды:
// флаг rewardPending установлен, токены, адрес и карта присутствуют.
type RewardCandidate struct {
	UserID    string
	AddressID string
	CardID    string
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func newUserID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

const userColumns = `id, github_login, current_streak, longest_streak, last_activity_date,
	 reward_pending, address_id, card_id, onboarding_status, version, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.GithubLogin, &u.CurrentStreak, &u.LongestStreak, &u.LastActivityDate,
		&u.RewardPending, &u.AddressID, &u.CardID, &u.OnboardingStatus, &u.Version, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// CreateUser создаёт нового пользователя с указанным логином GitHub.
func (r *PostgresRepository) CreateUser(ctx context.Context, githubLogin string) (*model.User, error) {
	id := newUserID()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, github_login) VALUES ($1, $2) RETURNING `+userColumns,
		id, githubLogin,
	)

	u, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, githubLogin)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// EnsureUser возвращает пользователя по логину GitHub, создавая запись при отсутствии.
func (r *PostgresRepository) EnsureUser(ctx context.Context, githubLogin string) (*model.User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, github_login) VALUES ($1, $2) ON CONFLICT (github_login) DO NOTHING`,
		newUserID(), githubLogin,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	u, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE github_login = $1`, githubLogin))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return u, nil
}

// GetUserByLogin возвращает пользователя по логину GitHub.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, githubLogin string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE github_login = $1`, githubLogin))
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// RecordActivityEvent сохраняет событие активности для аудита и дедупликации.
// Возвращает false, если событие с таким внешним идентификатором уже было записано.
func (r *PostgresRepository) RecordActivityEvent(ctx context.Context, ev model.ActivityEvent) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO activity_events (external_id, user_id, occurred_at) VALUES ($1, $2, $3)
		 ON CONFLICT (external_id) DO NOTHING`,
		ev.ExternalID, ev.UserID, ev.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert activity event: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// ApplyActivity атомарно записывает событие активности и обновляет поля серии пользователя.
// Обновление условное: строка изменяется только при совпадении версии, иначе
// транзакция откатывается с ErrVersionConflict. Повторная доставка события
// (внешний идентификатор уже записан) не меняет состояние и возвращает false.
func (r *PostgresRepository) ApplyActivity(ctx context.Context, ev model.ActivityEvent, u *model.User) (bool, error) {
	var applied bool
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO activity_events (external_id, user_id, occurred_at) VALUES ($1, $2, $3)
			 ON CONFLICT (external_id) DO NOTHING`,
			ev.ExternalID, ev.UserID, ev.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("insert activity event: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			applied = false
			return tx.Commit(ctx)
		}

		cmdTag, err = tx.Exec(ctx,
			`UPDATE users
			 SET current_streak = $2, longest_streak = $3, last_activity_date = $4,
			     reward_pending = $5, version = version + 1
			 WHERE id = $1 AND version = $6`,
			u.ID, u.CurrentStreak, u.LongestStreak, u.LastActivityDate, u.RewardPending, u.Version,
		)
		if err != nil {
			return fmt.Errorf("update user streak: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return ErrVersionConflict
		}

		applied = true
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// SetOnboardingStatus обновляет статус онбординга пользователя.
// Статус не понижается: повторные события установки приложения безопасны.
func (r *PostgresRepository) SetOnboardingStatus(ctx context.Context, userID string, status int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET onboarding_status = $2 WHERE id = $1 AND onboarding_status < $2`,
		userID, status,
	)
	if err != nil {
		return fmt.Errorf("update onboarding status: %w", err)
	}
	return nil
}

// GetTokenRecord возвращает OAuth-токены пользователя.
func (r *PostgresRepository) GetTokenRecord(ctx context.Context, userID string) (*model.TokenRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, access_token, refresh_token, expires_at FROM tokens WHERE user_id = $1`,
		userID,
	)

	var rec model.TokenRecord
	err := row.Scan(&rec.UserID, &rec.AccessToken, &rec.RefreshToken, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get token record: %w", err)
	}

	return &rec, nil
}

// UpsertTokenRecord атомарно перезаписывает OAuth-токены пользователя.
func (r *PostgresRepository) UpsertTokenRecord(ctx context.Context, rec *model.TokenRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tokens (user_id, access_token, refresh_token, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET access_token = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     expires_at = EXCLUDED.expires_at`,
		rec.UserID, rec.AccessToken, rec.RefreshToken, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert token record: %w", err)
	}
	return nil
}

// ListUsersPendingReward возвращает пользователей, ожидающих награду и готовых к заказу:
// присутствуют токены, адрес доставки и платёжная карта.
func (r *PostgresRepository) ListUsersPendingReward(ctx context.Context) ([]RewardCandidate, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.address_id, u.card_id
		 FROM users u
		 JOIN tokens t ON t.user_id = u.id
		 WHERE u.reward_pending
		   AND u.address_id IS NOT NULL
		   AND u.card_id IS NOT NULL
		   AND t.access_token <> ''
		   AND t.refresh_token <> ''`,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending rewards: %w", err)
	}
	defer rows.Close()

	var res []RewardCandidate
	for rows.Next() {
		var c RewardCandidate
		if err := rows.Scan(&c.UserID, &c.AddressID, &c.CardID); err != nil {
			return nil, fmt.Errorf("scan reward candidate: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ClearRewardPending снимает флаг ожидания награды. Повторный вызов безопасен.
func (r *PostgresRepository) ClearRewardPending(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET reward_pending = FALSE, version = version + 1
		 WHERE id = $1 AND reward_pending`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("clear reward pending: %w", err)
	}
	return nil
}
