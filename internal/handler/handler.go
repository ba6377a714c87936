// Package handler содержит HTTP-обработчики API сервиса gitbrew.
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v81/github"
	"go.uber.org/zap"

	"github.com/gitbrew/gitbrew/internal/middleware"
	"github.com/gitbrew/gitbrew/internal/model"
	"github.com/gitbrew/gitbrew/internal/repository"
	"github.com/gitbrew/gitbrew/internal/terminal"
)

const (
	stateCookieName = "terminal_oauth_state"
	stateCookieTTL  = 10 * time.Minute

	// Общий дедлайн пакетной обработки: планировщик сам ограничен по времени,
	// недообработанные пользователи дойдут на следующем запуске.
	cronTimeout = 50 * time.Second

	maxWebhookBody = 1 << 20
)

// Ledger описывает операции леджера серий, используемые обработчиками.
type Ledger interface {
	Apply(ctx context.Context, githubLogin, externalID string, occurredAt time.Time) error
	MarkInstalled(ctx context.Context, githubLogin string) error
}

// OrderProcessor запускает пакетную обработку отложенных наград.
type OrderProcessor interface {
	ProcessPendingOrders(ctx context.Context) error
}

// OAuthClient описывает часть клиента Terminal, нужную для авторизационного потока.
type OAuthClient interface {
	AuthorizeURL(state, scope string) string
	ExchangeCode(ctx context.Context, code string) (*terminal.TokenResponse, error)
}

// UserStore описывает операции хранилища, используемые обработчиками напрямую.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	UpsertTokenRecord(ctx context.Context, rec *model.TokenRecord) error
	SetOnboardingStatus(ctx context.Context, userID string, status int) error
}

// Handler реализует HTTP-обработчики API сервиса gitbrew.
type Handler struct {
	ledger         Ledger
	processor      OrderProcessor
	oauth          OAuthClient
	users          UserStore
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware

	webhookSecret []byte
	cronSecret    string
	streakTarget  int
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(ledger Ledger, processor OrderProcessor, oauth OAuthClient, users UserStore,
	logger *zap.Logger, auth *middleware.AuthMiddleware,
	webhookSecret, cronSecret string, streakTarget int) *Handler {
	return &Handler{
		ledger:         ledger,
		processor:      processor,
		oauth:          oauth,
		users:          users,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  []byte(webhookSecret),
		cronSecret:     cronSecret,
		streakTarget:   streakTarget,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// GithubWebhook принимает доставку вебхука GitHub: проверяет HMAC-подпись
// сырого тела, разбирает событие по типу и передаёт активность в леджер.
// До успешной проверки подписи никакие побочные эффекты не выполняются.
func (h *Handler) GithubWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(h.webhookSecret) == 0 {
		h.logger.Error("webhook secret not configured")
		writeError(w, http.StatusInternalServerError, "webhook secret not configured")
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		writeError(w, http.StatusUnauthorized, "no signature provided")
		return
	}

	if err := gh.ValidateSignature(signature, body, h.webhookSecret); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	// Тип события берётся из заголовка; после проверки на корректный JSON
	// ошибка разбора означает неизвестный тип, который игнорируется
	// ради прямой совместимости.
	event, err := gh.ParseWebHook(gh.WebHookType(r), body)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	switch e := event.(type) {
	case *gh.PushEvent:
		if err := h.handlePush(r.Context(), e); err != nil {
			h.logger.Error("process push event", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process event")
			return
		}
	case *gh.InstallationEvent:
		if e.GetAction() == "created" {
			if err := h.ledger.MarkInstalled(r.Context(), e.GetSender().GetLogin()); err != nil {
				h.logger.Error("process installation event", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to process event")
				return
			}
		}
	default:
		// Неизвестные события подтверждаются без обработки.
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handlePush(ctx context.Context, e *gh.PushEvent) error {
	for _, commit := range e.Commits {
		login := commit.GetAuthor().GetLogin()
		if login == "" || commit.GetID() == "" {
			continue
		}

		occurredAt := commit.GetTimestamp().Time
		if occurredAt.IsZero() {
			occurredAt = time.Now()
		}

		if err := h.ledger.Apply(ctx, login, commit.GetID(), occurredAt); err != nil {
			return err
		}
	}
	return nil
}

// ProcessOrders запускает пакетную обработку отложенных наград.
// Эндпоинт вызывается внешним планировщиком и защищён bearer-токеном.
func (h *Handler) ProcessOrders(w http.ResponseWriter, r *http.Request) {
	provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if h.cronSecret == "" || !ok ||
		subtle.ConstantTimeCompare([]byte(provided), []byte(h.cronSecret)) != 1 {
		h.logger.Warn("unauthorized cron job access attempt")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cronTimeout)
	defer cancel()

	if err := h.processor.ProcessPendingOrders(ctx); err != nil {
		h.logger.Error("process pending orders", zap.Error(err))
		// Внутренние детали наружу не отдаются.
		writeError(w, http.StatusInternalServerError, "cron job failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Список скоупов для страницы авторизации. Функциональной нагрузки не несёт.
var authorizeScopes = []string{
	"primeagen's basement",
	"theo's garden",
	"tanner's workshop",
	"olivia's library",
	"jack's kitchen",
}

// TerminalAuthorize начинает OAuth-поток: генерирует одноразовое anti-forgery
// значение state, сохраняет его в cookie и перенаправляет на страницу авторизации.
func (h *Handler) TerminalAuthorize(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		h.logger.Error("generate oauth state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	state := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(stateCookieTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	scope := authorizeScopes[int(buf[0])%len(authorizeScopes)]
	http.Redirect(w, r, h.oauth.AuthorizeURL(state, scope), http.StatusTemporaryRedirect)
}

// TerminalCallback завершает OAuth-поток: сверяет state из query со значением
// из cookie, обменивает код на токены и сохраняет их для пользователя сессии.
func (h *Handler) TerminalCallback(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stateFromURL := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	stateFromCookie := ""
	if cookie, err := r.Cookie(stateCookieName); err == nil {
		stateFromCookie = cookie.Value
	}

	// Cookie одноразовое: удаляется сразу после чтения независимо от исхода.
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	if stateFromURL == "" || stateFromCookie == "" || stateFromURL != stateFromCookie {
		h.logger.Warn("oauth state mismatch", zap.String("user_id", userID))
		http.Redirect(w, r, "/onboarding/2?error=state_mismatch", http.StatusTemporaryRedirect)
		return
	}

	if code == "" {
		http.Redirect(w, r, "/onboarding/2?error=terminal_auth_failed", http.StatusTemporaryRedirect)
		return
	}

	tokens, err := h.oauth.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Error("terminal token exchange failed", zap.Error(err))
		http.Redirect(w, r, "/onboarding/2?error=token_exchange_failed", http.StatusTemporaryRedirect)
		return
	}

	rec := &model.TokenRecord{
		UserID:       userID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second),
	}

	if err := h.users.UpsertTokenRecord(r.Context(), rec); err != nil {
		h.logger.Error("persist terminal tokens", zap.Error(err))
		http.Redirect(w, r, "/onboarding/2?error=token_exchange_failed", http.StatusTemporaryRedirect)
		return
	}

	if err := h.users.SetOnboardingStatus(r.Context(), userID, model.OnboardingStatusLinked); err != nil {
		h.logger.Error("update onboarding status", zap.Error(err))
	}

	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

type userResponse struct {
	CurrentStreak    int    `json:"current_streak"`
	LongestStreak    int    `json:"longest_streak"`
	LastActivityDate string `json:"last_activity_date,omitempty"`
	RewardPending    bool   `json:"reward_pending"`
	DaysLeft         int    `json:"days_left"`
}

// GetUser возвращает состояние серии текущего пользователя.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	u, err := h.users.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get user", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := userResponse{
		CurrentStreak: u.CurrentStreak,
		LongestStreak: u.LongestStreak,
		RewardPending: u.RewardPending,
	}
	if u.LastActivityDate != nil {
		resp.LastActivityDate = u.LastActivityDate.Format("2006-01-02")
	}
	if left := h.streakTarget - u.CurrentStreak; left > 0 {
		resp.DaysLeft = left
	}

	writeJSON(w, http.StatusOK, resp)
}
