// Package terminal предоставляет клиент API commerce-провайдера Terminal:
// обмен и обновление OAuth-токенов, каталог товаров и размещение заказов.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/gitbrew/gitbrew/internal/model"
)

// Config содержит адреса и учётные данные OAuth-клиента Terminal.
type Config struct {
	APIURL       string
	AuthURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Client инкапсулирует HTTP-взаимодействие с Terminal.
// Временные ошибки (5xx, сеть, 429) повторяются транспортом автоматически.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient создаёт клиент Terminal с ограниченными таймаутами и ретраями.
func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		cfg:        cfg,
		httpClient: rc.StandardClient(),
	}
}

// APIError описывает ошибочный ответ Terminal API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("terminal api: status %d: %s", e.StatusCode, e.Message)
}

// Подстроки сообщений, указывающие на постоянную проблему настройки аккаунта:
// такие заказы не имеет смысла повторять до вмешательства пользователя.
var setupErrorMarkers = []string{
	"no shipping address",
	"no payment card",
	"missing terminal token",
}

// IsSetupError сообщает, указывает ли ошибка на постоянную проблему настройки
// (отсутствующий адрес, карта или токен у провайдера), а не на временный сбой.
func IsSetupError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode < 400 || apiErr.StatusCode >= 500 {
		return false
	}

	msg := strings.ToLower(apiErr.Message)
	for _, marker := range setupErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// TokenResponse описывает ответ эндпоинта выдачи токенов.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
}

// Variant описывает вариант товара, доступный для заказа.
type Variant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Product описывает товар каталога Terminal.
type Product struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Variants []Variant `json:"variants"`
}

// AuthorizeURL собирает URL страницы авторизации Terminal для OAuth-редиректа.
func (c *Client) AuthorizeURL(state, scope string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURL)
	q.Set("state", state)
	if scope != "" {
		q.Set("scope", scope)
	}
	return c.cfg.AuthURL + "/authorize?" + q.Encode()
}

// ExchangeCode обменивает код авторизации на пару токенов.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURL)

	return c.requestToken(ctx, form)
}

// RefreshToken обновляет пару токенов по refresh-токену.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return c.requestToken(ctx, form)
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.AuthURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp)
	}

	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response without access token")
	}

	return &tokens, nil
}

// ListProducts возвращает каталог товаров Terminal.
func (c *Client) ListProducts(ctx context.Context, accessToken string) ([]Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+"/product", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp)
	}

	var result struct {
		Data []Product `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}

	return result.Data, nil
}

// CreateOrder размещает заказ и возвращает идентификатор, выданный Terminal.
func (c *Client) CreateOrder(ctx context.Context, accessToken string, intent model.OrderIntent) (string, error) {
	payload := struct {
		Variants  map[string]int `json:"variants"`
		CardID    string         `json:"cardID"`
		AddressID string         `json:"addressID"`
	}{
		Variants:  map[string]int{intent.VariantID: intent.Quantity},
		CardID:    intent.CardID,
		AddressID: intent.AddressID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIURL+"/order", strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", newAPIError(resp)
	}

	var result struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}

	return result.Data, nil
}

func newAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			msg = body.Error
		} else if body.Message != "" {
			msg = body.Message
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
