package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var errEmptyBaseURL = errors.New("identity.client.empty_base_url")

// Providers accepted by SignInWithProvider.
var supportedProviders = map[string]struct{}{
	"google":   {},
	"github":   {},
	"facebook": {},
}

// ClientConfig configures the HTTP identity client.
type ClientConfig struct {
	// BaseURL is the provider root, e.g. https://project.auth.example.com.
	BaseURL string
	// AnonKey is the public API key sent with every request.
	AnonKey string
	// HTTPClient overrides the default client; nil uses a 10s-timeout client.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the identity provider over HTTP.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client from the supplied configuration.
func NewClient(configuration ClientConfig) (*Client, error) {
	trimmedBase := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if trimmedBase == "" {
		return nil, fmt.Errorf("identity.client.new: %w", errEmptyBaseURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    trimmedBase,
		anonKey:    configuration.AnonKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// sessionEnvelope mirrors the provider's token-grant response shape.
type sessionEnvelope struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	User         *userEnvelope `json:"user"`
}

type userEnvelope struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt string         `json:"email_confirmed_at"`
	UserMetadata     map[string]any `json:"user_metadata"`
}

type providerErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

// ExchangeCodeForSession redeems an authorization code for a session.
func (client *Client) ExchangeCodeForSession(ctx context.Context, code string) (*Assertion, error) {
	payload := map[string]string{"auth_code": code}
	var envelope sessionEnvelope
	if err := client.post(ctx, "/auth/v1/token?grant_type=pkce", "", payload, &envelope); err != nil {
		return nil, fmt.Errorf("identity.exchange_code: %w: %w", ErrExchangeFailed, err)
	}
	return assertionFromSession(&envelope)
}

// GetCurrentUser resolves the user behind an access token.
func (client *Client) GetCurrentUser(ctx context.Context, accessToken string) (*Assertion, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("identity.get_user: %w", ErrNotAuthenticated)
	}
	var user userEnvelope
	if err := client.get(ctx, "/auth/v1/user", accessToken, &user); err != nil {
		return nil, fmt.Errorf("identity.get_user: %w", ErrNotAuthenticated)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("identity.get_user: %w", ErrNoUser)
	}
	assertion := assertionFromUser(&user)
	assertion.SessionToken = accessToken
	return assertion, nil
}

// SignInWithPassword performs the password grant.
func (client *Client) SignInWithPassword(ctx context.Context, email string, password string) (*Assertion, error) {
	payload := map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	}
	var envelope sessionEnvelope
	if err := client.post(ctx, "/auth/v1/token?grant_type=password", "", payload, &envelope); err != nil {
		if isEmailNotConfirmed(err) {
			return nil, fmt.Errorf("identity.sign_in: %w", ErrEmailNotConfirmed)
		}
		return nil, fmt.Errorf("identity.sign_in: %w", err)
	}
	return assertionFromSession(&envelope)
}

// SignUp registers a new account. When the provider requires email
// confirmation, the returned assertion has no session token.
func (client *Client) SignUp(ctx context.Context, email string, password string, metadata map[string]any, redirectURL string) (*Assertion, error) {
	payload := map[string]any{
		"email":    strings.TrimSpace(email),
		"password": password,
		"data":     metadata,
	}
	path := "/auth/v1/signup"
	if redirectURL != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectURL)
	}
	// Auto-confirmed sign-ups return a full session envelope;
	// confirmation-pending ones return the bare user object.
	var envelope struct {
		sessionEnvelope
		userEnvelope
	}
	if err := client.post(ctx, path, "", payload, &envelope); err != nil {
		return nil, fmt.Errorf("identity.sign_up: %w", err)
	}
	if envelope.User != nil {
		assertion := assertionFromUser(envelope.User)
		assertion.SessionToken = envelope.AccessToken
		assertion.RefreshToken = envelope.RefreshToken
		return assertion, nil
	}
	if envelope.ID == "" {
		return nil, fmt.Errorf("identity.sign_up: %w", ErrNoUser)
	}
	return assertionFromUser(&envelope.userEnvelope), nil
}

// SignInWithProvider builds the provider's authorize URL. The caller
// must navigate the browser there; completion is observed later by the
// callback boundary, not by this call.
func (client *Client) SignInWithProvider(ctx context.Context, provider string, redirectURL string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(provider))
	if _, known := supportedProviders[normalized]; !known {
		return "", fmt.Errorf("identity.sign_in_with_provider.%s: %w", normalized, ErrUnknownProvider)
	}
	authorize := client.baseURL + "/auth/v1/authorize?provider=" + url.QueryEscape(normalized)
	if redirectURL != "" {
		authorize += "&redirect_to=" + url.QueryEscape(redirectURL)
	}
	return authorize, nil
}

// SignInWithIDToken exchanges a provider-issued ID token for a session.
func (client *Client) SignInWithIDToken(ctx context.Context, provider string, idToken string) (*Assertion, error) {
	payload := map[string]string{
		"provider": strings.ToLower(strings.TrimSpace(provider)),
		"id_token": idToken,
	}
	var envelope sessionEnvelope
	if err := client.post(ctx, "/auth/v1/token?grant_type=id_token", "", payload, &envelope); err != nil {
		return nil, fmt.Errorf("identity.sign_in_with_id_token: %w", err)
	}
	return assertionFromSession(&envelope)
}

// ResendConfirmation asks the provider to resend the signup email.
func (client *Client) ResendConfirmation(ctx context.Context, email string, redirectURL string) error {
	payload := map[string]string{
		"type":  "signup",
		"email": strings.TrimSpace(email),
	}
	path := "/auth/v1/resend"
	if redirectURL != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectURL)
	}
	if err := client.post(ctx, path, "", payload, nil); err != nil {
		return fmt.Errorf("identity.resend_confirmation: %w", err)
	}
	return nil
}

// SignOut revokes the provider session behind the access token.
func (client *Client) SignOut(ctx context.Context, accessToken string) error {
	if err := client.post(ctx, "/auth/v1/logout", accessToken, nil, nil); err != nil {
		return fmt.Errorf("identity.sign_out: %w", err)
	}
	return nil
}

func (client *Client) post(ctx context.Context, path string, accessToken string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return marshalErr
		}
		body = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, body)
	if requestErr != nil {
		return requestErr
	}
	request.Header.Set("Content-Type", "application/json")
	return client.do(request, accessToken, out)
}

func (client *Client) get(ctx context.Context, path string, accessToken string, out any) error {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+path, nil)
	if requestErr != nil {
		return requestErr
	}
	return client.do(request, accessToken, out)
}

func (client *Client) do(request *http.Request, accessToken string, out any) error {
	request.Header.Set("apikey", client.anonKey)
	bearer := accessToken
	if bearer == "" {
		bearer = client.anonKey
	}
	request.Header.Set("Authorization", "Bearer "+bearer)

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return doErr
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return client.decodeError(response)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func (client *Client) decodeError(response *http.Response) error {
	var body providerErrorBody
	raw, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<16))
	if readErr == nil {
		_ = json.Unmarshal(raw, &body)
	}
	message := firstNonEmpty(body.ErrorDescription, body.Msg, body.Message, body.Error)
	if message == "" {
		message = response.Status
	}
	client.logger.Warn("identity provider rejection",
		zap.String("code", "identity.provider_error"),
		zap.Int("status", response.StatusCode),
		zap.String("message", message))
	return &ProviderError{StatusCode: response.StatusCode, Message: message}
}

// ProviderError carries a provider rejection's status and message.
type ProviderError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (providerError *ProviderError) Error() string {
	return fmt.Sprintf("identity.provider_error.%d: %s", providerError.StatusCode, providerError.Message)
}

func isEmailNotConfirmed(err error) bool {
	providerError, ok := err.(*ProviderError)
	if !ok {
		return false
	}
	lowered := strings.ToLower(providerError.Message)
	if strings.Contains(lowered, "email not confirmed") || strings.Contains(lowered, "email_not_confirmed") {
		return true
	}
	return providerError.StatusCode == http.StatusBadRequest && strings.Contains(lowered, "email")
}

func assertionFromSession(envelope *sessionEnvelope) (*Assertion, error) {
	if envelope.User == nil {
		return nil, ErrNoUser
	}
	assertion := assertionFromUser(envelope.User)
	assertion.SessionToken = envelope.AccessToken
	assertion.RefreshToken = envelope.RefreshToken
	return assertion, nil
}

func assertionFromUser(user *userEnvelope) *Assertion {
	return &Assertion{
		UserID:        user.ID,
		Email:         user.Email,
		EmailVerified: user.EmailConfirmedAt != "",
		Metadata:      user.UserMetadata,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
