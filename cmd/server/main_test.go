package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"

	"github.com/mprlab/authbridge/internal/web"
)

func setRequiredSettings() {
	viper.Set("site_origin", "https://app.example.com")
	viper.Set("identity_url", "https://identity.example.com")
	viper.Set("identity_anon_key", "anon-key")
	viper.Set("identity_jwt_secret", "jwt-secret")
	viper.Set("session_ttl", time.Minute)
}

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingSettings(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_settings: server settings not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerSettingsRequiresSiteOrigin(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("identity_url", "https://identity.example.com")
	viper.Set("identity_anon_key", "anon-key")
	viper.Set("identity_jwt_secret", "jwt-secret")
	viper.Set("session_ttl", time.Minute)

	_, err := LoadServerSettings()
	if err == nil {
		t.Fatalf("expected error when site_origin is missing")
	}
	expectedMessage := "config.missing_site_origin: site_origin must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerSettingsRequiresIdentityURL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setRequiredSettings()
	viper.Set("identity_url", "")

	_, err := LoadServerSettings()
	if err == nil {
		t.Fatalf("expected error when identity_url is missing")
	}
	expectedMessage := "config.missing_identity_url: identity_url must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerSettingsRequiresJWTSecret(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setRequiredSettings()
	viper.Set("identity_jwt_secret", "")

	_, err := LoadServerSettings()
	if err == nil {
		t.Fatalf("expected error when identity_jwt_secret is missing")
	}
	expectedMessage := "config.missing_identity_jwt_secret: identity_jwt_secret must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerSettingsRequiresPositiveSessionTTL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setRequiredSettings()
	viper.Set("session_ttl", 0)

	_, err := LoadServerSettings()
	if err == nil {
		t.Fatalf("expected error when session_ttl is non-positive")
	}
	expectedMessage := "config.invalid_session_ttl: session_ttl must be greater than zero"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerSettingsTrimsOriginSlash(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setRequiredSettings()
	viper.Set("site_origin", "https://app.example.com/")

	settings, err := LoadServerSettings()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.SiteOrigin != "https://app.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", settings.SiteOrigin)
	}
}

func TestRunServerGoogleValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (web.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	setRequiredSettings()
	viper.Set("listen_addr", ":0")
	viper.Set("google_web_client_id", "client")

	settings, err := LoadServerSettings()
	if err != nil {
		t.Fatalf("expected settings load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverSettingsContextKey, settings))

	if err := runServer(command, nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerSuccessWithDatabaseStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (web.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	setRequiredSettings()
	viper.Set("listen_addr", ":0")
	viper.Set("google_web_client_id", "client")
	viper.Set("cookie_domain", "localhost")
	viper.Set("dev_insecure_http", true)
	viper.Set("database_url", "sqlite://file::memory:?cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://app.example.com"})

	settings, err := LoadServerSettings()
	if err != nil {
		t.Fatalf("expected settings load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverSettingsContextKey, settings))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryStores(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	setRequiredSettings()
	viper.Set("listen_addr", ":0")
	viper.Set("dev_insecure_http", true)

	settings, err := LoadServerSettings()
	if err != nil {
		t.Fatalf("expected settings load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverSettingsContextKey, settings))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory stores, got %v", err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (web.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}
