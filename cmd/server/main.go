package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mprlab/authbridge/internal/bootstrap"
	"github.com/mprlab/authbridge/internal/cache"
	"github.com/mprlab/authbridge/internal/identity"
	"github.com/mprlab/authbridge/internal/profile"
	"github.com/mprlab/authbridge/internal/session"
	"github.com/mprlab/authbridge/internal/theme"
	"github.com/mprlab/authbridge/internal/web"
	"github.com/mprlab/authbridge/pkg/sessionvalidator"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (web.GoogleTokenValidator, error) {
	return web.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "authbridge",
		Short:   "Authentication bridge between web clients and the identity provider, with profile reconciliation and session state",
		PreRunE: prepareServerSettings,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("site_origin", "", "Public origin of this service, used in provider redirect URLs")
	rootCmd.Flags().String("identity_url", "", "Base URL of the identity provider REST API")
	rootCmd.Flags().String("identity_anon_key", "", "Public API key for unauthenticated identity provider calls")
	rootCmd.Flags().String("identity_jwt_secret", "", "HS256 secret the identity provider signs access tokens with")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables the id-token endpoint")
	rootCmd.Flags().String("database_url", "", "Profile store URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("cache_url", "", "Cache URL (redis://; leave empty for in-process cache)")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Duration("session_ttl", time.Hour, "Session cookie lifetime")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, flagName := range []string{
		"listen_addr", "site_origin", "identity_url", "identity_anon_key",
		"identity_jwt_secret", "google_web_client_id", "database_url", "cache_url",
		"cookie_domain", "session_ttl", "dev_insecure_http", "enable_cors",
		"cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingSiteOrigin     = "config.missing_site_origin"
	configCodeMissingIdentityURL    = "config.missing_identity_url"
	configCodeMissingAnonKey        = "config.missing_identity_anon_key"
	configCodeMissingJWTSecret      = "config.missing_identity_jwt_secret"
	configCodeInvalidSessionTTL     = "config.invalid_session_ttl"
	configCodeUninitializedSettings = "config.uninitialized_server_settings"
	configCodeGoogleValidatorInit   = "config.google_validator_init"
)

// ServerSettings is the validated process configuration.
type ServerSettings struct {
	ListenAddr         string
	SiteOrigin         string
	IdentityURL        string
	IdentityAnonKey    string
	IdentityJWTSecret  []byte
	GoogleWebClientID  string
	DatabaseURL        string
	CacheURL           string
	CookieDomain       string
	SessionTTL         time.Duration
	DevInsecureHTTP    bool
	EnableCORS         bool
	CORSAllowedOrigins []string
}

type contextKey string

const serverSettingsContextKey contextKey = "serverSettings"

func prepareServerSettings(command *cobra.Command, arguments []string) error {
	settings, loadErr := LoadServerSettings()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverSettingsContextKey, settings))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerSettings reads and validates configuration from viper.
func LoadServerSettings() (ServerSettings, error) {
	siteOrigin := strings.TrimRight(viper.GetString("site_origin"), "/")
	if siteOrigin == "" {
		return ServerSettings{}, configError(configCodeMissingSiteOrigin, "site_origin must be provided")
	}

	identityURL := viper.GetString("identity_url")
	if identityURL == "" {
		return ServerSettings{}, configError(configCodeMissingIdentityURL, "identity_url must be provided")
	}

	identityAnonKey := viper.GetString("identity_anon_key")
	if identityAnonKey == "" {
		return ServerSettings{}, configError(configCodeMissingAnonKey, "identity_anon_key must be provided")
	}

	identityJWTSecret := viper.GetString("identity_jwt_secret")
	if identityJWTSecret == "" {
		return ServerSettings{}, configError(configCodeMissingJWTSecret, "identity_jwt_secret must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return ServerSettings{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	return ServerSettings{
		ListenAddr:         viper.GetString("listen_addr"),
		SiteOrigin:         siteOrigin,
		IdentityURL:        identityURL,
		IdentityAnonKey:    identityAnonKey,
		IdentityJWTSecret:  []byte(identityJWTSecret),
		GoogleWebClientID:  viper.GetString("google_web_client_id"),
		DatabaseURL:        viper.GetString("database_url"),
		CacheURL:           viper.GetString("cache_url"),
		CookieDomain:       viper.GetString("cookie_domain"),
		SessionTTL:         sessionTTL,
		DevInsecureHTTP:    viper.GetBool("dev_insecure_http"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverSettingsContextKey)
	}
	settings, ok := contextValue.(ServerSettings)
	if !ok {
		return configError(configCodeUninitializedSettings, "server settings not prepared; PreRunE must execute before RunE")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if settings.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, settings.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	identityClient, identityErr := identity.NewClient(identity.ClientConfig{
		BaseURL: settings.IdentityURL,
		AnonKey: settings.IdentityAnonKey,
		Logger:  logger,
	})
	if identityErr != nil {
		return identityErr
	}

	var profiles profile.Store
	if settings.DatabaseURL != "" {
		databaseStore, storeErr := profile.NewDatabaseStore(context.Background(), settings.DatabaseURL)
		if storeErr != nil {
			return storeErr
		}
		profiles = databaseStore
		logger.Info("using persistent profile store", zap.String("driver", databaseStore.Driver()))
	} else {
		profiles = profile.NewMemoryStore()
		logger.Info("using in-memory profile store")
	}

	var localCache cache.Cache
	if settings.CacheURL != "" {
		redisCache, cacheErr := cache.NewRedisCache(context.Background(), settings.CacheURL, "authbridge:")
		if cacheErr != nil {
			return cacheErr
		}
		defer func() { _ = redisCache.Close() }()
		localCache = redisCache
		logger.Info("using redis cache")
	} else {
		localCache = cache.NewMemoryCache(settings.SessionTTL)
		logger.Info("using in-process cache")
	}

	reconciler := profile.NewReconciler(profiles, logger)
	bootstrapper := bootstrap.New(identityClient, reconciler, logger)
	sessionStore := session.NewStore(identityClient, profiles, localCache, logger)
	themeManager := theme.NewManager(localCache)

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: settings.IdentityJWTSecret,
	})
	if validatorErr != nil {
		return validatorErr
	}

	sameSiteMode := http.SameSiteStrictMode
	if settings.EnableCORS {
		sameSiteMode = http.SameSiteNoneMode
	}

	server := web.NewServer(web.ServerConfig{
		SiteOrigin:        settings.SiteOrigin,
		CookieDomain:      settings.CookieDomain,
		SessionTTL:        settings.SessionTTL,
		SameSiteMode:      sameSiteMode,
		AllowInsecureHTTP: settings.DevInsecureHTTP,
		GoogleWebClientID: settings.GoogleWebClientID,
	}, identityClient, profiles, reconciler, bootstrapper, sessionStore, themeManager, validator, web.NewCounterMetrics(), logger)

	if settings.GoogleWebClientID != "" {
		googleValidator, googleErr := buildGoogleTokenValidator(command.Context())
		if googleErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, googleErr)
		}
		server.ProvideGoogleTokenValidator(googleValidator)
	}

	server.Mount(router)

	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := httpServer.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", settings.ListenAddr))
	if err := serveHTTP(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
