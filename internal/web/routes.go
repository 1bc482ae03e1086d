// Package web exposes the authentication flows over HTTP.
package web

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mprlab/authbridge/internal/bootstrap"
	"github.com/mprlab/authbridge/internal/flow"
	"github.com/mprlab/authbridge/internal/identity"
	"github.com/mprlab/authbridge/internal/profile"
	"github.com/mprlab/authbridge/internal/session"
	"github.com/mprlab/authbridge/internal/theme"
	"github.com/mprlab/authbridge/pkg/sessionvalidator"
)

// ServerConfig carries the HTTP-facing settings.
type ServerConfig struct {
	// SiteOrigin is the public origin of this service, used for
	// provider redirect URLs.
	SiteOrigin string
	// SessionCookieName defaults to sessionvalidator.DefaultCookieName.
	SessionCookieName string
	CookieDomain      string
	// SessionTTL bounds the session cookie lifetime.
	SessionTTL        time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	GoogleWebClientID string
}

// Server wires the flow machines, the callback bootstrapper, and the
// session store into Gin handlers.
type Server struct {
	config          ServerConfig
	identityService identity.Service
	reconciler      *profile.Reconciler
	profiles        profile.Store
	bootstrapper    *bootstrap.Bootstrapper
	sessionStore    *session.Store
	themeManager    *theme.Manager
	validator       *sessionvalidator.Validator
	metrics         MetricsRecorder
	logger          *zap.Logger

	googleValidator GoogleTokenValidator
}

// NewServer constructs a Server. Metrics and logger may be nil.
func NewServer(
	config ServerConfig,
	identityService identity.Service,
	profiles profile.Store,
	reconciler *profile.Reconciler,
	bootstrapper *bootstrap.Bootstrapper,
	sessionStore *session.Store,
	themeManager *theme.Manager,
	validator *sessionvalidator.Validator,
	metrics MetricsRecorder,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if config.SessionCookieName == "" {
		config.SessionCookieName = sessionvalidator.DefaultCookieName
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = time.Hour
	}
	return &Server{
		config:          config,
		identityService: identityService,
		profiles:        profiles,
		reconciler:      reconciler,
		bootstrapper:    bootstrapper,
		sessionStore:    sessionStore,
		themeManager:    themeManager,
		validator:       validator,
		metrics:         metrics,
		logger:          logger,
	}
}

// Mount registers all routes on the router.
func (server *Server) Mount(router gin.IRouter) {
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/auth/callback", server.handleCallbackRedirect)
	router.POST("/auth/callback/complete", server.handleCallbackComplete)
	router.POST("/auth/login", server.handleLogin)
	router.POST("/auth/register", server.handleRegister)
	router.POST("/auth/resend", server.handleResend)
	router.POST("/auth/sso/:provider", server.handleSSO)
	router.POST("/auth/google", server.handleGoogleIDToken)
	router.POST("/auth/logout", server.handleLogout)

	protected := router.Group("/api")
	protected.Use(server.validator.GinMiddleware(sessionvalidator.DefaultContextKey))
	protected.GET("/me", server.handleMe)
	protected.GET("/theme", server.handleThemeGet)
	protected.PUT("/theme", server.handleThemeSet)
	protected.POST("/theme/toggle", server.handleThemeToggle)
}

// flowDeps builds the per-request machine dependencies.
func (server *Server) flowDeps() flow.Deps {
	return flow.Deps{
		Identity:   server.identityService,
		Reconciler: server.reconciler,
		SiteOrigin: server.config.SiteOrigin,
		Logger:     server.logger,
	}
}

// handleCallbackRedirect is the browser-facing OAuth redirect target.
// The full URL, query and all, feeds classification; the profile write
// runs in upsert mode because the provider's user record is the
// freshest source at this boundary.
func (server *Server) handleCallbackRedirect(contextGin *gin.Context) {
	outcome := server.bootstrapper.HandleCallback(contextGin, bootstrap.Request{
		RawURL:             contextGin.Request.URL.String(),
		Mode:               profile.ModeUpsert,
		AmbientAccessToken: server.ambientToken(contextGin),
	})

	if outcome.Status != bootstrap.StatusSuccess {
		server.metrics.Increment("callback.failure")
		target := bootstrap.FailureTarget + "?error=" + url.QueryEscape(outcome.Message)
		contextGin.Redirect(http.StatusFound, target)
		return
	}

	server.metrics.Increment("callback.success")
	server.establishSession(contextGin, outcome.SessionToken, outcome.User)
	contextGin.Redirect(http.StatusFound, outcome.RedirectTarget)
}

// handleCallbackComplete is the API-facing completion endpoint. SPA
// clients post the full callback URL here, fragment included, which is
// how implicit-grant tokens reach the server at all. Reconciliation
// runs in create-if-absent mode so a concurrent redirect-side upsert
// is not overwritten.
func (server *Server) handleCallbackComplete(contextGin *gin.Context) {
	var inbound struct {
		URL string `json:"url"`
		// AccessToken lets clients that already hold a provider session
		// supply it explicitly instead of relying on the cookie.
		AccessToken string `json:"access_token"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.URL) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	ambientToken := inbound.AccessToken
	if ambientToken == "" {
		ambientToken = server.ambientToken(contextGin)
	}
	outcome := server.bootstrapper.HandleCallback(contextGin, bootstrap.Request{
		RawURL:             inbound.URL,
		Mode:               profile.ModeCreateIfAbsent,
		AmbientAccessToken: ambientToken,
	})

	if outcome.Status != bootstrap.StatusSuccess {
		server.metrics.Increment("callback.failure")
		contextGin.JSON(http.StatusUnauthorized, gin.H{
			"status":      "failure",
			"message":     outcome.Message,
			"redirect_to": outcome.RedirectTarget,
		})
		return
	}

	server.metrics.Increment("callback.success")
	server.establishSession(contextGin, outcome.SessionToken, outcome.User)
	contextGin.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"message":     outcome.Message,
		"redirect_to": outcome.RedirectTarget,
		"user":        outcome.User,
	})
}

func (server *Server) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	machine := flow.NewLoginMachine(server.flowDeps(), nil)
	machine.SetEmail(strings.TrimSpace(inbound.Email))
	machine.SetPassword(inbound.Password)

	if submitErr := machine.Submit(contextGin); submitErr != nil {
		server.metrics.Increment("login.failure")
		server.writeFlowError(contextGin, submitErr)
		return
	}

	server.metrics.Increment("login.success")
	snapshot := machine.Snapshot()
	server.establishSession(contextGin, snapshot.Context.SessionToken, snapshot.Context.User)
	contextGin.JSON(http.StatusOK, gin.H{
		"user":        snapshot.Context.User,
		"redirect_to": bootstrap.DefaultSuccessTarget,
	})
}

func (server *Server) handleRegister(contextGin *gin.Context) {
	var inbound struct {
		Username        string `json:"username"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	machine := flow.NewRegisterMachine(server.flowDeps(), nil)
	machine.SetUsername(strings.TrimSpace(inbound.Username))
	machine.SetEmail(strings.TrimSpace(inbound.Email))
	machine.SetPassword(inbound.Password)
	machine.SetConfirmPassword(inbound.ConfirmPassword)

	if submitErr := machine.Submit(contextGin); submitErr != nil {
		server.metrics.Increment("register.failure")
		server.writeFlowError(contextGin, submitErr)
		return
	}

	server.metrics.Increment("register.success")
	snapshot := machine.Snapshot()
	if snapshot.Context.ConfirmationPending {
		contextGin.JSON(http.StatusOK, gin.H{
			"confirmation_pending": true,
			"message":              "Check your email to confirm your account.",
		})
		return
	}
	server.establishSession(contextGin, snapshot.Context.SessionToken, snapshot.Context.User)
	contextGin.JSON(http.StatusOK, gin.H{
		"user":        snapshot.Context.User,
		"redirect_to": bootstrap.DefaultSuccessTarget,
	})
}

func (server *Server) handleResend(contextGin *gin.Context) {
	var inbound struct {
		Email string `json:"email"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	machine := flow.NewLoginMachine(server.flowDeps(), nil)
	machine.SetEmail(strings.TrimSpace(inbound.Email))

	if resendErr := machine.Resend(contextGin); resendErr != nil {
		snapshot := machine.Snapshot()
		message := snapshot.ResendErr
		if message == "" {
			message = resendErr.Error()
		}
		status := http.StatusBadGateway
		if errors.Is(resendErr, flow.ErrResendEmailRequired) {
			status = http.StatusBadRequest
		}
		contextGin.JSON(status, gin.H{"error": message})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"sent": true})
}

func (server *Server) handleSSO(contextGin *gin.Context) {
	provider := contextGin.Param("provider")
	machine := flow.NewSSOMachine(server.flowDeps(), nil)

	authorizeURL, signInErr := machine.SignInWith(contextGin, provider)
	if signInErr != nil {
		server.metrics.Increment("sso.failure")
		if errors.Is(signInErr, identity.ErrUnknownProvider) {
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": "unknown_provider"})
			return
		}
		contextGin.JSON(http.StatusBadGateway, gin.H{"error": signInErr.Error()})
		return
	}
	server.metrics.Increment("sso.redirect")
	contextGin.JSON(http.StatusOK, gin.H{"url": authorizeURL})
}

func (server *Server) handleLogout(contextGin *gin.Context) {
	server.sessionStore.SetSessionToken(server.ambientToken(contextGin))
	server.sessionStore.Logout(contextGin)
	server.clearSessionCookie(contextGin)
	server.metrics.Increment("logout")
	contextGin.Status(http.StatusNoContent)
}

func (server *Server) handleMe(contextGin *gin.Context) {
	claims := server.sessionClaims(contextGin)
	if claims == nil {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	profileRow, profileErr := server.profiles.Get(contextGin, claims.GetUserID())
	if profileErr != nil {
		if errors.Is(profileErr, profile.ErrProfileNotFound) {
			server.logger.Warn("profile missing for live session",
				zap.String("code", "api.me.profile_missing"),
				zap.String("user_id", claims.GetUserID()))
			contextGin.AbortWithStatus(http.StatusNotFound)
			return
		}
		server.logger.Error("profile lookup error",
			zap.String("code", "api.me.profile_error"),
			zap.String("user_id", claims.GetUserID()),
			zap.Error(profileErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	contextGin.JSON(http.StatusOK, gin.H{
		"user":    profileRow,
		"expires": claims.GetExpiresAt(),
	})
}

func (server *Server) handleThemeGet(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"isDarkMode": server.themeManager.IsDarkMode(contextGin)})
}

func (server *Server) handleThemeSet(contextGin *gin.Context) {
	var inbound struct {
		IsDarkMode bool `json:"isDarkMode"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if setErr := server.themeManager.SetDarkMode(contextGin, inbound.IsDarkMode); setErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"isDarkMode": inbound.IsDarkMode})
}

func (server *Server) handleThemeToggle(contextGin *gin.Context) {
	flipped, toggleErr := server.themeManager.Toggle(contextGin)
	if toggleErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"isDarkMode": flipped})
}

// establishSession writes the session cookie and updates the shared
// auth state. A missing token (e.g. profile-only outcomes) writes
// nothing.
func (server *Server) establishSession(contextGin *gin.Context, sessionToken string, user *profile.Profile) {
	if sessionToken != "" {
		http.SetCookie(contextGin.Writer, &http.Cookie{
			Name:     server.config.SessionCookieName,
			Value:    sessionToken,
			Path:     "/",
			Domain:   server.config.CookieDomain,
			Expires:  time.Now().UTC().Add(server.config.SessionTTL),
			Secure:   !server.config.AllowInsecureHTTP,
			HttpOnly: true,
			SameSite: server.config.SameSiteMode,
		})
		server.sessionStore.SetSessionToken(sessionToken)
	}
	if user != nil {
		server.sessionStore.SetUser(contextGin, user)
	}
}

func (server *Server) clearSessionCookie(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     server.config.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   server.config.CookieDomain,
		MaxAge:   -1,
		Secure:   !server.config.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: server.config.SameSiteMode,
	})
}

// ambientToken extracts the caller's existing session token, cookie
// first, bearer header second.
func (server *Server) ambientToken(contextGin *gin.Context) string {
	if cookie, cookieErr := contextGin.Request.Cookie(server.config.SessionCookieName); cookieErr == nil && cookie != nil {
		return cookie.Value
	}
	authorization := contextGin.GetHeader("Authorization")
	if token, found := strings.CutPrefix(authorization, "Bearer "); found {
		return strings.TrimSpace(token)
	}
	return ""
}

func (server *Server) sessionClaims(contextGin *gin.Context) *sessionvalidator.Claims {
	claimsValue, found := contextGin.Get(sessionvalidator.DefaultContextKey)
	if !found {
		return nil
	}
	claims, ok := claimsValue.(*sessionvalidator.Claims)
	if !ok {
		return nil
	}
	return claims
}

// writeFlowError maps machine failures onto HTTP statuses: validation
// stays 400, provider rejections become 401, everything else 502.
func (server *Server) writeFlowError(contextGin *gin.Context, flowErr error) {
	var validationErr *flow.ValidationError
	if errors.As(flowErr, &validationErr) {
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Message})
		return
	}
	if errors.Is(flowErr, identity.ErrEmailNotConfirmed) {
		contextGin.JSON(http.StatusUnauthorized, gin.H{"error": identity.EmailNotConfirmedMessage})
		return
	}
	var providerErr *identity.ProviderError
	if errors.As(flowErr, &providerErr) {
		contextGin.JSON(http.StatusUnauthorized, gin.H{"error": providerErr.Message})
		return
	}
	contextGin.JSON(http.StatusBadGateway, gin.H{"error": flowErr.Error()})
}
