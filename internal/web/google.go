package web

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"

	"github.com/mprlab/authbridge/internal/profile"
)

// GoogleTokenValidator verifies Google ID tokens. It matches the
// idtoken package's validator surface so tests can substitute fakes.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator constructs the production validator.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// ProvideGoogleTokenValidator injects the validator used by the
// /auth/google endpoint.
func (server *Server) ProvideGoogleTokenValidator(validator GoogleTokenValidator) {
	server.googleValidator = validator
}

// handleGoogleIDToken is the one-tap style sign-in path: the client
// obtained a Google ID token directly and posts it here instead of
// walking the redirect flow. The token is verified locally, then
// exchanged with the identity provider for a session.
func (server *Server) handleGoogleIDToken(contextGin *gin.Context) {
	var inbound struct {
		GoogleIDToken string `json:"google_id_token"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	if !server.config.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
		return
	}

	if server.googleValidator == nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	payload, validateErr := server.googleValidator.Validate(contextGin, inbound.GoogleIDToken, server.config.GoogleWebClientID)
	if validateErr != nil {
		server.metrics.Increment("google.invalid_token")
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
		return
	}
	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_issuer"})
		return
	}
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unverified_identity"})
		return
	}

	assertion, exchangeErr := server.identityService.SignInWithIDToken(contextGin, "google", inbound.GoogleIDToken)
	if exchangeErr != nil || assertion == nil || assertion.UserID == "" {
		server.metrics.Increment("google.exchange_failed")
		server.logger.Warn("google id-token exchange failed",
			zap.String("code", "web.google.exchange_failed"),
			zap.Error(exchangeErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "exchange_failed"})
		return
	}

	reconciled, reconcileErr := server.reconciler.Reconcile(contextGin, profile.ModeCreateIfAbsent, profile.Input{
		UserID:   assertion.UserID,
		Email:    assertion.Email,
		Metadata: assertion.Metadata,
	})
	if reconcileErr != nil {
		server.logger.Warn("profile reconciliation failed after google sign-in",
			zap.String("code", "web.google.reconcile_failed"),
			zap.String("user_id", assertion.UserID),
			zap.Error(reconcileErr))
	}

	server.metrics.Increment("google.success")
	server.establishSession(contextGin, assertion.SessionToken, reconciled)
	contextGin.JSON(http.StatusOK, gin.H{
		"user":        reconciled,
		"redirect_to": "/dashboard",
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
