// Package callback classifies inbound OAuth redirect URLs.
//
// A redirect from the identity provider can arrive in several shapes:
// an authorization code in the query string, an access token in the
// URL fragment (implicit flow), an error in either parameter set, or
// nothing at all when a signed-in user revisits the callback URL.
// Classification is pure and never fails; malformed input degrades to
// KindNoCredential.
package callback

import (
	"net/url"
	"strings"
)

// Kind discriminates the classification variants.
type Kind int

const (
	// KindNoCredential means the URL carries no code, token, or error.
	KindNoCredential Kind = iota
	// KindAuthorizationCode means an authorization code is present.
	KindAuthorizationCode
	// KindImplicitToken means an access token arrived in the fragment.
	KindImplicitToken
	// KindProviderError means the provider reported an error.
	KindProviderError
)

// String names the kind for logs.
func (kind Kind) String() string {
	switch kind {
	case KindAuthorizationCode:
		return "authorization_code"
	case KindImplicitToken:
		return "implicit_token"
	case KindProviderError:
		return "provider_error"
	default:
		return "no_credential"
	}
}

// Classification is the tagged result of classifying one redirect URL.
// Only the field matching Kind is populated. Username and Next are
// pass-through parameters carried alongside whichever credential was
// found.
type Classification struct {
	Kind         Kind
	Code         string
	AccessToken  string
	ErrorMessage string
	Username     string
	Next         string
}

// Classify inspects the query and fragment parameter sets of rawURL
// and picks exactly one variant. Precedence: provider error over
// authorization code over implicit token over nothing; within each,
// query-level values win over fragment-level values.
func Classify(rawURL string) Classification {
	parsed, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return Classification{Kind: KindNoCredential}
	}

	queryParams := parsed.Query()
	fragmentParams, _ := url.ParseQuery(parsed.Fragment)

	result := Classification{
		Username: strings.TrimSpace(queryParams.Get("username")),
		Next:     queryParams.Get("next"),
	}

	if message, found := errorMessage(queryParams, fragmentParams); found {
		result.Kind = KindProviderError
		result.ErrorMessage = message
		return result
	}

	if code := firstNonEmpty(queryParams.Get("code"), fragmentParams.Get("code")); code != "" {
		result.Kind = KindAuthorizationCode
		result.Code = code
		return result
	}

	if accessToken := fragmentParams.Get("access_token"); accessToken != "" {
		result.Kind = KindImplicitToken
		result.AccessToken = accessToken
		return result
	}

	result.Kind = KindNoCredential
	return result
}

// errorMessage resolves the provider error message with the fixed
// preference order: query error_description, fragment
// error_description, query error, fragment error.
func errorMessage(queryParams url.Values, fragmentParams url.Values) (string, bool) {
	if !hasAny(queryParams, "error", "error_description") && !hasAny(fragmentParams, "error", "error_description") {
		return "", false
	}
	message := firstNonEmpty(
		queryParams.Get("error_description"),
		fragmentParams.Get("error_description"),
		queryParams.Get("error"),
		fragmentParams.Get("error"),
	)
	if message == "" {
		message = "Authentication failed"
	}
	return message, true
}

func hasAny(params url.Values, keys ...string) bool {
	for _, key := range keys {
		if params.Get(key) != "" {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
