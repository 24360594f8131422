package courier

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	apperrors "github.com/lmoretti/filecourier/internal/errors"
)

// apiNamespace is the first path segment of every server route.
const apiNamespace = "fileuploader/v1"

var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// Endpoint is an immutable description of the server to talk to. It is
// resolved once per orchestration call and passed by value, never read
// from ambient state mid-flight.
type Endpoint struct {
	BaseURL     string
	Username    string
	AppPassword string
}

// NewEndpoint builds an Endpoint with a normalized base URL. Empty
// fields are allowed here; Validate rejects them at upload time so the
// orchestrator can fail fast with a configuration error.
func NewEndpoint(siteURL, username, appPassword string) (Endpoint, error) {
	base, err := NormalizeBaseURL(siteURL)
	if err != nil {
		return Endpoint{}, err
	}

	return Endpoint{
		BaseURL:     base,
		Username:    strings.TrimSpace(username),
		AppPassword: appPassword,
	}, nil
}

// NormalizeBaseURL trims the input, defaults the scheme to https when
// missing, rejects non-http(s) schemes, and strips trailing slashes.
// An empty input normalizes to the empty string without error.
func NormalizeBaseURL(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", nil
	}

	withScheme := trimmed
	if !schemeRe.MatchString(trimmed) {
		withScheme = "https://" + trimmed
	}

	u, err := url.Parse(withScheme)
	if err != nil {
		return "", fmt.Errorf("parsing site URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported site URL scheme %q", u.Scheme)
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// Validate reports the first missing configuration field, if any.
func (e Endpoint) Validate() error {
	if e.BaseURL == "" {
		return apperrors.ErrMissingSiteURL
	}

	if e.Username == "" {
		return apperrors.ErrMissingUsername
	}

	if e.AppPassword == "" {
		return apperrors.ErrMissingPassword
	}

	return nil
}

// Routes builds the primary and fallback URL for a route under the API
// namespace. The primary goes through the pretty REST prefix; the
// fallback uses the generic routed entry point for hosts where the
// pretty prefix is not served.
func (e Endpoint) Routes(route string, query url.Values) (primary, fallback string) {
	clean := strings.TrimLeft(route, "/")

	primary = e.BaseURL + "/wp-json/" + clean
	if len(query) > 0 {
		primary += "?" + query.Encode()
	}

	fbQuery := url.Values{}
	for k, vs := range query {
		fbQuery[k] = vs
	}
	fbQuery.Set("rest_route", "/"+clean)

	fallback = e.BaseURL + "/index.php?" + fbQuery.Encode()

	return primary, fallback
}

// AuthHeader returns the Basic credential header for this endpoint.
func (e Endpoint) AuthHeader() string {
	token := base64.StdEncoding.EncodeToString([]byte(e.Username + ":" + e.AppPassword))
	return "Basic " + token
}

// maskAuth trims a credential header down to its scheme and a short
// token prefix so it can appear in debug logs.
func maskAuth(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || len(token) < 8 {
		return scheme
	}

	return fmt.Sprintf("%s %s…(%d)", scheme, token[:6], len(token))
}
