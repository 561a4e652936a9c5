package live

import (
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew treats a session as expired slightly before its real expiry so
// a token is not sent moments before the server would reject it.
const expirySkew = 10 * time.Second

// Session is an immutable snapshot of the authentication state. It is
// replaced wholesale on refresh and never mutated. A nil *Session means
// "not connected".
type Session struct {
	accessToken         string
	authenticationToken string
	expiry              time.Time // zero = unknown
	scopes              []string  // sorted, deduplicated, lowercase
}

// NewSession builds a Session snapshot. When expiry is zero and the access
// token is a JWT carrying an exp claim, the claim is used. Returns nil when
// accessToken is empty: a session without a token is "not connected".
func NewSession(accessToken, authenticationToken string, expiry time.Time, scopes []string) *Session {
	if accessToken == "" {
		return nil
	}

	if expiry.IsZero() {
		expiry = expiryFromJWT(accessToken)
	}

	return &Session{
		accessToken:         accessToken,
		authenticationToken: authenticationToken,
		expiry:              expiry,
		scopes:              normalizeScopes(scopes),
	}
}

// AccessToken returns the bearer token. Never log it.
func (s *Session) AccessToken() string {
	if s == nil {
		return ""
	}

	return s.accessToken
}

// AuthenticationToken returns the secondary (identity) token, or "".
func (s *Session) AuthenticationToken() string {
	if s == nil {
		return ""
	}

	return s.authenticationToken
}

// Expiry returns the token expiry; the zero time means unknown.
func (s *Session) Expiry() time.Time {
	if s == nil {
		return time.Time{}
	}

	return s.expiry
}

// Scopes returns a copy of the granted scopes.
func (s *Session) Scopes() []string {
	if s == nil {
		return nil
	}

	return slices.Clone(s.scopes)
}

// Connected reports whether the session carries an access token.
func (s *Session) Connected() bool {
	return s != nil && s.accessToken != ""
}

// ExpiredAt reports whether the session is unusable at the given instant.
// A session with unknown expiry is valid until the server rejects it.
func (s *Session) ExpiredAt(now time.Time) bool {
	if !s.Connected() {
		return true
	}

	if s.expiry.IsZero() {
		return false
	}

	return !now.Add(expirySkew).Before(s.expiry)
}

// Covers reports whether every requested scope has been granted. Scope
// comparison is case-insensitive.
func (s *Session) Covers(requested []string) bool {
	if !s.Connected() {
		return false
	}

	for _, sc := range normalizeScopes(requested) {
		if _, found := slices.BinarySearch(s.scopes, sc); !found {
			return false
		}
	}

	return true
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))

	for _, sc := range scopes {
		sc = strings.ToLower(strings.TrimSpace(sc))
		if sc != "" {
			out = append(out, sc)
		}
	}

	slices.Sort(out)

	return slices.Compact(out)
}

// expiryFromJWT reads the exp claim without verifying the signature: the
// SDK is not the audience and only needs a refresh hint. Opaque tokens
// yield the zero time.
func expiryFromJWT(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}

	var claims jwt.RegisteredClaims

	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}

	if claims.ExpiresAt == nil {
		return time.Time{}
	}

	return claims.ExpiresAt.Time
}
