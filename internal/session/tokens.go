package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiry windows applied before a token's exp claim.
const (
	AccessTokenWindow  = time.Hour
	RefreshTokenWindow = 30 * time.Second
)

// now is overridden in tests.
var now = time.Now

// TokenExpiry decodes the exp claim of a JWT without verifying its signature.
// ok is false when the token is not a JWT or carries no exp claim.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func expiringWithin(token string, window time.Duration) bool {
	exp, ok := TokenExpiry(token)
	if !ok {
		return true
	}
	return exp.Sub(now()) <= window
}

// IsAccessTokenExpiring reports whether token is absent, undecodable or
// expires within AccessTokenWindow.
func IsAccessTokenExpiring(token string) bool {
	return expiringWithin(token, AccessTokenWindow)
}

// IsRefreshTokenExpiring reports whether token is absent, undecodable or
// expires within RefreshTokenWindow.
func IsRefreshTokenExpiring(token string) bool {
	return expiringWithin(token, RefreshTokenWindow)
}

// NeedsRefresh reports whether the access token should be refreshed and the
// refresh token is still usable for that.
func (s *Session) NeedsRefresh() (refresh bool, refreshUsable bool) {
	st := s.Snapshot()
	if st.AccessToken == "" && st.RefreshToken == "" {
		return false, false
	}
	return IsAccessTokenExpiring(st.AccessToken), !IsRefreshTokenExpiring(st.RefreshToken)
}
