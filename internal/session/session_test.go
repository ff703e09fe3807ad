package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "sasdemo",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func freezeNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestParseServerType(t *testing.T) {
	tests := []struct {
		in      string
		want    ServerType
		wantErr bool
	}{
		{"SAS9", ServerSAS9, false},
		{"sasviya", ServerViya, false},
		{" viya ", ServerViya, false},
		{"sasjs", ServerSASjs, false},
		{"mainframe", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseServerType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSession_ResetClearsBothCSRFTokens(t *testing.T) {
	s := New(ServerViya)
	s.SetCSRF(CSRFToken{Value: "general-1", Kind: KindGeneral})
	s.SetCSRF(CSRFToken{Value: "file-1", Kind: KindFile})
	s.SetTokens("access", "refresh")
	s.MarkLoggedIn("sasdemo")

	require.True(t, s.LoggedIn())

	s.Reset()

	_, ok := s.CSRF(KindGeneral)
	assert.False(t, ok)
	_, ok = s.CSRF(KindFile)
	assert.False(t, ok)

	st := s.Snapshot()
	assert.False(t, st.LoggedIn)
	assert.Empty(t, st.Username)
	assert.Empty(t, st.AccessToken)
	assert.Empty(t, st.RefreshToken)
	assert.Equal(t, ServerViya, st.ServerType)
}

func TestSession_GenerationCountsLoginsAndSurvivesReset(t *testing.T) {
	s := New(ServerSASjs)
	assert.Equal(t, uint64(0), s.Generation())

	s.MarkLoggedIn("a")
	s.Reset()
	s.MarkLoggedIn("b")

	assert.Equal(t, uint64(2), s.Generation())
}

func TestSession_CSRFKindsAreIndependent(t *testing.T) {
	s := New(ServerSAS9)
	s.SetCSRF(CSRFToken{Value: "g", Kind: KindGeneral})
	s.SetCSRF(CSRFToken{Value: "", Kind: KindFile})

	tok, ok := s.CSRF(KindGeneral)
	require.True(t, ok)
	assert.Equal(t, "g", tok.Value)

	_, ok = s.CSRF(KindFile)
	assert.False(t, ok, "empty values are not stored")

	s.InvalidateCSRF(KindGeneral)
	_, ok = s.CSRF(KindGeneral)
	assert.False(t, ok)
}

func TestSetTokens_KeepsRefreshWhenNotRotated(t *testing.T) {
	s := New(ServerSASjs)
	s.SetTokens("a1", "r1")
	s.SetTokens("a2", "")

	st := s.Snapshot()
	assert.Equal(t, "a2", st.AccessToken)
	assert.Equal(t, "r1", st.RefreshToken)
}

func TestTokenExpiryWindows(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	freezeNow(t, base)

	t.Run("access token inside one hour is expiring", func(t *testing.T) {
		assert.True(t, IsAccessTokenExpiring(signedToken(t, base.Add(30*time.Minute))))
	})
	t.Run("access token beyond one hour is fresh", func(t *testing.T) {
		assert.False(t, IsAccessTokenExpiring(signedToken(t, base.Add(2*time.Hour))))
	})
	t.Run("refresh token inside thirty seconds is expiring", func(t *testing.T) {
		assert.True(t, IsRefreshTokenExpiring(signedToken(t, base.Add(10*time.Second))))
	})
	t.Run("refresh token with minutes left is usable", func(t *testing.T) {
		assert.False(t, IsRefreshTokenExpiring(signedToken(t, base.Add(5*time.Minute))))
	})
	t.Run("absent or garbage tokens count as expiring", func(t *testing.T) {
		assert.True(t, IsAccessTokenExpiring(""))
		assert.True(t, IsRefreshTokenExpiring("not-a-jwt"))
	})
}

func TestNeedsRefresh(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	freezeNow(t, base)

	s := New(ServerViya)
	refresh, usable := s.NeedsRefresh()
	assert.False(t, refresh)
	assert.False(t, usable)

	s.SetTokens(signedToken(t, base.Add(10*time.Minute)), signedToken(t, base.Add(24*time.Hour)))
	refresh, usable = s.NeedsRefresh()
	assert.True(t, refresh)
	assert.True(t, usable)

	s.SetTokens(signedToken(t, base.Add(3*time.Hour)), "")
	refresh, _ = s.NeedsRefresh()
	assert.False(t, refresh)
}
