package authjwt

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerify_PrimarySecret(t *testing.T) {
	token, err := Sign("proj1", ScopeWrite, "secret-a", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := Verify(token, "proj1", []string{"secret-a", "secret-b"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ProjectID != "proj1" || claims.Scope != ScopeWrite {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestVerify_FallsBackToOlderSecretDuringRotation(t *testing.T) {
	token, err := Sign("proj1", ScopeRead, "old-secret", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// new-secret is primary (tried first), old-secret still validates
	// until it's removed.
	if _, err := Verify(token, "proj1", []string{"new-secret", "old-secret"}); err != nil {
		t.Fatalf("expected rotation-window token to verify, got %v", err)
	}
}

func TestVerify_WrongProjectRejected(t *testing.T) {
	token, _ := Sign("proj1", ScopeRead, "secret", time.Minute)
	if _, err := Verify(token, "other-proj", []string{"secret"}); err == nil {
		t.Error("expected verification to fail for mismatched project")
	}
}

func TestVerify_ExpiredRejected(t *testing.T) {
	token, _ := Sign("proj1", ScopeRead, "secret", -time.Minute)
	if _, err := Verify(token, "proj1", []string{"secret"}); err == nil {
		t.Error("expected expired token to fail verification")
	}
}

func TestClaims_Covers(t *testing.T) {
	cases := []struct {
		have, need Scope
		want       bool
	}{
		{ScopeManage, ScopeRead, true},
		{ScopeManage, ScopeWrite, true},
		{ScopeWrite, ScopeRead, true},
		{ScopeRead, ScopeWrite, false},
		{ScopeWrite, ScopeManage, false},
	}
	for _, c := range cases {
		claims := &Claims{Scope: c.have}
		if got := claims.Covers(c.need); got != c.want {
			t.Errorf("Scope(%s).Covers(%s) = %v, want %v", c.have, c.need, got, c.want)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := ExtractBearerToken(req); err != ErrNoBearerToken {
		t.Errorf("expected ErrNoBearerToken, got %v", err)
	}

	req.Header.Set("Authorization", "Bearer abc123")
	token, err := ExtractBearerToken(req)
	if err != nil || token != "abc123" {
		t.Errorf("got token=%q err=%v", token, err)
	}
}

func TestAuthorize_ScopeDenied(t *testing.T) {
	token, _ := Sign("proj1", ScopeRead, "secret", time.Minute)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := Authorize(req, "proj1", []string{"secret"}); err != ErrScopeDenied {
		t.Errorf("expected ErrScopeDenied, got %v", err)
	}
}
