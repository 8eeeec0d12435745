package actortoken

import (
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"khetmabot/pkg/domain"
)

func TestIssueAndVerify(t *testing.T) {
	codec, err := New("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	want := Claims{
		Actor:   domain.Actor{ID: 123, DisplayName: "@sara"},
		GroupID: -100200,
		Admin:   true,
	}
	raw, err := codec.Issue(want)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := codec.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != want {
		t.Fatalf("claims round trip: got %+v want %+v", got, want)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuerCodec, _ := New("secret-a", time.Minute)
	verifierCodec, _ := New("secret-b", time.Minute)
	raw, err := issuerCodec.Issue(Claims{Actor: domain.Actor{ID: 1, DisplayName: "@x"}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifierCodec.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	codec, _ := New("secret", time.Minute)
	stale := time.Now().UTC().Add(-time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   "1",
			IssuedAt:  jwt.NewNumericDate(stale),
			ExpiresAt: jwt.NewNumericDate(stale.Add(time.Minute)),
		},
		DisplayName: "@x",
	})
	raw, err := token.SignedString(codec.secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := codec.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	codec, _ := New("secret", time.Minute)
	if _, err := codec.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New("  ", time.Minute); err == nil {
		t.Fatalf("blank secret must be rejected")
	}
}
