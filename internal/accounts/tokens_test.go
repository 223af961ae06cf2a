package accounts

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken("s3cret", "u1", "awa@mail.ci", time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseToken("s3cret", tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "u1" || claims.Email != "awa@mail.ci" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseTokenRejects(t *testing.T) {
	expired, _ := IssueToken("s3cret", "u1", "", time.Hour, time.Now().Add(-2*time.Hour))
	good, _ := IssueToken("s3cret", "u1", "", time.Hour, time.Now())
	foreign, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name, secret, token string
	}{
		{"expired", "s3cret", expired},
		{"wrong secret", "other", good},
		{"wrong issuer", "s3cret", foreign},
		{"alg none", "s3cret", unsigned},
		{"garbage", "s3cret", "abc.def.ghi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.secret, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}
