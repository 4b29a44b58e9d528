package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:   "user-1",
		Name:  "Linh",
		Email: "linh@example.edu",
		Role:  "student",
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "Linh" || claims.Role != "student" || claims.Email != "linh@example.edu" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenFailures(t *testing.T) {
	secret := []byte("secret")
	valid, err := IssueToken(secret, Claims{Sub: "user-1", Role: "student", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	expired, err := IssueToken(secret, Claims{Sub: "user-1", Role: "student", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	noRole, err := IssueToken(secret, Claims{Sub: "user-1", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "  ", want: ErrMissingToken},
		{name: "no signature", token: "abc", want: ErrInvalidToken},
		{name: "extra segment", token: valid + ".x", want: ErrInvalidToken},
		{name: "tampered", token: strings.Replace(valid, valid[:4], "AAAA", 1), want: ErrInvalidToken},
		{name: "wrong secret", token: mustIssue(t, []byte("other")), want: ErrInvalidToken},
		{name: "missing role", token: noRole, want: ErrInvalidToken},
		{name: "expired", token: expired, want: ErrExpiredToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseToken(secret, tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("ParseToken() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func mustIssue(t *testing.T, secret []byte) string {
	t.Helper()
	token, err := IssueToken(secret, Claims{Sub: "user-1", Role: "student", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}
