package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		DraftID: "draft-1",
		Holder:  Fingerprint("tok-1"),
		JTI:     "jti-1",
		Exp:     time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued, "draft-1")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.DraftID != "draft-1" || claims.JTI != "jti-1" || claims.Holder != Fingerprint("tok-1") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejects(t *testing.T) {
	secret := []byte("secret")
	holder := Fingerprint("tok-1")
	valid, _ := IssueToken(secret, Claims{DraftID: "draft-1", Holder: holder, JTI: "jti-1", Exp: time.Now().Add(time.Hour).Unix()})
	expired, _ := IssueToken(secret, Claims{DraftID: "draft-1", Holder: holder, JTI: "jti-1", Exp: time.Now().Add(-time.Minute).Unix()})
	anonymous, _ := IssueToken(secret, Claims{DraftID: "draft-1", JTI: "jti-1", Exp: time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name    string
		secret  []byte
		token   string
		draftID string
		want    error
	}{
		{"expired", secret, expired, "draft-1", ErrExpiredToken},
		{"other draft", secret, valid, "draft-2", ErrInvalidToken},
		{"no holder", secret, anonymous, "draft-1", ErrInvalidToken},
		{"wrong secret", []byte("other"), valid, "draft-1", ErrInvalidToken},
		{"malformed", secret, "not-a-token", "draft-1", ErrInvalidToken},
		{"tampered", secret, valid + "x", "draft-1", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.secret, tt.token, tt.draftID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ParseToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if got := BearerToken(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
	r.Header.Set("Authorization", "Bearer  abc ")
	if got := BearerToken(r); got != "abc" {
		t.Fatalf("BearerToken() = %q", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := BearerToken(r); got != "" {
		t.Fatalf("expected empty token for basic auth, got %q", got)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	if Fingerprint("a") != Fingerprint("a") || Fingerprint("a") == Fingerprint("b") {
		t.Fatal("fingerprint must be deterministic and distinguish tokens")
	}
	if len(Fingerprint("a")) != 16 {
		t.Fatalf("unexpected fingerprint length %d", len(Fingerprint("a")))
	}
}
