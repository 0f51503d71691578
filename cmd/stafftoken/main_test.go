package main

import (
	"bytes"
	"strings"
	"testing"

	"confi/backend/internal/httpapi"
)

func TestRunMintsVerifiableToken(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	t.Setenv("AUTH_SECRET", secret)

	var out bytes.Buffer
	if err := run([]string{"-user", "dewi", "-role", "admin"}, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	token, _, _ := strings.Cut(out.String(), "\n")
	actor, err := httpapi.NewAuthenticator(secret).ParseToken(token)
	if err != nil {
		t.Fatalf("minted token did not verify: %v", err)
	}
	if actor.Username != "dewi" || actor.Role != httpapi.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestRunRequiresSecretAndUser(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	if err := run([]string{"-user", "dewi"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected missing secret to fail")
	}

	t.Setenv("AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	if err := run(nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected missing user to fail")
	}
}
