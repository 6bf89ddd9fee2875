package main

import (
	"bytes"
	"strings"
	"testing"

	"blockremote/internal/auth"
	"blockremote/internal/config"
)

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, "cli-secret")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "agent-1", "--config", ""})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	tok := strings.TrimSpace(out.String())
	a, err := auth.New(config.AuthConfig{Enabled: true, Secret: "cli-secret", Algorithm: "HS256"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	sub, err := a.Verify(tok)
	if err != nil || sub != "agent-1" {
		t.Fatalf("verify: sub=%q err=%v", sub, err)
	}
}
