package config

import (
	"fmt"

	"github.com/google/uuid"
)

const apiTokenAccount = "api_token"

// GetAPIToken returns the bearer token guarding the HTTP API. On first use a
// random token is generated and stored in kc so that later runs and CLI
// clients share it.
func GetAPIToken(kc Keychain) (string, error) {
	if tok, err := kc.Get(secretService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.NewString()
	if err := kc.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
