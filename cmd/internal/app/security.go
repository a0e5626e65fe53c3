package app

import "errors"

// ValidateSecurityConfig enforces the security policy at startup.
// Fail-fast: silently running with a weak session secret or unencrypted
// persisted tokens is unacceptable.
func ValidateSecurityConfig(cfg Config) error {
	// Measured in bytes (not runes); the secret is used as raw HMAC key material.
	if len(cfg.SessionSecret) < 32 {
		return errors.New("security policy: PARLEY_SESSION_SECRET must be at least 32 bytes")
	}

	if cfg.RequireTokenCrypto && cfg.TokenEncKey == "" && cfg.TokenEncPassphrase == "" {
		return errors.New("security policy: PARLEY_REQUIRE_TOKEN_CRYPTO=true but no PARLEY_TOKEN_ENC_KEY or PARLEY_TOKEN_ENC_PASSPHRASE set")
	}

	if cfg.TokenEncPassphrase != "" && cfg.TokenEncSalt == "" {
		return errors.New("security policy: PARLEY_TOKEN_ENC_PASSPHRASE requires PARLEY_TOKEN_ENC_SALT")
	}

	return nil
}
