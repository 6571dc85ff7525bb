// Package secrets decrypts age-encrypted values in relay configuration.
//
// Encrypted values use the format ENC[<base64(age-ciphertext)>] and can be
// placed anywhere a string is accepted in relay.toml, including endpoint
// credentials inside [[bridge.systems]] tables.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/spf13/viper"
)

const (
	encPrefix = "ENC["
	encSuffix = "]"

	// DefaultKeyFilename is the default age identity filename.
	DefaultKeyFilename = "age.key"

	// EnvAgeKey is the env var for a raw AGE-SECRET-KEY-1... string.
	EnvAgeKey = "RELAY_AGE_KEY"

	// EnvAgeKeyFile is the env var for a path to an age identity file.
	EnvAgeKeyFile = "RELAY_AGE_KEY_FILE"
)

// IsEncrypted reports whether value is wrapped in ENC[...].
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix) && strings.HasSuffix(value, encSuffix) && len(value) > len(encPrefix)+len(encSuffix)
}

// Encrypt encrypts plaintext for the given recipients and returns an ENC[...] string.
func Encrypt(plaintext string, recipients ...age.Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize encryption: %w", err)
	}
	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + encSuffix, nil
}

// Decrypt decrypts an ENC[...] value using the provided identities.
func Decrypt(enc string, identities ...age.Identity) (string, error) {
	if !IsEncrypted(enc) {
		return "", fmt.Errorf("value is not encrypted (missing ENC[...] wrapper)")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc[len(encPrefix) : len(enc)-len(encSuffix)])
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted data: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKeyPair generates a new X25519 age identity (keypair).
func GenerateKeyPair() (*age.X25519Identity, error) {
	return age.GenerateX25519Identity()
}

// LoadIdentity loads age identities from a key file.
func LoadIdentity(keyPath string) ([]age.Identity, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return identities, nil
}

// IdentityFromString parses a raw AGE-SECRET-KEY-1... string.
func IdentityFromString(key string) (*age.X25519Identity, error) {
	return age.ParseX25519Identity(strings.TrimSpace(key))
}

// DefaultKeyPath returns ~/.config/relay/age.key.
func DefaultKeyPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "relay", DefaultKeyFilename)
}

// ResolveIdentity finds an age identity from env vars, config, or the default
// key file. Returns (nil, nil) if no identity is configured anywhere.
//
// Priority: RELAY_AGE_KEY env → RELAY_AGE_KEY_FILE env → secrets.identity
// config → ~/.config/relay/age.key default.
func ResolveIdentity(v *viper.Viper) ([]age.Identity, error) {
	if raw := os.Getenv(EnvAgeKey); raw != "" {
		id, err := IdentityFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvAgeKey, err)
		}
		return []age.Identity{id}, nil
	}
	if path := os.Getenv(EnvAgeKeyFile); path != "" {
		return LoadIdentity(path)
	}
	if path := v.GetString("secrets.identity"); path != "" {
		return LoadIdentity(expandHome(path))
	}

	defaultPath := DefaultKeyPath()
	if defaultPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(defaultPath); err != nil {
		return nil, nil
	}
	return LoadIdentity(defaultPath)
}

// Apply decrypts every ENC[...] value in v. Without encrypted values it is a
// no-op; with encrypted values but no identity it fails.
func Apply(v *viper.Viper) error {
	if !HasEncryptedValues(v) {
		return nil
	}
	identities, err := ResolveIdentity(v)
	if err != nil {
		return fmt.Errorf("resolve age identity: %w", err)
	}
	if len(identities) == 0 {
		return fmt.Errorf("config holds encrypted values but no age identity is configured (set %s or %s)", EnvAgeKey, EnvAgeKeyFile)
	}
	return DecryptViperConfig(v, identities)
}

// DecryptViperConfig decrypts ENC[...] values in-place, descending into
// lists of tables such as [[bridge.systems]].
func DecryptViperConfig(v *viper.Viper, identities []age.Identity) error {
	for _, key := range v.AllKeys() {
		out, changed, err := decryptValue(v.Get(key), identities)
		if err != nil {
			return fmt.Errorf("decrypt config key %q: %w", key, err)
		}
		if changed {
			v.Set(key, out)
		}
	}
	return nil
}

// DecryptMap returns a copy of m with every ENC[...] value decrypted.
func DecryptMap(m map[string]string, identities []age.Identity) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if !IsEncrypted(val) {
			out[k] = val
			continue
		}
		plaintext, err := Decrypt(val, identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypt %q: %w", k, err)
		}
		out[k] = plaintext
	}
	return out, nil
}

// HasEncryptedValues reports whether any value in v, nested lists included,
// uses ENC[...].
func HasEncryptedValues(v *viper.Viper) bool {
	for _, key := range v.AllKeys() {
		if containsEncrypted(v.Get(key)) {
			return true
		}
	}
	return false
}

func decryptValue(val any, identities []age.Identity) (any, bool, error) {
	switch t := val.(type) {
	case string:
		if !IsEncrypted(t) {
			return t, false, nil
		}
		plaintext, err := Decrypt(t, identities...)
		if err != nil {
			return nil, false, err
		}
		return plaintext, true, nil
	case map[string]any:
		changed := false
		out := make(map[string]any, len(t))
		for k, item := range t {
			dec, c, err := decryptValue(item, identities)
			if err != nil {
				return nil, false, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = dec
			changed = changed || c
		}
		return out, changed, nil
	case []any:
		changed := false
		out := make([]any, len(t))
		for i, item := range t {
			dec, c, err := decryptValue(item, identities)
			if err != nil {
				return nil, false, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = dec
			changed = changed || c
		}
		return out, changed, nil
	case []map[string]any:
		items := make([]any, len(t))
		for i, m := range t {
			items[i] = m
		}
		return decryptValue(items, identities)
	}
	return val, false, nil
}

func containsEncrypted(val any) bool {
	switch t := val.(type) {
	case string:
		return IsEncrypted(t)
	case map[string]any:
		for _, item := range t {
			if containsEncrypted(item) {
				return true
			}
		}
	case []any:
		for _, item := range t {
			if containsEncrypted(item) {
				return true
			}
		}
	case []map[string]any:
		for _, item := range t {
			if containsEncrypted(item) {
				return true
			}
		}
	}
	return false
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[1:])
}
