package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateAPIKey returns the stored key, generating one (mode 0600) on
// first start.
func LoadOrCreateAPIKey(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		var key = strings.TrimSpace(string(data))
		if key != "" {
			return key, nil
		}
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	var key = hex.EncodeToString(raw[:])

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing api key: %w", err)
	}
	return key, nil
}
