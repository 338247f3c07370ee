package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceIDFile = "instance_id"

// LoadOrCreateInstanceID returns the daemon's persistent instance ID,
// generating a UUIDv7 into dataDir on first run. The ID keeps the
// default client ID stable across restarts so the broker resumes the
// same session identity.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// DefaultClientID derives a client ID from the instance ID:
// "mqttsensord-" followed by the last eight hex digits. The tail of a
// UUIDv7 is random; the head is a timestamp shared by IDs minted in
// the same millisecond.
func DefaultClientID(instanceID string) string {
	hex := strings.ReplaceAll(instanceID, "-", "")
	if len(hex) > 8 {
		hex = hex[len(hex)-8:]
	}
	if hex == "" {
		return "mqttsensord"
	}
	return "mqttsensord-" + hex
}
