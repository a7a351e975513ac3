package localstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	envHome      = "RELAY_HOME" // override for tests
	dirName      = ".relay"     // default under $HOME
	dbFilename   = "relay.db"
	deviceIDFile = "device-id"
)

// DataDir returns the directory where local state is stored. An explicit dir
// wins over RELAY_HOME, which wins over ~/.relay. The directory is created
// with 0700 permissions if it does not exist.
func DataDir(explicit string) (string, error) {
	dir := explicit
	if dir == "" {
		dir = os.Getenv(envHome)
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user home: %w", err)
		}
		dir = filepath.Join(home, dirName)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// DBPath returns the absolute path to the SQLite database file.
func DBPath(explicit string) (string, error) {
	dir, err := DataDir(explicit)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, dbFilename), nil
}

// DeviceID returns the persisted device id, generating one on first use.
func DeviceID(explicit string) (string, error) {
	dir, err := DataDir(explicit)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, deviceIDFile)
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
