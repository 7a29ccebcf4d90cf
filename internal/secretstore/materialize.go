// ABOUTME: Atomic materialization of secret values to disk.
// ABOUTME: Temp file, fsync, rename and directory fsync so readers never see a torn file.

package secretstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	secretFileMode = 0o600
	secretDirMode  = 0o700
)

// MaterializeToDisk writes value to target atomically. Writing a value with
// the same fingerprint to the same target again in the current cycle is a
// no-op.
func (c *Client) MaterializeToDisk(value Value, target string) (Lease, error) {
	if target == "" {
		return Lease{}, errors.New("materialize target is required")
	}
	fingerprint := value.Fingerprint()
	lease := Lease{
		ID:          value.LeaseID,
		Path:        value.Path,
		Value:       value,
		ExpiresAt:   value.ExpiresAt,
		Target:      target,
		Fingerprint: fingerprint,
	}
	if lease.ID == "" {
		lease.ID = uuid.New().String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.written[target] == fingerprint {
		if _, err := os.Stat(target); err == nil {
			c.logger.Debug("secret unchanged, skipping write", "lease", lease)
			return lease, nil
		}
	}

	if err := WriteFileAtomic(target, value.Bytes()); err != nil {
		return Lease{}, err
	}
	c.written[target] = fingerprint
	c.logger.Info("materialized secret", "lease", lease)
	return lease, nil
}

// ResetCycle forgets which secrets were written, so the next cycle rewrites them.
func (c *Client) ResetCycle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.written)
}

// WriteFileAtomic replaces path with data. The parent directory is created
// with mode 0700 and the file with mode 0600.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, secretDirMode); err != nil {
		return fmt.Errorf("creating secret directory: %w", err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary secret file: %w", err)
	}
	temporaryPath := file.Name()

	if err := file.Chmod(secretFileMode); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("setting secret file mode: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary secret file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary secret file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary secret file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming secret file into place: %w", err)
	}

	parentDirectory, err := os.Open(dir)
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}
