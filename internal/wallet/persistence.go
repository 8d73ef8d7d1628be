package wallet

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// historyCheckpoint is the on-disk shape of the balance_history flat file,
// atomically rewritten via the same temp-file + rename pattern
// internal/position.Store uses for its checkpoint.
type historyCheckpoint struct {
	BalanceHistory []Snapshot `yaml:"balance_history"`
}

// LoadHistory reads the persisted snapshot history from path. A missing
// file is not an error (fresh start).
func LoadHistory(path string) ([]Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wallet: load %s: %w", path, err)
	}

	var cp historyCheckpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("wallet: parse %s: %w", path, err)
	}
	return cp.BalanceHistory, nil
}

// PersistHistory atomically rewrites path with history.
func PersistHistory(path string, history []Snapshot) error {
	data, err := yaml.Marshal(historyCheckpoint{BalanceHistory: history})
	if err != nil {
		return fmt.Errorf("wallet: marshal history: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("wallet: mkdir %s: %w", dir, err)
		}
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("wallet: write %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("wallet: rename %s: %w", tempPath, err)
	}
	return nil
}
