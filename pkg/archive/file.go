package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// FileArchive writes statements under a local directory.
type FileArchive struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileArchive(baseDir string) (*FileArchive, error) {
	//nolint:gosec // G301: archive directory is shared with auditors
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (a *FileArchive) Publish(_ context.Context, st contracts.PayoutStatement) (Receipt, error) {
	key, err := objectKey("", st.EpochID, st.StatementID)
	if err != nil {
		return Receipt{}, err
	}
	data, digest, err := Encode(st)
	if err != nil {
		return Receipt{}, err
	}
	path := filepath.Join(a.baseDir, filepath.FromSlash(key))
	rec := Receipt{Location: path, Digest: digest}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return rec, nil
	}
	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Receipt{}, fmt.Errorf("failed to create epoch dir: %w", err)
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: statements are public audit records
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Receipt{}, fmt.Errorf("failed to write statement: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Receipt{}, fmt.Errorf("failed to commit statement: %w", err)
	}
	return rec, nil
}

func (a *FileArchive) Get(_ context.Context, epochID, statementID string) (contracts.PayoutStatement, error) {
	key, err := objectKey("", epochID, statementID)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(a.baseDir, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return contracts.PayoutStatement{}, contracts.Errorf(contracts.ErrStatementNotFound, "statement %s not archived", statementID)
	}
	if err != nil {
		return contracts.PayoutStatement{}, fmt.Errorf("read statement: %w", err)
	}
	return decode(data)
}
