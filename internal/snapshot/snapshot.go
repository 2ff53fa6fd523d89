// Package snapshot persists the daily account snapshots that mark a backfill day complete.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/spf13/afero"
)

const (
	fileExtension       = ".json"
	directoryMode       = 0o755
	fileMode            = 0o644
	errorOperationStore = "snapshot"
	errorSubjectFile    = "file"
	errorCodeStat       = "stat"
	errorCodeCreate     = "create"
	errorCodeWrite      = "write"
	errorCodeRead       = "read"
	errorCodeDecode     = "decode"
	errorCodeList       = "list"
)

// Entry is one account document inside a snapshot file.
type Entry struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Source map[string]any `json:"_source"`
}

// FileStore keeps one write-once file per day named <accountIndex>_<date>.json.
type FileStore struct {
	fs           afero.Fs
	directory    string
	accountIndex string
}

// NewFileStore returns a FileStore rooted at directory.
func NewFileStore(fs afero.Fs, directory string, accountIndex string) (*FileStore, error) {
	if fs == nil {
		return nil, fmt.Errorf("%w: filesystem is nil", ledger.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(directory) == "" {
		return nil, fmt.Errorf("%w: snapshot directory is empty", ledger.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(accountIndex) == "" {
		return nil, fmt.Errorf("%w: account index is empty", ledger.ErrInvalidServiceConfig)
	}
	return &FileStore{fs: fs, directory: directory, accountIndex: accountIndex}, nil
}

// Path returns the file that holds the snapshot of day.
func (store *FileStore) Path(day ledger.Day) string {
	return filepath.Join(store.directory, store.accountIndex+"_"+day.String()+fileExtension)
}

// Exists implements ledger.SnapshotStore.
func (store *FileStore) Exists(_ context.Context, day ledger.Day) (bool, error) {
	exists, err := afero.Exists(store.fs, store.Path(day))
	if err != nil {
		return false, wrapSnapshotError(errorCodeStat, err)
	}
	return exists, nil
}

// Write implements ledger.SnapshotStore. An existing snapshot is never replaced.
func (store *FileStore) Write(ctx context.Context, day ledger.Day, accounts []ledger.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries := make([]Entry, 0, len(accounts))
	for _, account := range accounts {
		document := ledger.EncodeAccount(account)
		entries = append(entries, Entry{Index: store.accountIndex, ID: document.ID, Source: document.Body})
	}
	encoded, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return wrapSnapshotError(errorCodeWrite, err)
	}
	if err := store.fs.MkdirAll(store.directory, directoryMode); err != nil {
		return wrapSnapshotError(errorCodeCreate, err)
	}
	path := store.Path(day)
	file, err := store.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ledger.ErrSnapshotExists, path)
		}
		return wrapSnapshotError(errorCodeCreate, err)
	}
	if _, err := file.Write(encoded); err != nil {
		_ = file.Close()
		_ = store.fs.Remove(path)
		return wrapSnapshotError(errorCodeWrite, err)
	}
	if err := file.Close(); err != nil {
		_ = store.fs.Remove(path)
		return wrapSnapshotError(errorCodeWrite, err)
	}
	return nil
}

// Read implements ledger.SnapshotStore. v1 documents are migrated on the way out.
func (store *FileStore) Read(_ context.Context, day ledger.Day) ([]ledger.Account, error) {
	path := store.Path(day)
	raw, err := afero.ReadFile(store.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrSnapshotNotFound, path)
		}
		return nil, wrapSnapshotError(errorCodeRead, err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, wrapSnapshotError(errorCodeDecode, fmt.Errorf("%s: %w", path, err))
	}
	accounts := make([]ledger.Account, 0, len(entries))
	for _, entry := range entries {
		account, err := ledger.DecodeAccount(ledger.Document{ID: entry.ID, Body: entry.Source})
		if err != nil {
			return nil, wrapSnapshotError(errorCodeDecode, fmt.Errorf("%s: %w", path, err))
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// Days lists the days that have a snapshot, oldest first.
func (store *FileStore) Days() ([]ledger.Day, error) {
	infos, err := afero.ReadDir(store.fs, store.directory)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, wrapSnapshotError(errorCodeList, err)
	}
	prefix := store.accountIndex + "_"
	days := make([]ledger.Day, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileExtension) {
			continue
		}
		day, err := ledger.ParseDay(strings.TrimSuffix(strings.TrimPrefix(name, prefix), fileExtension))
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Slice(days, func(left, right int) bool { return days[left].Before(days[right]) })
	return days, nil
}

func wrapSnapshotError(code string, err error) error {
	return ledger.WrapError(errorOperationStore, errorSubjectFile, code, err)
}
