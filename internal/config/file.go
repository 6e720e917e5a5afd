package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/lifeline/internal/logging"
)

// DefaultBackupCount is how many previous versions Save keeps.
const DefaultBackupCount = 5

// Backup is one saved previous version of the config file. Index 0 is
// "<file>.bak", the newest; n > 0 is "<file>.bak.n".
type Backup struct {
	Path    string
	Index   int
	ModTime time.Time
	Size    int64
}

func backupPath(path string, index int) string {
	if index == 0 {
		return path + ".bak"
	}
	return path + ".bak." + strconv.Itoa(index)
}

// AtomicWrite replaces path with data via a temp file in the same
// directory, so readers see either the old or the new content.
func AtomicWrite(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".lifeline-*.tmp")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("config: syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("config: closing temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: replacing %s: %w", path, err)
	}
	return nil
}

// BackupAndWrite keeps up to keep previous versions of path, then writes
// data atomically. A failed backup is logged and does not block the write.
func BackupAndWrite(path string, data []byte, keep int) error {
	if keep <= 0 {
		keep = DefaultBackupCount
	}
	if err := backup(path, keep); err != nil {
		logging.L_warn("config: backup failed, saving anyway", "error", err)
	}
	if err := AtomicWrite(path, data, 0o600); err != nil {
		return err
	}
	logging.L_debug("config: saved", "path", path)
	return nil
}

// backup shifts .bak.n to .bak.n+1, dropping the oldest, and copies the
// current file to .bak. A missing file is not an error.
func backup(path string, keep int) error {
	current, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	_ = os.Remove(backupPath(path, keep-1))
	for i := keep - 2; i >= 0; i-- {
		if err := os.Rename(backupPath(path, i), backupPath(path, i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.L_trace("config: rotating backup failed", "index", i, "error", err)
		}
	}
	return os.WriteFile(backupPath(path, 0), current, 0o600)
}

// ListBackups returns the backups of path, newest first.
func ListBackups(path string) []Backup {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []Backup
	for _, e := range entries {
		idx, ok := backupIndex(base, e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Backup{Path: filepath.Join(dir, e.Name()), Index: idx, ModTime: info.ModTime(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func backupIndex(base, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, base+".bak")
	if !ok {
		return 0, false
	}
	if rest == "" {
		return 0, true
	}
	n, err := strconv.Atoi(strings.TrimPrefix(rest, "."))
	if err != nil || n <= 0 || !strings.HasPrefix(rest, ".") {
		return 0, false
	}
	return n, true
}

// RestoreBackup writes backup index over path after checking it parses.
// The current file becomes the newest backup.
func RestoreBackup(path string, index int) error {
	src := backupPath(path, index)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("config: backup %d: %w", index, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: backup %d is not valid YAML: %w", index, err)
	}
	if err := BackupAndWrite(path, data, DefaultBackupCount); err != nil {
		return err
	}
	logging.L_info("config: backup restored", "from", src, "to", path)
	return nil
}
