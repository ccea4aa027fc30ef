package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// FileWriteHandler handles file write operations.
type FileWriteHandler struct{}

// Handle writes content to a file. The file is left alone when content,
// mode and ownership already match.
func (h *FileWriteHandler) Handle(ctx context.Context, params *protocol.FileWriteParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileWriteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	content := []byte(params.Content)
	hash := sha256.Sum256(content)
	result := &protocol.FileWriteResult{
		Checksum: fmt.Sprintf("%x", hash),
	}

	existing, err := os.ReadFile(params.Path)
	fileExists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read existing file: %w", err)
	}
	if !fileExists && !params.Create {
		return nil, fmt.Errorf("file does not exist and create=false: %s", params.Path)
	}

	if !fileExists || !bytes.Equal(existing, content) {
		if params.Backup && fileExists {
			backupPath := params.Path + ".bak"
			if err := copyFile(params.Path, backupPath); err != nil {
				return nil, fmt.Errorf("failed to create backup: %w", err)
			}
			result.BackupPath = backupPath
		}

		if err := os.MkdirAll(filepath.Dir(params.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(params.Path, content, 0600); err != nil {
			return nil, fmt.Errorf("failed to write file: %w", err)
		}
		result.BytesWritten = int64(len(content))
		result.Created = !fileExists
		result.Changed = true
	}

	changed, err := applyAttributes(params.Path, params.Mode, params.Owner, params.Group)
	if err != nil {
		return nil, err
	}
	result.Changed = result.Changed || changed

	return result, nil
}

// FileReadHandler handles file read operations.
type FileReadHandler struct{}

// Handle reads content from a file. A missing file is reported with
// Exists=false rather than as an error.
func (h *FileReadHandler) Handle(ctx context.Context, params *protocol.FileReadParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileReadResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	info, err := os.Stat(params.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return &protocol.FileReadResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	result := &protocol.FileReadResult{
		Exists: true,
		Size:   info.Size(),
		Mode:   fmt.Sprintf("%04o", info.Mode().Perm()),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		result.Owner = strconv.FormatUint(uint64(stat.Uid), 10)
		result.Group = strconv.FormatUint(uint64(stat.Gid), 10)
	}

	maxBytes := params.MaxBytes
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024 // 10 MB default limit
	}

	file, err := os.Open(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	result.Content = string(content)
	result.Truncated = int64(len(content)) >= maxBytes && info.Size() > maxBytes

	hash := sha256.Sum256(content)
	result.Checksum = fmt.Sprintf("%x", hash)

	return result, nil
}

// FileDeleteHandler handles file removal.
type FileDeleteHandler struct{}

// Handle removes a file if it exists.
func (h *FileDeleteHandler) Handle(ctx context.Context, params *protocol.FileDeleteParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileDeleteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	info, err := os.Lstat(params.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return &protocol.FileDeleteResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("refusing to delete directory %s as a file", params.Path)
	}
	if err := os.Remove(params.Path); err != nil {
		return nil, fmt.Errorf("failed to delete file: %w", err)
	}
	return &protocol.FileDeleteResult{Changed: true}, nil
}

// DirEnsureHandler handles directory creation and removal.
type DirEnsureHandler struct{}

// Handle brings a directory to the requested state.
func (h *DirEnsureHandler) Handle(ctx context.Context, params *protocol.DirEnsureParams, eventCh chan<- *protocol.EventMessage) (*protocol.DirEnsureResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	info, err := os.Stat(params.Path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if exists && !info.IsDir() {
		return nil, fmt.Errorf("%s exists and is not a directory", params.Path)
	}

	switch params.State {
	case protocol.StatePresent:
		result := &protocol.DirEnsureResult{Action: "unchanged"}
		if !exists {
			mkdir := os.Mkdir
			if params.Recursive {
				mkdir = os.MkdirAll
			}
			if err := mkdir(params.Path, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
			result.Changed = true
			result.Action = "created"
		}
		changed, err := applyAttributes(params.Path, params.Mode, params.Owner, params.Group)
		if err != nil {
			return nil, err
		}
		if changed && exists {
			result.Changed = true
			result.Action = "updated"
		}
		return result, nil

	case protocol.StateAbsent:
		if !exists {
			return &protocol.DirEnsureResult{Action: "unchanged"}, nil
		}
		remove := os.Remove
		if params.Recursive {
			remove = os.RemoveAll
		}
		if err := remove(params.Path); err != nil {
			return nil, fmt.Errorf("failed to remove directory: %w", err)
		}
		return &protocol.DirEnsureResult{Changed: true, Action: "removed"}, nil

	default:
		return nil, fmt.Errorf("invalid state: %s", params.State)
	}
}

// applyAttributes sets mode and ownership on path, reporting whether
// anything was modified.
func applyAttributes(path, mode, owner, group string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	changed := false
	if mode != "" {
		m, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			return false, fmt.Errorf("invalid mode: %w", err)
		}
		if info.Mode().Perm() != os.FileMode(m).Perm() {
			if err := os.Chmod(path, os.FileMode(m)); err != nil {
				return false, fmt.Errorf("failed to set mode: %w", err)
			}
			changed = true
		}
	}

	if owner == "" && group == "" {
		return changed, nil
	}

	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return false, fmt.Errorf("failed to look up user %s: %w", owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return false, fmt.Errorf("failed to look up group %s: %w", group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if (uid == -1 || uint32(uid) == stat.Uid) && (gid == -1 || uint32(gid) == stat.Gid) {
			return changed, nil
		}
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return false, fmt.Errorf("failed to set ownership: %w", err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	sourceInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, sourceInfo.Mode())
}
