package security

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Validator checks boot artifacts and their destinations before they are deployed
// to a board.
type Validator struct {
	maxFileSize  int64
	maxTotalSize int64

	mu       sync.Mutex
	deployed int64
}

// NewValidator limits single artifacts to maxFileSize and one deployment to
// maxTotalSize bytes.
func NewValidator(maxFileSize, maxTotalSize int64) *Validator {
	slog.Debug("artifact_limits", "max_file_bytes", maxFileSize, "max_deployment_bytes", maxTotalSize)

	return &Validator{
		maxFileSize:  maxFileSize,
		maxTotalSize: maxTotalSize,
	}
}

// ValidateRemotePath checks a destination path on the board. Absolute and relative
// paths are accepted, but a path may not climb out of where it starts.
func ValidateRemotePath(p string) error {
	if p == "" {
		return fmt.Errorf("security: empty destination path")
	}
	if strings.ContainsRune(p, 0) {
		slog.Error("security_path_validation_failed", "path", p, "reason", "nul_byte")
		return fmt.Errorf("security: destination path contains NUL: %q", p)
	}

	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			slog.Error("security_path_validation_failed", "path", p, "reason", "path_traversal")
			return fmt.Errorf("security: path traversal detected: %s", p)
		}
	}
	return nil
}

// ValidateBootFiles checks a local-to-remote boot file map.
func ValidateBootFiles(files map[string]string) error {
	for local, remote := range files {
		if local == "" {
			return fmt.Errorf("security: empty source path for %s", remote)
		}
		if err := ValidateRemotePath(remote); err != nil {
			return err
		}
	}
	return nil
}

// ResolveUnder maps dst, absolute or relative, to a path inside root. Leading slashes
// are taken relative to root; anything that would escape root is rejected.
func ResolveUnder(root, dst string) (string, error) {
	if err := ValidateRemotePath(dst); err != nil {
		return "", err
	}

	rel := strings.TrimLeft(path.Clean("/"+dst), "/")
	if rel == "" {
		slog.Error("security_path_validation_failed", "path", dst, "reason", "root_destination")
		return "", fmt.Errorf("security: destination resolves to the medium root: %s", dst)
	}

	full := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, filepath.Clean(root)+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", dst, "resolved", full, "reason", "path_traversal")
		return "", fmt.Errorf("security: path traversal detected: %s", dst)
	}
	return full, nil
}

// ValidateArtifact checks that a local artifact is a regular file within the size
// limits and counts it toward the deployment total.
func (v *Validator) ValidateArtifact(localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		slog.Error("security_artifact_missing", "path", localPath, "error", err)
		return fmt.Errorf("security: artifact %s: %w", localPath, err)
	}
	if !info.Mode().IsRegular() {
		slog.Error("security_artifact_validation_failed", "path", localPath, "reason", "not_regular_file")
		return fmt.Errorf("security: artifact %s is not a regular file", localPath)
	}

	if err := v.ValidateFileSize(info.Size()); err != nil {
		return err
	}
	return v.AddDeploymentSize(info.Size())
}

func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("artifact_too_large", "bytes", size, "limit", v.maxFileSize)
		return fmt.Errorf("security: artifact of %d bytes is over the %d byte limit", size, v.maxFileSize)
	}
	return nil
}

// AddDeploymentSize tracks the total size of one deployment and checks it against
// the limit.
func (v *Validator) AddDeploymentSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.deployed += size
	if v.deployed > v.maxTotalSize {
		slog.Error("deployment_too_large", "bytes", v.deployed, "limit", v.maxTotalSize, "last_artifact_bytes", size)
		return fmt.Errorf("security: deployment of %d bytes is over the %d byte limit", v.deployed, v.maxTotalSize)
	}
	return nil
}

// Reset starts a new deployment.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deployed = 0
}

// DeployedSize is the byte count of the current deployment.
func (v *Validator) DeployedSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deployed
}
