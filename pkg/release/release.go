// Package release supplies the boot files, and optionally the full disk image, that a
// workflow deploys: fixed local paths, or a release mirrored in an S3 bucket and
// cached on the lab host.
package release

import (
	"context"
	"log/slog"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/security"
)

// Artifact is one cached download.
type Artifact struct {
	Key       string
	SHA256    string
	LocalPath string
	Size      int64
	FetchedAt time.Time
}

// Index remembers cached downloads so later runs can reuse them after checking
// the file still hashes to the recorded digest.
type Index interface {
	// LookupArtifact returns nil, nil for an unknown key.
	LookupArtifact(ctx context.Context, key string) (*Artifact, error)
	RecordArtifact(ctx context.Context, a *Artifact) error
}

// Static serves boot files that already exist on the host.
type Static struct {
	files     []string
	image     string
	validator *security.Validator
}

// NewStatic creates a provider for fixed files. validator may be nil.
func NewStatic(files []string, image string, validator *security.Validator) *Static {
	return &Static{files: files, image: image, validator: validator}
}

func (s *Static) BootFiles(ctx context.Context) ([]string, error) {
	if s.validator != nil {
		s.validator.Reset()
	}
	for _, f := range s.files {
		if err := s.check(f); err != nil {
			return nil, err
		}
	}
	slog.Info("release_static_files", "count", len(s.files))
	return append([]string(nil), s.files...), nil
}

func (s *Static) Image(ctx context.Context) (string, error) {
	if s.image == "" {
		return "", errors.Configuration("release: no image configured")
	}
	if s.validator != nil {
		s.validator.Reset()
	}
	if err := s.check(s.image); err != nil {
		return "", err
	}
	return s.image, nil
}

func (s *Static) check(path string) error {
	if s.validator == nil {
		return nil
	}
	if err := s.validator.ValidateArtifact(path); err != nil {
		return errors.Configuration("release: %v", err)
	}
	return nil
}
