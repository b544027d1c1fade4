package release

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/security"
)

// ExtractTarball unpacks a plain or gzip-compressed tarball into destDir and returns
// the regular files written. Entries escaping destDir are rejected; links are
// skipped since boot partitions are FAT.
func ExtractTarball(tarPath, destDir string, validator *security.Validator) ([]string, error) {
	validator.Reset()

	f, err := os.Open(tarPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open tar")
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open gzip stream")
		}
		defer gz.Close()
		r = gz
	}

	tarReader := tar.NewReader(r)
	var files []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "tar read error")
		}

		if strings.TrimLeft(path.Clean("/"+header.Name), "/") == "" {
			continue
		}
		target, err := security.ResolveUnder(destDir, header.Name)
		if err != nil {
			return nil, errors.Wrap(err, "invalid path in tar")
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, errors.Wrap(err, "failed to create directory")
			}

		case tar.TypeReg:
			if err := validator.ValidateFileSize(header.Size); err != nil {
				return nil, err
			}
			if err := validator.AddDeploymentSize(header.Size); err != nil {
				return nil, err
			}

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, errors.Wrap(err, "failed to create parent dir")
			}

			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm()|0600)
			if err != nil {
				return nil, errors.Wrap(err, "failed to create file")
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return nil, errors.Wrap(err, "failed to write file")
			}
			if err := outFile.Close(); err != nil {
				return nil, errors.Wrap(err, "failed to write file")
			}
			files = append(files, target)

		default:
			slog.Debug("release_tar_entry_skipped", "name", header.Name, "type", string(header.Typeflag))
		}
	}

	slog.Info("release_tar_extracted", "archive", tarPath, "files", len(files),
		"size_mb", validator.DeployedSize()/1024/1024)
	return files, nil
}
