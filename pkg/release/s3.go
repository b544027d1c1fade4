package release

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/security"
)

// ObjectStore is the part of the S3 API the provider uses. *s3.Client satisfies it.
type ObjectStore interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config locates a release in a bucket.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	// Anonymous skips credential lookup, for public release mirrors.
	Anonymous bool
	// Release is the key prefix of the release, e.g. "2023_R2_P1".
	Release string
	// BootArchive is a tarball key under Release holding the boot partition. When
	// set, BootFiles names members of the archive; otherwise BootFiles are keys
	// under Release.
	BootArchive string
	BootFiles   []string
	ImageKey    string
	CacheDir    string
	// Checksums maps keys, relative to Release or absolute, to their expected
	// hex SHA256. Objects without an entry are not checked.
	Checksums map[string]string
}

// S3 implements capability.ReleaseProvider and capability.ImageProvider.
type S3 struct {
	cfg       S3Config
	store     ObjectStore
	index     Index
	validator *security.Validator
}

// NewS3Client creates an S3 client for the configured region and endpoint.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	slog.Info("s3_client_init", "bucket", cfg.Bucket, "region", cfg.Region, "anonymous", cfg.Anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("s3_client_created", "bucket", cfg.Bucket)
	return client, nil
}

// NewS3 creates the provider. index and validator may be nil; without an index
// every call downloads again.
func NewS3(cfg S3Config, store ObjectStore, index Index, validator *security.Validator) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.Configuration("release: bucket is required")
	}
	if cfg.CacheDir == "" {
		return nil, errors.Configuration("release: cache directory is required")
	}
	if store == nil {
		return nil, errors.Configuration("release: object store is required")
	}
	if validator == nil {
		validator = security.NewValidator(1<<30, 8<<30)
	}
	return &S3{cfg: cfg, store: store, index: index, validator: validator}, nil
}

func (s *S3) key(name string) string {
	return path.Join(s.cfg.Release, name)
}

// BootFiles returns local copies of the release boot files.
func (s *S3) BootFiles(ctx context.Context) ([]string, error) {
	if s.cfg.BootArchive == "" {
		if len(s.cfg.BootFiles) == 0 {
			return nil, errors.Configuration("release %s: no boot files configured", s.cfg.Release)
		}
		files := make([]string, 0, len(s.cfg.BootFiles))
		for _, name := range s.cfg.BootFiles {
			a, err := s.Fetch(ctx, s.key(name))
			if err != nil {
				return nil, err
			}
			files = append(files, a.LocalPath)
		}
		return files, nil
	}

	archive, err := s.Fetch(ctx, s.key(s.cfg.BootArchive))
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(filepath.Dir(archive.LocalPath), "boot_files")
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrap(err, "failed to clear boot file directory")
	}
	extracted, err := ExtractTarball(archive.LocalPath, dir, s.validator)
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract "+archive.Key)
	}

	if len(s.cfg.BootFiles) == 0 {
		slices.Sort(extracted)
		return extracted, nil
	}

	files := make([]string, 0, len(s.cfg.BootFiles))
	for _, member := range s.cfg.BootFiles {
		p, err := security.ResolveUnder(dir, member)
		if err != nil {
			return nil, errors.Configuration("release: boot file %s: %v", member, err)
		}
		if !slices.Contains(extracted, p) {
			return nil, errors.InvalidState("release %s: archive %s has no %s", s.cfg.Release, archive.Key, member)
		}
		files = append(files, p)
	}
	return files, nil
}

// Image returns a local copy of the full disk image.
func (s *S3) Image(ctx context.Context) (string, error) {
	if s.cfg.ImageKey == "" {
		return "", errors.Configuration("release %s: no image configured", s.cfg.Release)
	}
	a, err := s.Fetch(ctx, s.key(s.cfg.ImageKey))
	if err != nil {
		return "", err
	}
	return a.LocalPath, nil
}

// Fetch returns the cached copy of key when its digest still matches the index,
// and downloads it otherwise.
func (s *S3) Fetch(ctx context.Context, key string) (*Artifact, error) {
	local, err := security.ResolveUnder(s.cfg.CacheDir, key)
	if err != nil {
		return nil, errors.Configuration("release: key %s: %v", key, err)
	}

	if s.index != nil {
		cached, err := s.index.LookupArtifact(ctx, key)
		if err != nil {
			return nil, err
		}
		if cached != nil && cached.LocalPath == local {
			sum, err := fileSHA256(local)
			if err == nil && sum == cached.SHA256 && s.checksumMatches(key, sum) {
				slog.Info("release_cache_hit", "s3_key", key, "local_path", local)
				return cached, nil
			}
			slog.Warn("release_cache_stale", "s3_key", key, "local_path", local, "error", err)
		}
	}

	a, err := s.Download(ctx, key, local)
	if err != nil {
		return nil, err
	}

	if s.index != nil {
		if err := s.index.RecordArtifact(ctx, a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Download fetches an object into localPath and computes its SHA256. The file is
// written next to its destination and renamed once complete.
func (s *S3) Download(ctx context.Context, key, localPath string) (*Artifact, error) {
	slog.Info("s3_download_start", "bucket", s.cfg.Bucket, "s3_key", key)

	result, err := s.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}

	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", tmp, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if !s.checksumMatches(key, checksum) {
		os.Remove(tmp)
		want, _ := s.expectedChecksum(key)
		slog.Error("s3_checksum_mismatch", "s3_key", key, "sha256", checksum, "expected", want)
		return nil, errors.InvalidState("release: checksum mismatch for %s: got %s, want %s", key, checksum, want)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return nil, errors.Wrap(err, "failed to move download into cache")
	}

	slog.Info("s3_download_complete",
		"s3_key", key,
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &Artifact{
		Key:       key,
		SHA256:    checksum,
		LocalPath: localPath,
		Size:      size,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Keys lists the objects of the configured release.
func (s *S3) Keys(ctx context.Context) ([]string, error) {
	prefix := s.cfg.Release
	if prefix != "" {
		prefix += "/"
	}
	slog.Info("s3_list_start", "bucket", s.cfg.Bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.store, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))
	return keys, nil
}

func (s *S3) expectedChecksum(key string) (string, bool) {
	if sum, ok := s.cfg.Checksums[key]; ok {
		return sum, true
	}
	rel, found := strings.CutPrefix(key, s.cfg.Release+"/")
	if s.cfg.Release == "" || !found {
		return "", false
	}
	sum, ok := s.cfg.Checksums[rel]
	return sum, ok
}

func (s *S3) checksumMatches(key, sum string) bool {
	want, ok := s.expectedChecksum(key)
	return !ok || strings.EqualFold(want, sum)
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
