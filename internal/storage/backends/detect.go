// Package backends builds the byte store router from configuration. The
// upload backend is chosen once at startup and injected into the drive.
package backends

import (
	"context"
	"fmt"
	"time"

	"github.com/fruitsalade/clouddrive/internal/config"
	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/storage"
	"github.com/fruitsalade/clouddrive/internal/storage/local"
	"github.com/fruitsalade/clouddrive/internal/storage/remote"
	s3backend "github.com/fruitsalade/clouddrive/internal/storage/s3"
)

// Capability records which backend receives uploads and why.
type Capability struct {
	Upload string // "local", "s3" or "remote"
	Reason string
}

const probeTimeout = 5 * time.Second

// Detect builds a Router. In "auto" mode the remote blob service is tried
// first, then S3, then the local tree. Explicit modes fail when their
// backend is unavailable. The local backend and a remote URL proxy are
// always registered as readers so older locations stay downloadable.
func Detect(ctx context.Context, cfg *config.Config) (*storage.Router, Capability, error) {
	localBackend, err := local.New(local.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true})
	if err != nil {
		return nil, Capability{}, fmt.Errorf("local storage: %w", err)
	}
	remoteBackend := remote.New(remote.Config{UploadURL: cfg.RemoteUploadURL, Timeout: cfg.RemoteTimeout})

	var s3Backend *s3backend.Backend
	openS3 := func() error {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		b, err := s3backend.New(pctx, s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return err
		}
		s3Backend = b
		return nil
	}
	probeRemote := func() error {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		return remoteBackend.Probe(pctx)
	}

	var (
		primary storage.Backend
		capab   Capability
	)
	switch cfg.StorageBackend {
	case "local":
		primary, capab = localBackend, Capability{Upload: "local", Reason: "configured"}
	case "s3":
		if err := openS3(); err != nil {
			return nil, Capability{}, fmt.Errorf("s3 storage: %w", err)
		}
		primary, capab = s3Backend, Capability{Upload: "s3", Reason: "configured"}
	case "remote":
		if err := probeRemote(); err != nil {
			return nil, Capability{}, fmt.Errorf("remote storage: %w", err)
		}
		primary, capab = remoteBackend, Capability{Upload: "remote", Reason: "configured"}
	default:
		primary, capab = localBackend, Capability{Upload: "local", Reason: "fallback"}
		if cfg.RemoteUploadURL != "" {
			err := probeRemote()
			if err == nil {
				primary, capab = remoteBackend, Capability{Upload: "remote", Reason: "blob service reachable"}
				break
			}
			logging.Warn("remote blob service unavailable", logging.Err(err))
		}
		if cfg.S3Endpoint != "" {
			err := openS3()
			if err == nil {
				primary, capab = s3Backend, Capability{Upload: "s3", Reason: "bucket reachable"}
				break
			}
			logging.Warn("s3 unavailable", logging.Err(err))
		}
	}

	var readers []storage.Backend
	if s3Backend != nil {
		readers = append(readers, s3Backend)
	}
	readers = append(readers, localBackend, remoteBackend)

	logging.Info("storage capability detected",
		logging.String("upload_backend", capab.Upload),
		logging.String("reason", capab.Reason))
	return storage.NewRouter(primary, readers...), capab, nil
}
