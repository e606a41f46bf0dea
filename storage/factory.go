package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dropmesh/dropmesh/interfaces"
)

// StoreFactory creates record stores from location URIs.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a factory instance.
func NewStoreFactory(log *slog.Logger) *StoreFactory {
	return &StoreFactory{log: log}
}

// StoreFor creates a record store from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - In-process storage, for tests and single-run tooling
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2 storage
func (sf *StoreFactory) StoreFor(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	switch strings.ToLower(loc.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return sf.createFileStore(loc)
	case "s3":
		return sf.createS3Store(loc)
	case "vault":
		return sf.createVaultStore(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// createFileStore creates a filesystem record store.
// URI format: file:///absolute/path or file://relative/path
func (sf *StoreFactory) createFileStore(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating file store", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %q", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileStore(path, sf.log)
}

// createS3Store creates an S3 record store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-west-2&endpoint=custom.s3.com
func (sf *StoreFactory) createS3Store(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating S3 store", slog.String("uri", loc.String()))

	bucket := loc.Host
	if bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket in S3 URI %q", interfaces.ErrInvalidLocationURI, loc.String())
	}
	prefix := strings.TrimPrefix(loc.Path, "/")

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := loc.GetParam("endpoint")

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}

	return NewS3Store(bucket, prefix, region, endpoint, accessKey, secretKey, sf.log)
}

// createVaultStore creates a Vault record store.
// URI format: vault://host:port/mount/path?token=...&tls=true
func (sf *StoreFactory) createVaultStore(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	sf.log.Debug("Creating Vault store", slog.String("uri", loc.String()))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing host in Vault URI %q", interfaces.ErrInvalidLocationURI, loc.String())
	}

	scheme := "http"
	if loc.GetParam("tls") == "true" {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	mountPath := "secret"
	dataPath := "dropmesh"
	if len(parts) > 0 && parts[0] != "" {
		mountPath = parts[0]
	}
	if len(parts) > 1 {
		dataPath = parts[1]
	}

	return NewVaultStore(address, loc.GetParam("token"), mountPath, dataPath, sf.log)
}
