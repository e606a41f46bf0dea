package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/dropmesh/dropmesh/interfaces"
)

// VaultStore persists records in HashiCorp Vault's KV v2 engine. Record
// keys map onto secret paths under a mount, so Scan uses the metadata
// list API.
type VaultStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultStore creates a Vault-backed record store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault authentication token
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "dropmesh")
func NewVaultStore(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
	}, nil
}

// Put stores a record under key using the KV v2 data format.
func (s *VaultStore) Put(ctx context.Context, key string, record []byte) error {
	path := s.secretPath("data", key)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"record": base64.StdEncoding.EncodeToString(record),
		},
	}

	_, err := s.client.Logical().WriteWithContext(ctx, path, secretData)
	if err != nil {
		s.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	s.log.Debug("Stored record in Vault", slog.String("key", key), slog.Int("size", len(record)))
	return nil
}

// Get retrieves a record from the KV v2 data endpoint.
func (s *VaultStore) Get(ctx context.Context, key string) ([]byte, error) {
	path := s.secretPath("data", key)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrRecordNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	encoded, ok := data["record"].(string)
	if !ok {
		return nil, fmt.Errorf("record key not found in Vault data")
	}

	record, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid record encoding in Vault data: %w", err)
	}
	return record, nil
}

// Scan lists keys under prefix via the metadata endpoint and fetches
// each record. Vault lists one level at a time, so the walk recurses
// into folder entries.
func (s *VaultStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	if err := s.scanDir(ctx, "", prefix, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *VaultStore) scanDir(ctx context.Context, dir, prefix string, out map[string][]byte) error {
	path := s.secretPath("metadata", dir)

	secret, err := s.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil
	}

	for _, entry := range keys {
		name, ok := entry.(string)
		if !ok {
			continue
		}
		full := dir + name

		if strings.HasSuffix(name, "/") {
			// Descend only into folders that can still match the prefix.
			if strings.HasPrefix(full, prefix) || strings.HasPrefix(prefix, full) {
				if err := s.scanDir(ctx, full, prefix, out); err != nil {
					return err
				}
			}
			continue
		}

		if !strings.HasPrefix(full, prefix) {
			continue
		}
		record, err := s.Get(ctx, full)
		if err != nil {
			s.log.Warn("Failed to fetch record during scan", slog.String("key", full), "err", err)
			continue
		}
		out[full] = record
	}
	return nil
}

// Delete removes a record and its version history.
func (s *VaultStore) Delete(ctx context.Context, key string) error {
	path := s.secretPath("metadata", key)

	_, err := s.client.Logical().DeleteWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns the backend identifier.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// secretPath builds a KV v2 API path. op is "data" or "metadata".
func (s *VaultStore) secretPath(op, key string) string {
	if s.dataPath == "" {
		return fmt.Sprintf("%s/%s/%s", s.mountPath, op, key)
	}
	return fmt.Sprintf("%s/%s/%s/%s", s.mountPath, op, s.dataPath, key)
}
