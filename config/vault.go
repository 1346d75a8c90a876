// Package config loads node configuration and secrets, following the
// teacher's Vault-backed SecretManager pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading node secrets
// (identity signing keys, NATS credentials).
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at address and
// authenticated with token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetSecret reads a secret at path and returns the raw data map.
func (s *SecretManager) GetSecret(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	return secret.Data, nil
}

// GetKV2 reads from a KV v2 backend and unwraps the inner "data" map.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	raw, err := s.GetSecret(path)
	if err != nil {
		return nil, err
	}
	data, ok := raw["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// NodeSecrets is the identity material a node loads from Vault at
// startup: an Ed25519 signing seed and the NATS credentials file
// contents, both kept as the raw strings stored in Vault. cmd/happennode
// loads them but does not decode or use them.
type NodeSecrets struct {
	SigningKeySeed string
	NatsCreds      string
}

// LoadNodeSecrets reads the KV v2 path conventionally named
// "secret/data/happen/<nodeName>" for a node's identity material. Absent
// fields are left empty — callers decide whether that's fatal.
func (s *SecretManager) LoadNodeSecrets(nodeName string) (NodeSecrets, error) {
	data, err := s.GetKV2(fmt.Sprintf("secret/data/happen/%s", nodeName))
	if err != nil {
		return NodeSecrets{}, err
	}
	out := NodeSecrets{}
	if v, ok := data["signing_key_seed"].(string); ok {
		out.SigningKeySeed = v
	}
	if v, ok := data["nats_creds"].(string); ok {
		out.NatsCreds = v
	}
	return out, nil
}

// Runtime is the non-secret runtime configuration a node reads from its
// environment at bootstrap (spec §3 Node fields, §4.7 Flow-Balance
// thresholds) — mirroring the teacher's env-driven service bootstrap.
type Runtime struct {
	NodeName        string
	NatsURL         string
	VaultAddr       string
	VaultToken      string
	ConcurrencyCap  int
	TimeoutDefault  time.Duration
	TemporalHistory int
	TemporalMaxAge  string
	PollingInterval time.Duration
	OTLPEndpoint    string

	MinorLag    int64
	ModerateLag int64
	SevereLag   int64
	CriticalLag int64
	MinAckRate  float64
}

// FromEnv populates a Runtime from the process environment, applying the
// same sensible defaults the teacher's service bootstraps use.
func FromEnv() Runtime {
	return Runtime{
		NodeName:        getenv("HAPPEN_NODE_NAME", "node"),
		NatsURL:         getenv("NATS_URL", "nats://localhost:4222"),
		VaultAddr:       getenv("VAULT_ADDR", "http://localhost:8200"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		ConcurrencyCap:  getenvInt("HAPPEN_CONCURRENCY_CAP", 64),
		TimeoutDefault:  getenvDuration("HAPPEN_TIMEOUT_DEFAULT", 30*time.Second),
		TemporalHistory: getenvInt("HAPPEN_TEMPORAL_HISTORY", 10000),
		TemporalMaxAge:  getenv("HAPPEN_TEMPORAL_MAX_AGE", "30d"),
		PollingInterval: getenvDuration("HAPPEN_POLLING_INTERVAL", 5*time.Second),
		OTLPEndpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		MinorLag:    getenvInt64("HAPPEN_FLOWBALANCE_MINOR_LAG", 100),
		ModerateLag: getenvInt64("HAPPEN_FLOWBALANCE_MODERATE_LAG", 500),
		SevereLag:   getenvInt64("HAPPEN_FLOWBALANCE_SEVERE_LAG", 1000),
		CriticalLag: getenvInt64("HAPPEN_FLOWBALANCE_CRITICAL_LAG", 5000),
		MinAckRate:  getenvFloat("HAPPEN_FLOWBALANCE_MIN_ACK_RATE", 0.5),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getenvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
