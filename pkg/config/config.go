// Package config loads fleetd's bootstrap configuration — the handful of
// values that must be known before the device can talk to the cloud at
// all (identity seed, cloud/broker endpoints, data directory) — from a
// YAML file on disk. Everything the device can learn from the cloud
// afterwards travels inside TargetState.Config instead (see
// pkg/configdist).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bootstrap is the on-disk configuration fleetd reads once at startup.
type Bootstrap struct {
	DeviceUUID   string `yaml:"device_uuid"`
	APIKey       string `yaml:"api_key"`
	CloudBaseURL string `yaml:"cloud_base_url"`
	BrokerURL    string `yaml:"broker_url"`
	BrokerUser   string `yaml:"broker_user"`
	BrokerPass   string `yaml:"broker_pass"`
	DataDir      string `yaml:"data_dir"`
	AgentVersion string `yaml:"agent_version"`

	// OfflineQueueCap bounds the on-disk offline queue (§4.4). Zero means
	// the package default.
	OfflineQueueCap int `yaml:"offline_queue_cap"`

	// RemoteAccessAddr is the local address the remote_access feature
	// probes to report its health (§9). Empty means the package default.
	RemoteAccessAddr string `yaml:"remote_access_addr"`

	// ProtocolAdapterHealthCmd is the command the protocol_adapters
	// feature runs to probe its own health (§9). Empty means the
	// package default.
	ProtocolAdapterHealthCmd []string `yaml:"protocol_adapter_health_cmd"`
}

// DefaultOfflineQueueCap is used when Bootstrap.OfflineQueueCap is unset.
const DefaultOfflineQueueCap = 500

// DefaultRemoteAccessAddr is used when Bootstrap.RemoteAccessAddr is unset.
const DefaultRemoteAccessAddr = "127.0.0.1:22"

// DefaultProtocolAdapterHealthCmd is used when
// Bootstrap.ProtocolAdapterHealthCmd is unset.
var DefaultProtocolAdapterHealthCmd = []string{"pgrep", "-f", "fleetd-protocol-adapter"}

// Load reads and parses a Bootstrap config from path.
func Load(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Bootstrap
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.OfflineQueueCap <= 0 {
		cfg.OfflineQueueCap = DefaultOfflineQueueCap
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/fleetd"
	}
	if cfg.RemoteAccessAddr == "" {
		cfg.RemoteAccessAddr = DefaultRemoteAccessAddr
	}
	if len(cfg.ProtocolAdapterHealthCmd) == 0 {
		cfg.ProtocolAdapterHealthCmd = DefaultProtocolAdapterHealthCmd
	}

	return &cfg, nil
}

// Validate checks that the fields required before the device can talk to
// the cloud are present.
func (c *Bootstrap) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.CloudBaseURL == "" {
		return fmt.Errorf("cloud_base_url is required")
	}
	return nil
}
