// Package config loads and validates the agent configuration file. The
// file is JSON with one section per component; every section has a
// Validate method and sensible defaults so a minimal file works.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hefroy/fleetedge/errors"
	"github.com/hefroy/fleetedge/source/cansource"
	"github.com/hefroy/fleetedge/source/custom"
	"github.com/hefroy/fleetedge/source/obd"
	"github.com/hefroy/fleetedge/store"
	"github.com/hefroy/fleetedge/transport"
)

// CANNetwork binds one cloud-issued interface id to a local socket-CAN
// interface.
type CANNetwork struct {
	// InterfaceID is the id the decoder manifest uses for this bus.
	InterfaceID string `json:"interface_id"`
	// InterfaceName is the local device, e.g. "can0".
	InterfaceName string `json:"interface_name"`
	// TimestampType selects polling, kernel_software, or
	// kernel_hardware frame timestamps.
	TimestampType string `json:"timestamp_type"`
	ForceCanFD    bool   `json:"force_can_fd"`
	IdleTimeMs    uint32 `json:"idle_time_ms"`
}

// CustomInterface binds one cloud-issued interface id to a custom
// source.
type CustomInterface struct {
	InterfaceID string `json:"interface_id"`
	PeriodMs    uint32 `json:"period_ms"`
}

// Config is the full agent configuration.
type Config struct {
	Networks         []CANNetwork      `json:"networks"`
	CustomInterfaces []CustomInterface `json:"custom_interfaces"`
	OBD              obd.Config        `json:"obd"`
	Transport        transport.Config  `json:"transport"`
	Store            store.KVConfig    `json:"store"`
	// CheckinPeriodMs paces the checkin sender; 0 keeps the default.
	CheckinPeriodMs uint32 `json:"checkin_period_ms"`
	// SchemeManagerIdleTimeMs bounds the manager's sleep; 0 keeps the
	// default.
	SchemeManagerIdleTimeMs uint32 `json:"scheme_manager_idle_time_ms"`
	// MetricsPort exposes Prometheus metrics over HTTP; 0 disables.
	MetricsPort int `json:"metrics_port"`
}

// Default returns the built-in defaults applied before the file is
// decoded over them.
func Default() Config {
	return Config{
		Store: store.DefaultKVConfig(),
		Transport: transport.Config{
			DecoderManifestTopic: "fleetedge/decoder-manifest",
			SchemeListTopic:      "fleetedge/collection-schemes",
			CheckinTopic:         "fleetedge/checkin",
		},
		MetricsPort: 9090,
	}
}

// Load reads, decodes, and validates the configuration file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WrapInvalid(err, "config", "Load", "file read")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.WrapInvalid(err, "config", "Load", "file decode")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	seenIDs := make(map[string]struct{})
	for i := range c.Networks {
		network := &c.Networks[i]
		if network.InterfaceID == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
				fmt.Sprintf("network %d interface id", i))
		}
		if _, dup := seenIDs[network.InterfaceID]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate interface id %s", network.InterfaceID),
				"config", "Validate", "network uniqueness")
		}
		seenIDs[network.InterfaceID] = struct{}{}
		sourceConfig := network.SourceConfig()
		if err := sourceConfig.Validate(); err != nil {
			return err
		}
		if _, err := cansource.ParseTimestampType(network.TimestampType); err != nil {
			return errors.WrapInvalid(err, "config", "Validate", "timestamp type")
		}
	}
	for i := range c.CustomInterfaces {
		iface := &c.CustomInterfaces[i]
		if iface.InterfaceID == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
				fmt.Sprintf("custom interface %d id", i))
		}
		if _, dup := seenIDs[iface.InterfaceID]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate interface id %s", iface.InterfaceID),
				"config", "Validate", "custom interface uniqueness")
		}
		seenIDs[iface.InterfaceID] = struct{}{}
	}
	if err := c.OBD.Validate(); err != nil {
		return err
	}
	if c.Transport.BrokerURL != "" {
		if err := c.Transport.Validate(); err != nil {
			return err
		}
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid metrics port %d", c.MetricsPort),
			"config", "Validate", "metrics port")
	}
	return nil
}

// SourceConfig converts a network entry into the CAN source config.
func (n *CANNetwork) SourceConfig() cansource.Config {
	timestampType, _ := cansource.ParseTimestampType(n.TimestampType)
	return cansource.Config{
		InterfaceName: n.InterfaceName,
		TimestampType: timestampType,
		ForceCanFD:    n.ForceCanFD,
		IdleTimeMs:    n.IdleTimeMs,
	}
}

// CustomSourceConfig converts a custom interface entry.
func (i *CustomInterface) CustomSourceConfig() custom.Config {
	return custom.Config{InterfaceID: i.InterfaceID, PeriodMs: i.PeriodMs}
}

// CheckinPeriod returns the configured pacing as a duration.
func (c *Config) CheckinPeriod() time.Duration {
	if c.CheckinPeriodMs == 0 {
		return 0
	}
	return time.Duration(c.CheckinPeriodMs) * time.Millisecond
}
