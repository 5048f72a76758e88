package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, `{
		"networks": [
			{"interface_id": "10", "interface_name": "can0"}
		]
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Networks, 1)
	assert.Equal(t, "can0", cfg.Networks[0].InterfaceName)
	// Defaults survive a partial file.
	assert.Equal(t, "fleetedge/checkin", cfg.Transport.CheckinTopic)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.NotEmpty(t, cfg.Store.Bucket)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		"networks": [
			{"interface_id": "10", "interface_name": "can0", "timestamp_type": "kernel_software", "force_can_fd": true},
			{"interface_id": "20", "interface_name": "can1"}
		],
		"custom_interfaces": [
			{"interface_id": "30", "period_ms": 250}
		],
		"obd": {
			"interface_name": "can0",
			"pid_request_interval_s": 5,
			"dtc_request_interval_s": 60,
			"broadcast_obd_requests": true
		},
		"transport": {
			"broker_url": "tcp://gateway:1883",
			"decoder_manifest_topic": "v/1/manifest",
			"scheme_list_topic": "v/1/schemes",
			"checkin_topic": "v/1/checkin"
		},
		"checkin_period_ms": 30000,
		"metrics_port": 9100
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Networks, 2)
	assert.True(t, cfg.Networks[0].ForceCanFD)
	assert.Equal(t, uint32(5), cfg.OBD.PIDRequestIntervalS)
	assert.Equal(t, "v/1/checkin", cfg.Transport.CheckinTopic)
	assert.Equal(t, int64(30000), cfg.CheckinPeriod().Milliseconds())
	assert.Equal(t, 9100, cfg.MetricsPort)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing interface id", `{"networks":[{"interface_name":"can0"}]}`},
		{"missing interface name", `{"networks":[{"interface_id":"10"}]}`},
		{"duplicate interface id", `{"networks":[
			{"interface_id":"10","interface_name":"can0"},
			{"interface_id":"10","interface_name":"can1"}]}`},
		{"bad timestamp type", `{"networks":[
			{"interface_id":"10","interface_name":"can0","timestamp_type":"gps"}]}`},
		{"custom duplicate of network id", `{
			"networks":[{"interface_id":"10","interface_name":"can0"}],
			"custom_interfaces":[{"interface_id":"10"}]}`},
		{"obd interval without interface", `{"obd":{"pid_request_interval_s":5}}`},
		{"bad metrics port", `{"metrics_port": 700000}`},
		{"not json", `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestSourceConfigConversion(t *testing.T) {
	network := CANNetwork{
		InterfaceID:   "10",
		InterfaceName: "can0",
		TimestampType: "kernel_hardware",
		ForceCanFD:    true,
		IdleTimeMs:    25,
	}
	sourceConfig := network.SourceConfig()
	assert.Equal(t, "can0", sourceConfig.InterfaceName)
	assert.True(t, sourceConfig.ForceCanFD)
	assert.Equal(t, uint32(25), sourceConfig.IdleTimeMs)
}
