package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9443\n"))
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Attestation.VerificationTimeout)
	assert.False(t, cfg.HAL.Native)
	assert.True(t, cfg.HAL.MediaCapture)
	assert.Equal(t, 3, cfg.HAL.DegradeAfterFailures)
	assert.Equal(t, 5, cfg.HAL.LockoutAfterFailures)
	assert.Equal(t, 5*time.Minute, cfg.Lockout.TemporaryDuration)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "none", cfg.Events.Backend)
	assert.True(t, cfg.Attestation.Challenge.Required)
	assert.Equal(t, "memory", cfg.Attestation.Challenge.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Attestation.Challenge.TTL)
	assert.InDelta(t, 0.9, cfg.Roles.MinBiometricConfidence, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
attestation:
  verification_timeout: 2s
  android:
    enabled: true
    package_name: com.aegis.console
hal:
  native: true
  hardware_bridge: true
lockout:
  temporary_duration: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Attestation.VerificationTimeout)
	assert.Equal(t, "com.aegis.console", cfg.Attestation.Android.PackageName)
	assert.True(t, cfg.HAL.Native)
	assert.True(t, cfg.HAL.HardwareBridge)
	assert.Equal(t, 30*time.Second, cfg.Lockout.TemporaryDuration)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8080},
			Attestation: AttestationConfig{
				VerificationTimeout: time.Second,
				Challenge:           ChallengeConfig{Required: true, Backend: "memory", TTL: time.Minute},
			},
			HAL:     HALConfig{DegradeAfterFailures: 3, LockoutAfterFailures: 5},
			Lockout: LockoutConfig{Backend: "memory", TemporaryDuration: time.Minute},
			Roles:   RolesConfig{MinBiometricConfidence: 0.9},
			Storage: StorageConfig{Backend: "memory"},
			Events:  EventsConfig{Backend: "none"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Attestation.VerificationTimeout = 0 }, wantErr: true},
		{name: "android without package", mutate: func(c *Config) { c.Attestation.Android.Enabled = true }, wantErr: true},
		{name: "ios without root", mutate: func(c *Config) { c.Attestation.IOS.Enabled = true }, wantErr: true},
		{name: "lockout before degrade", mutate: func(c *Config) { c.HAL.LockoutAfterFailures = 2 }, wantErr: true},
		{name: "confidence out of range", mutate: func(c *Config) { c.Roles.MinBiometricConfidence = 1.5 }, wantErr: true},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: true},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Events.Backend = "kafka" }, wantErr: true},
		{name: "unknown challenge backend", mutate: func(c *Config) { c.Attestation.Challenge.Backend = "etcd" }, wantErr: true},
		{name: "zero challenge ttl", mutate: func(c *Config) { c.Attestation.Challenge.TTL = 0 }, wantErr: true},
		{name: "fan out to two backends", mutate: func(c *Config) {
			c.Events.Backend = "nats, kafka"
			c.Kafka.Brokers = []string{"localhost:9092"}
		}},
		{name: "kafka in a list without brokers", mutate: func(c *Config) { c.Events.Backend = "nats,kafka" }, wantErr: true},
		{name: "unknown backend in a list", mutate: func(c *Config) { c.Events.Backend = "nats,carrier-pigeon" }, wantErr: true},
		{name: "empty events backend", mutate: func(c *Config) { c.Events.Backend = " , " }, wantErr: true},
		{name: "spiffe without trust domain", mutate: func(c *Config) { c.Security.SPIFFEEnabled = true }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventsConfig_Backends(t *testing.T) {
	assert.Equal(t, []string{"nats", "kafka"}, EventsConfig{Backend: " NATS ,kafka,"}.Backends())
	assert.Equal(t, []string{"none"}, EventsConfig{Backend: "none"}.Backends())
	assert.Empty(t, EventsConfig{}.Backends())
}
