package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeValidConfig(t *testing.T) {
	yaml := `node_name: rack-01
store:
  driver: sqlite
  path: /tmp/runs.db
max_retries: 5
timeout_sec: 30
`

	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}

	if cfg.NodeName != "rack-01" {
		t.Fatalf("unexpected node name: %s", cfg.NodeName)
	}
	if cfg.Store.Driver != StoreDriverSQLite {
		t.Fatalf("unexpected store driver: %s", cfg.Store.Driver)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("expected max_retries 5, got %d", cfg.MaxRetries)
	}
	if cfg.TimeoutSec != 30 {
		t.Fatalf("expected timeout 30, got %d", cfg.TimeoutSec)
	}
	if got := cfg.SensorNoise(); got != 2.0 {
		t.Fatalf("expected default sensor noise 2.0, got %v", got)
	}
	if !cfg.RealisticDelays() {
		t.Fatal("expected realistic delays enabled by default")
	}
	if cfg.RateLimitPerMinute != 10 {
		t.Fatalf("expected default rate limit 10, got %d", cfg.RateLimitPerMinute)
	}
	if cfg.Timeout() != 30*time.Second {
		t.Fatalf("unexpected timeout duration: %v", cfg.Timeout())
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	yaml := `node_name: rack-01
store:
  driver: memory
bogus_field: true
`
	if _, err := decode(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateDetectsMissingFields(t *testing.T) {
	yaml := `node_name: ""
store:
  driver: sqlite
  path: ""
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Problems) == 0 {
		t.Fatal("expected problems to be reported")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Config{
		NodeName:           "rack-01",
		Store:              StoreConfig{Driver: "postgres"},
		MaxRetries:         3,
		TimeoutSec:         60,
		RateLimitPerMinute: 10,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail for unsupported driver")
	}
}

func TestValidateEtcdDriverRequiresEndpoints(t *testing.T) {
	yaml := `node_name: rack-01
store:
  driver: etcd
`
	if _, err := decode(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected validation error for missing etcd endpoints")
	}
}

func TestValidateTLSRequiresFiles(t *testing.T) {
	cfg := Config{
		NodeName: "rack-01",
		Store: StoreConfig{
			Driver:        StoreDriverEtcd,
			EtcdEndpoints: []string{"https://127.0.0.1:2379"},
			EtcdTLS:       &EtcdTLSConfig{Enabled: true},
		},
		MaxRetries:         3,
		TimeoutSec:         60,
		RateLimitPerMinute: 10,
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation to fail for incomplete TLS config")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Problems) != 3 {
		t.Fatalf("expected three TLS problems, got %v", verr.Problems)
	}
}

func TestValidateSensorNoiseBounds(t *testing.T) {
	noise := 120.0
	cfg := Default()
	cfg.SensorNoisePercent = &noise
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail for out-of-range sensor noise")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Store.Driver != StoreDriverSQLite {
		t.Fatalf("expected sqlite default driver, got %s", cfg.Store.Driver)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected default max_retries 3, got %d", cfg.MaxRetries)
	}
}
