package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ios.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
service_name: SchedulerService
standard_mqtt:
  connection:
    broker: broker.local
    port: 1883
  topics:
    subscriptions:
      sensor.trigger: "ios/{version}/sensor/grating/trigger"
      status.heartbeat: "ios/{version}/status/{serviceName}/heartbeat"
    publications:
      motion.move: "ios/{version}/motion/control/move"
  messages:
    version: v1
    max_retries: 3
`

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, res, err := Load(path, "SchedulerService")
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if !res.OK() {
		t.Fatalf("validation errors: %v", res.Errors)
	}
	if cfg.StandardMqtt.Connection.Broker != "broker.local" {
		t.Errorf("broker = %q", cfg.StandardMqtt.Connection.Broker)
	}
}

func TestClientIDDefault(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, _, err := Load(path, "SchedulerService")
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if cfg.StandardMqtt.Connection.ClientID != "IOS.SchedulerService" {
		t.Errorf("client_id = %q, want IOS.SchedulerService", cfg.StandardMqtt.Connection.ClientID)
	}
}

func TestTemplateResolution(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, _, err := Load(path, "SchedulerService")
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	sub := cfg.StandardMqtt.Topics.Subscriptions["status.heartbeat"]
	want := "ios/v1/status/schedulerservice/heartbeat"
	if sub != want {
		t.Errorf("resolved subscription = %q, want %q", sub, want)
	}
	if strings.Contains(cfg.StandardMqtt.Topics.Subscriptions["sensor.trigger"], "{version}") {
		t.Error("{version} not resolved in sensor.trigger pattern")
	}
}

func TestTemplateTimestampAndEnvironment(t *testing.T) {
	t.Setenv("IOS_ENVIRONMENT", "Staging")
	yaml := `
service_name: Sample
standard_mqtt:
  connection:
    broker: b
    port: 1883
  topics:
    publications:
      daily: "ios/{environment}/{timestamp}/report"
`
	path := writeConfig(t, yaml)
	cfg, _, err := Load(path, "Sample")
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	got := cfg.StandardMqtt.Topics.Publications["daily"]
	want := "ios/Staging/" + time.Now().UTC().Format("20060102") + "/report"
	if got != want {
		t.Errorf("resolved publication = %q, want %q", got, want)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"empty broker",
			"service_name: S\nstandard_mqtt:\n  connection:\n    broker: \"\"\n    port: 1883\n",
			"broker",
		},
		{
			"port out of range",
			"service_name: S\nstandard_mqtt:\n  connection:\n    broker: b\n    port: 70000\n",
			"port",
		},
		{
			"bad log level",
			"service_name: S\nlog_level: loud\nstandard_mqtt:\n  connection:\n    broker: b\n    port: 1883\n",
			"log_level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, res, err := Load(path, "S")
			if err != nil {
				t.Fatalf("Load(): %v", err)
			}
			if res.OK() {
				t.Fatal("validation passed, want error")
			}
			found := false
			for _, e := range res.Errors {
				if strings.Contains(e, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v missing %q", res.Errors, tt.wantErr)
			}
		})
	}
}

func TestEmptyTopicsWarnOnly(t *testing.T) {
	yaml := "service_name: S\nstandard_mqtt:\n  connection:\n    broker: b\n    port: 1883\n"
	path := writeConfig(t, yaml)

	_, res, err := Load(path, "S")
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if !res.OK() {
		t.Errorf("empty topic sets produced errors: %v", res.Errors)
	}
	if len(res.Warnings) < 2 {
		t.Errorf("want warnings for empty subscription and publication sets, got %v", res.Warnings)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_BROKER_HOST", "env.broker")
	yaml := "service_name: S\nstandard_mqtt:\n  connection:\n    broker: ${TEST_BROKER_HOST}\n    port: 1883\n"
	path := writeConfig(t, yaml)

	cfg, _, err := Load(path, "S")
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if cfg.StandardMqtt.Connection.Broker != "env.broker" {
		t.Errorf("broker = %q, want env.broker", cfg.StandardMqtt.Connection.Broker)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/ios.yaml"); err == nil {
		t.Error("FindConfig(missing explicit path) succeeded")
	}
}

func TestBrokerURL(t *testing.T) {
	cfg := Default("S")
	cfg.StandardMqtt.Connection.Broker = "host"
	cfg.StandardMqtt.Connection.Port = 8883
	if got := cfg.BrokerURL(); got != "mqtt://host:8883" {
		t.Errorf("BrokerURL() = %q", got)
	}
	cfg.StandardMqtt.Connection.UseTLS = true
	if got := cfg.BrokerURL(); got != "mqtts://host:8883" {
		t.Errorf("BrokerURL() with TLS = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	if _, err := ParseLogLevel("trace"); err != nil {
		t.Errorf("ParseLogLevel(trace): %v", err)
	}
	if _, err := ParseLogLevel("bogus"); err == nil {
		t.Error("ParseLogLevel(bogus) succeeded")
	}
}
