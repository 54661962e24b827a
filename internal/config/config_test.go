package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.PollInterval != 2*time.Second {
		t.Fatalf("poll interval = %s", cfg.HTTP.PollInterval)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Queue.Driver != "redis" || cfg.Images.Driver != "filesystem" {
		t.Fatalf("unexpected drivers: %+v %+v %+v", cfg.Store, cfg.Queue, cfg.Images)
	}
	if cfg.Worker.ReadFailurePolicy != "fail" || cfg.Submission.OnEnqueueFailure != "leave" {
		t.Fatalf("unexpected policies: %+v %+v", cfg.Worker, cfg.Submission)
	}
	if diff := cmp.Diff([]string{"localhost:9092"}, cfg.Queue.Kafka.Brokers); diff != "" {
		t.Fatalf("brokers (-want +got):\n%s", diff)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapcheck.yml")
	yaml := `
store:
  driver: postgres
queue:
  driver: kafka
  kafka:
    brokers: ["k1:9092", "k2:9092"]
worker:
  concurrency: 0
  read_failure_policy: retry
images:
  max_bytes: -5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SNAPCHECK_QUEUE_NAME", "analysis")
	t.Setenv("SNAPCHECK_HTTP_POLL_INTERVAL", "750ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Queue.Driver != "kafka" {
		t.Fatalf("file values not applied: %+v %+v", cfg.Store, cfg.Queue)
	}
	if diff := cmp.Diff([]string{"k1:9092", "k2:9092"}, cfg.Queue.Kafka.Brokers); diff != "" {
		t.Fatalf("brokers (-want +got):\n%s", diff)
	}
	if cfg.Queue.Name != "analysis" || cfg.HTTP.PollInterval != 750*time.Millisecond {
		t.Fatalf("env overrides not applied: name=%q poll=%s", cfg.Queue.Name, cfg.HTTP.PollInterval)
	}
	if cfg.Worker.Concurrency != defaultConcurrency || cfg.Images.MaxBytes != defaultMaxImageBytes {
		t.Fatalf("invalid numbers not normalised: %d %d", cfg.Worker.Concurrency, cfg.Images.MaxBytes)
	}
	if cfg.Worker.ReadFailurePolicy != "retry" {
		t.Fatalf("read failure policy = %q", cfg.Worker.ReadFailurePolicy)
	}
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SNAPCHECK_QUEUE_DRIVER", "carrier-pigeon")
	t.Setenv("SNAPCHECK_WORKER_READ_FAILURE_POLICY", "ignore")
	_, err := Load("")
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"queue.driver", "worker.read_failure_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
