package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/engine"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const validConfig = `
server:
  listen_v4: "0.0.0.0:8080"
  listen_v6: "none"
  dumps_dir: "/tmp/gateway-dumps"
  clear_dumps_on_start: true

models:
  - name: big-model
    primary: true
    engine: llama.cpp
    local_tokenizer:
      binary: /usr/local/bin/tokenize
      per_message_overhead: 4
    variants:
      - binary: /usr/local/bin/llama-server
        connect: "http://127.0.0.1:9001"
        context: 4096
        tokenize: true
        engine_startup_timeout: 30s
        health_check_timeout: 2s
        engine_idle_timeout: 5m
      - binary: /usr/local/bin/llama-server
        connect: "http://127.0.0.1:9002"
        context: 32768
        tokenize: true
        engine_startup_timeout: 60s
        health_check_timeout: 2s
        engine_idle_timeout: 5m
  - name: small-model
    primary: false
    engine: llama.cpp
    variants:
      - binary: /usr/local/bin/llama-server
        connect: "http://127.0.0.1:9101"
        context: 2048
        engine_startup_timeout: 15s
        health_check_timeout: 2s
        engine_idle_timeout: 2m
`

func TestLoad_Valid(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(cfg.Models))
	}
	if cfg.Models[0].LocalTokenizer == nil {
		t.Fatal("expected big-model to carry a local_tokenizer")
	}
}

func TestLoad_RejectsBothListenersNone(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen_v4: "none"
  listen_v6: "none"
models:
  - name: m
    primary: true
    engine: llama.cpp
    variants:
      - binary: /bin/x
        connect: "http://x"
        context: 100
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when both listeners are none")
	}
}

func TestLoad_RejectsNoModels(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen_v4: "0.0.0.0:8080"
models: []
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error with zero configured models")
	}
}

func TestLoad_RejectsNoPrimary(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen_v4: "0.0.0.0:8080"
models:
  - name: m
    primary: false
    engine: llama.cpp
    variants:
      - binary: /bin/x
        connect: "http://x"
        context: 100
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error with no primary model")
	}
}

func TestLoad_RejectsUnsortedVariants(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen_v4: "0.0.0.0:8080"
models:
  - name: m
    primary: true
    engine: llama.cpp
    variants:
      - binary: /bin/x
        connect: "http://x"
        context: 4096
      - binary: /bin/x
        connect: "http://x2"
        context: 2048
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for descending-context variants")
	}
}

func TestLoad_RejectsZeroContext(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen_v4: "0.0.0.0:8080"
models:
  - name: m
    primary: true
    engine: llama.cpp
    variants:
      - binary: /bin/x
        connect: "http://x"
        context: 0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a non-positive context variant")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestToDomainModels(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	models := ToDomainModels(cfg)
	big, ok := models["big-model"]
	if !ok {
		t.Fatal("expected big-model in domain models")
	}
	if big.Tier != engine.TierPrimary {
		t.Fatalf("expected big-model to be primary tier, got %v", big.Tier)
	}
	if len(big.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(big.Variants))
	}
	if big.LocalTokenizer == nil || big.LocalTokenizer.PerMessageOverhead != 4 {
		t.Fatal("expected local tokenizer to carry through with its overhead")
	}

	small, ok := models["small-model"]
	if !ok {
		t.Fatal("expected small-model in domain models")
	}
	if small.Tier != engine.TierSecondary {
		t.Fatalf("expected small-model to be secondary tier, got %v", small.Tier)
	}
	if small.LocalTokenizer != nil {
		t.Fatal("expected small-model to have no local tokenizer")
	}
}
