package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestInit_DevStd_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	l := Init(Config{
		Service: "demo",
		Version: "v0.0.1",
		Env:     EnvDev,
		Backend: BackendStd,
		Level:   slog.LevelDebug,
		Output:  &buf,
	})
	l.Info("hello world", "topic", "control/r1")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected text output in dev, got JSON: %s", out)
	}
	for _, want := range []string{"hello world", "service=demo", "env=dev", "topic=control/r1"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}
}

func TestInit_ProdStd_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := Init(Config{Service: "demo", Env: EnvProd, Backend: BackendStd, Output: &buf})
	l.Info("joined", "room", "r1")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected JSON line, got %s: %v", buf.String(), err)
	}
	if rec["room"] != "r1" || rec["service"] != "demo" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestInit_Zap_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := Init(Config{Service: "demo", Env: EnvStage, Output: &buf})
	l.Warn("reconnecting", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, `"reconnecting"`) || !strings.Contains(out, `"WARN"`) {
		t.Errorf("unexpected zap output: %s", out)
	}
}

func TestInit_DebugFiltered(t *testing.T) {
	var buf bytes.Buffer
	l := Init(Config{Env: EnvDev, Backend: BackendStd, Level: slog.LevelInfo, Output: &buf})
	l.Debug("noise")
	if buf.Len() != 0 {
		t.Errorf("debug record should be filtered: %s", buf.String())
	}
}

func TestParseEnv(t *testing.T) {
	tests := map[string]Env{
		"production": EnvProd,
		"PROD":       EnvProd,
		"staging":    EnvStage,
		"":           EnvDev,
		"whatever":   EnvDev,
	}
	for in, want := range tests {
		if got := ParseEnv(in); got != want {
			t.Errorf("ParseEnv(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestDetectEnv(t *testing.T) {
	t.Setenv("CLASSLINK_ENV", "")
	t.Setenv("APP_ENV", "prod")
	if DetectEnv() != EnvProd {
		t.Error("APP_ENV fallback not honored")
	}
	t.Setenv("CLASSLINK_ENV", "stage")
	if DetectEnv() != EnvStage {
		t.Error("CLASSLINK_ENV should win over APP_ENV")
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}
	l := Discard()
	if OrDefault(l) != l {
		t.Error("OrDefault should keep a non-nil logger")
	}
}
