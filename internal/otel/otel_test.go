package otel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("no-op provider missing instruments")
	}
	_, span := p.Tracer.Start(context.Background(), "noop")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitFileExporter(t *testing.T) {
	home := t.TempDir()
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "file",
		HomeDir:  home,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	_, span := p.Tracer.Start(context.Background(), "test.span")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "spans.jsonl"))
	if err != nil {
		t.Fatalf("read spans: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("spans file empty after shutdown flush")
	}
}

func TestInitMetricsToggle(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       "none",
		MetricsEnabled: &off,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	// A no-op meter still hands out working instruments.
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	m.EventsAppended.Add(context.Background(), 1)
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("want error for unknown exporter")
	}
}
