package travel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultEngineDefinitions(t *testing.T) {
	defs := DefaultEngineDefinitions()

	flights := defs.BaseParams(EngineFlights)
	if flights["hl"] != "en" || flights["gl"] != "us" || flights["currency"] != "USD" {
		t.Fatalf("unexpected flight params: %v", flights)
	}
	if flights["stops"] != "1" {
		t.Fatalf("flights extras missing: %v", flights)
	}

	hotels := defs.BaseParams(EngineHotels)
	if _, ok := hotels["stops"]; ok {
		t.Fatalf("hotel params should not inherit flight extras: %v", hotels)
	}
}

func TestLoadEngineDefinitionsEmptyPathFallsBack(t *testing.T) {
	defs, err := LoadEngineDefinitions("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Engines) != 2 {
		t.Fatalf("expected built-in engines, got %d", len(defs.Engines))
	}
}

func TestLoadEngineDefinitionsFromFile(t *testing.T) {
	content := `
engines:
  google_flights:
    language: fr
    country: fr
    currency: EUR
    extras:
      stops: "0"
`
	path := filepath.Join(t.TempDir(), "engines.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	defs, err := LoadEngineDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	flights := defs.BaseParams(EngineFlights)
	if flights["hl"] != "fr" || flights["currency"] != "EUR" || flights["stops"] != "0" {
		t.Fatalf("file overrides not applied: %v", flights)
	}

	// 文件中缺失的引擎回填内置默认值。
	hotels := defs.BaseParams(EngineHotels)
	if hotels["currency"] != "USD" {
		t.Fatalf("missing engine should fall back to defaults: %v", hotels)
	}
}

func TestLoadEngineDefinitionsErrors(t *testing.T) {
	if _, err := LoadEngineDefinitions(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("engines: ["), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadEngineDefinitions(path); err == nil {
		t.Fatal("malformed yaml should fail")
	}
}
