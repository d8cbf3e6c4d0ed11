package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRegionsEmbedded(t *testing.T) {
	reg, err := LoadRegions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Regions) == 0 {
		t.Fatal("embedded registry should not be empty")
	}

	emea, ok := reg.Find("EMEA")
	if !ok {
		t.Fatal("expected EMEA in embedded registry")
	}
	if emea.Currency != "EUR" {
		t.Fatalf("expected EUR for EMEA, got %s", emea.Currency)
	}
}

func TestFindIsCaseInsensitive(t *testing.T) {
	reg, err := LoadRegions("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Find("emea"); !ok {
		t.Fatal("lowercase code should resolve")
	}
	if _, ok := reg.Find("ATLANTIS"); ok {
		t.Fatal("unknown code should not resolve")
	}
}

func TestLoadRegionsFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regions.yaml")
	override := []byte("regions:\n  - code: TEST\n    name: Test Region\n    currency: CHF\n")
	if err := os.WriteFile(path, override, 0o600); err != nil {
		t.Fatal(err)
	}

	reg, err := LoadRegions(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Regions) != 1 || reg.Regions[0].Code != "TEST" {
		t.Fatalf("override file should win, got %+v", reg.Regions)
	}
}

func TestLoadRegionsUnreadableOverrideFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := LoadRegions(path); err == nil {
		t.Fatal("a named override that cannot be read must be an error, not silently replaced")
	}
}

func TestRegionToken(t *testing.T) {
	t.Setenv("HUBSPOT_TOKEN", "global-token")
	t.Setenv("HUBSPOT_TOKEN_EMEA", "emea-token")

	r := Region{Code: "EMEA", TokenEnv: "HUBSPOT_TOKEN_EMEA"}
	if got := r.Token(); got != "emea-token" {
		t.Fatalf("expected region token, got %q", got)
	}

	r = Region{Code: "NA", TokenEnv: "HUBSPOT_TOKEN_NA"}
	if got := r.Token(); got != "global-token" {
		t.Fatalf("expected global fallback, got %q", got)
	}

	r = Region{Code: "UK"}
	if got := r.Token(); got != "global-token" {
		t.Fatalf("expected global fallback with no token env, got %q", got)
	}
}
