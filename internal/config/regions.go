package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed regions.yaml
var regionsYAML embed.FS

// Region is one entry from the region registry. The sync engine only consumes
// Code and Currency; the rest is carried through for the API layer.
type Region struct {
	Code     string `yaml:"code" json:"code"`
	Name     string `yaml:"name" json:"name"`
	Currency string `yaml:"currency" json:"currency"`
	Timezone string `yaml:"timezone" json:"timezone"`

	// HubSpot account wiring. TokenEnv names the environment variable holding
	// the region's private-app token; empty falls back to HUBSPOT_TOKEN.
	PortalID string `yaml:"portal_id" json:"portal_id"`
	TokenEnv string `yaml:"token_env" json:"-"`
}

// Registry holds the read-only list of region descriptors.
type Registry struct {
	Regions []Region `yaml:"regions"`
}

// LoadRegions reads the region registry: the file at path when one is named,
// otherwise the embedded regions.yaml. A named override that cannot be read
// is an error, never silently replaced by the embedded data.
func LoadRegions(path string) (*Registry, error) {
	var data []byte
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading region registry %s: %w", path, err)
		}
		data = fileData
	} else {
		embedded, err := regionsYAML.ReadFile("regions.yaml")
		if err != nil {
			return nil, fmt.Errorf("reading embedded region registry: %w", err)
		}
		data = embedded
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing region registry: %w", err)
	}
	if len(reg.Regions) == 0 {
		return nil, fmt.Errorf("region registry is empty")
	}
	return &reg, nil
}

// Find returns the region for a code, case-insensitive.
func (r *Registry) Find(code string) (Region, bool) {
	for _, region := range r.Regions {
		if strings.EqualFold(region.Code, code) {
			return region, true
		}
	}
	return Region{}, false
}

// Token resolves the CRM credential for a region: its own token env var
// first, then the global HUBSPOT_TOKEN fallback.
func (r Region) Token() string {
	if r.TokenEnv != "" {
		if tok := strings.TrimSpace(os.Getenv(r.TokenEnv)); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(os.Getenv("HUBSPOT_TOKEN"))
}

// LoadDotenv loads a .env file if present. Missing files are not an error;
// real deployments configure the environment directly.
func LoadDotenv() {
	_ = godotenv.Load()
}
