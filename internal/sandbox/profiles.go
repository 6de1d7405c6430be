package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ResourceProfile sets the container's resource ceilings. Profiles are
// data, not code: a new tier is a new entry, no logic change.
type ResourceProfile struct {
	Name      string `yaml:"name"`
	MemoryMB  int64  `yaml:"memory_mb"`
	NanoCPUs  int64  `yaml:"nano_cpus"`
	PidsLimit int64  `yaml:"pids_limit"`
}

var builtinProfiles = map[string]ResourceProfile{
	"light":    {Name: "light", MemoryMB: 512, NanoCPUs: 1_000_000_000, PidsLimit: 128},
	"standard": {Name: "standard", MemoryMB: 2048, NanoCPUs: 2_000_000_000, PidsLimit: 256},
	"heavy":    {Name: "heavy", MemoryMB: 8192, NanoCPUs: 4_000_000_000, PidsLimit: 512},
}

// ProfileByName resolves a built-in profile. Unknown names fall back to
// standard.
func ProfileByName(name string) ResourceProfile {
	if p, ok := builtinProfiles[name]; ok {
		return p
	}
	return builtinProfiles["standard"]
}

// LoadProfiles reads additional profiles from a YAML file and merges
// them over the built-ins. A missing file keeps the built-ins only.
func LoadProfiles(path string) (map[string]ResourceProfile, error) {
	merged := make(map[string]ResourceProfile, len(builtinProfiles))
	for k, v := range builtinProfiles {
		merged[k] = v
	}
	if path == "" {
		return merged, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return merged, nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var doc struct {
		Profiles []ResourceProfile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	for _, p := range doc.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile with empty name")
		}
		merged[p.Name] = p
	}
	return merged, nil
}
