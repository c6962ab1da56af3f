package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/attestnet/coordinator/internal/coordinator/writebuffer"
	"github.com/attestnet/coordinator/pkg/types"
)

type quotaFile struct {
	Write  *writebuffer.Limits `yaml:"write"`
	Read   *writebuffer.Limits `yaml:"read"`
	Delete *writebuffer.Limits `yaml:"delete"`
}

// LoadQuotaLimits returns the per-class rate limits, overridden by the YAML
// quota file when one is configured. Classes absent from the file keep
// their defaults.
func LoadQuotaLimits(path string) (map[types.OpClass]writebuffer.Limits, error) {
	limits := writebuffer.DefaultLimits()
	if path == "" {
		return limits, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quota file %s: %w", path, err)
	}

	var qf quotaFile
	if err := yaml.Unmarshal(raw, &qf); err != nil {
		return nil, fmt.Errorf("parse quota file %s: %w", path, err)
	}

	for class, override := range map[types.OpClass]*writebuffer.Limits{
		types.OpWrite:  qf.Write,
		types.OpRead:   qf.Read,
		types.OpDelete: qf.Delete,
	} {
		if override == nil {
			continue
		}
		if override.PerSecond < 0 || override.PerMinute < 0 {
			return nil, fmt.Errorf("quota file %s: negative limit for %s ops", path, class)
		}
		limits[class] = *override
	}
	return limits, nil
}
