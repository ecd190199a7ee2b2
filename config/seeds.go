package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// SeedManifest lists markets the daemon ensures exist at startup.
type SeedManifest struct {
	Markets []MarketSeed `yaml:"markets"`
}

// MarketSeed declares one market. The deadline is either an absolute unix
// timestamp or a duration relative to boot, never both.
type MarketSeed struct {
	ID       string   `yaml:"id"`
	Theta    int64    `yaml:"theta"`
	Alpha    string   `yaml:"alpha"`
	Deadline int64    `yaml:"deadline"`
	ClosesIn Duration `yaml:"closes_in"`
}

// LoadSeeds reads and validates a seed manifest.
func LoadSeeds(path string) (SeedManifest, error) {
	manifest := SeedManifest{}
	file, err := os.Open(path)
	if err != nil {
		return manifest, fmt.Errorf("open seeds: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&manifest); err != nil {
		return manifest, fmt.Errorf("decode seeds: %w", err)
	}
	if err := validateSeeds(manifest); err != nil {
		return manifest, err
	}
	return manifest, nil
}

func validateSeeds(manifest SeedManifest) error {
	seen := make(map[string]struct{}, len(manifest.Markets))
	for i, seed := range manifest.Markets {
		if seed.ID == "" {
			return fmt.Errorf("markets[%d]: id must not be empty", i)
		}
		if _, dup := seen[seed.ID]; dup {
			return fmt.Errorf("markets[%d]: duplicate id %q", i, seed.ID)
		}
		seen[seed.ID] = struct{}{}
		if seed.Theta <= 0 {
			return fmt.Errorf("markets[%d]: theta must be positive", i)
		}
		if seed.Deadline > 0 && seed.ClosesIn.Duration > 0 {
			return fmt.Errorf("markets[%d]: set either deadline or closes_in, not both", i)
		}
		if seed.Deadline <= 0 && seed.ClosesIn.Duration <= 0 {
			return fmt.Errorf("markets[%d]: a deadline or closes_in is required", i)
		}
		if _, err := seed.AlphaValue(); err != nil {
			return fmt.Errorf("markets[%d]: %v", i, err)
		}
	}
	return nil
}

// DeadlineAt resolves the seed's deadline against the supplied boot time.
func (s MarketSeed) DeadlineAt(now time.Time) int64 {
	if s.Deadline > 0 {
		return s.Deadline
	}
	return now.Add(s.ClosesIn.Duration).Unix()
}

// AlphaValue parses the optional fixed-point alpha override. A nil result
// means the registry default applies.
func (s MarketSeed) AlphaValue() (*big.Int, error) {
	if s.Alpha == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(s.Alpha, 10)
	if !ok {
		return nil, fmt.Errorf("invalid alpha %q", s.Alpha)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("alpha must be positive")
	}
	return value, nil
}
