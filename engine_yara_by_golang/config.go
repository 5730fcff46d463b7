package engine_yara_by_golang

// Unified configuration for the YARA condition simplifier

import (
	"errors"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

// -------------------- Enums --------------------

type Profile int

const (
	// zero value is the default profile
	ProfileDefault Profile = iota
	ProfileDevelopment
	ProfileProduction
)

func (p Profile) String() string {
	switch p {
	case ProfileDefault:
		return "Default"
	case ProfileDevelopment:
		return "Development"
	case ProfileProduction:
		return "Production"
	default:
		return fmt.Sprintf("Profile(%d)", int(p))
	}
}

// -------------------- EngineConfig --------------------

type EngineConfig struct {
	Profile Profile `json:"profile" yaml:"-"`

	// Maximum condition nesting accepted by the parser
	MaxConditionDepth int `json:"max_condition_depth" yaml:"max_condition_depth"`

	// Replace rule conditions by their simplified form when loading rules
	EnableSimplify bool `json:"enable_simplify" yaml:"enable_simplify"`

	// Re-evaluate original and simplified conditions on scanned data and report mismatches
	VerifyEquivalence bool `json:"verify_equivalence" yaml:"verify_equivalence"`

	// Use the literal prefilter before per-string matching
	EnablePrefilter bool `json:"enable_prefilter" yaml:"enable_prefilter"`

	// Upper bound for scanned payloads (bytes)
	MaxScanBytes int `json:"max_scan_bytes" yaml:"max_scan_bytes"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Profile:           ProfileDefault,
		MaxConditionDepth: 1024,
		EnableSimplify:    true,
		VerifyEquivalence: false,
		EnablePrefilter:   true,
		MaxScanBytes:      16 * 1024 * 1024, // 16MB
	}
}

func NewEngineConfig() EngineConfig {
	return DefaultEngineConfig()
}

func ProductionConfig() EngineConfig {
	return EngineConfig{
		Profile:           ProfileProduction,
		MaxConditionDepth: 256,
		EnableSimplify:    true,
		VerifyEquivalence: false,
		EnablePrefilter:   true,
		MaxScanBytes:      64 * 1024 * 1024, // 64MB
	}
}

func DevelopmentConfig() EngineConfig {
	return EngineConfig{
		Profile:           ProfileDevelopment,
		MaxConditionDepth: 4096,
		EnableSimplify:    true,
		VerifyEquivalence: true,
		EnablePrefilter:   false,
		MaxScanBytes:      1024 * 1024, // 1MB
	}
}

func (c EngineConfig) WithMaxConditionDepth(depth int) EngineConfig {
	c.MaxConditionDepth = depth
	return c
}

func (c EngineConfig) WithSimplify(enable bool) EngineConfig {
	c.EnableSimplify = enable
	return c
}

func (c EngineConfig) WithVerifyEquivalence(enable bool) EngineConfig {
	c.VerifyEquivalence = enable
	return c
}

func (c EngineConfig) WithPrefilter(enable bool) EngineConfig {
	c.EnablePrefilter = enable
	return c
}

func (c EngineConfig) WithMaxScanBytes(n int) EngineConfig {
	c.MaxScanBytes = n
	return c
}

func (c EngineConfig) Validate() error {
	if c.MaxConditionDepth <= 0 {
		return errors.New("max_condition_depth must be positive")
	}
	if c.MaxScanBytes <= 0 {
		return errors.New("max_scan_bytes must be positive")
	}
	return nil
}

// -------------------- YAML --------------------

type yamlConfig struct {
	Profile      string `yaml:"profile"`
	EngineConfig `yaml:",inline"`
}

// LoadConfigYAML decodes a YAML document on top of the preset named by its
// "profile" key (default when absent). Missing keys keep the preset values.
func LoadConfigYAML(b []byte) (EngineConfig, error) {
	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(b, &head); err != nil {
		return EngineConfig{}, fmt.Errorf("parse config: %w", err)
	}
	base, err := presetByName(head.Profile)
	if err != nil {
		return EngineConfig{}, err
	}
	doc := yamlConfig{EngineConfig: base}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return EngineConfig{}, fmt.Errorf("parse config: %w", err)
	}
	cfg := doc.EngineConfig
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func LoadConfigFile(path string) (EngineConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return LoadConfigYAML(b)
}

func presetByName(name string) (EngineConfig, error) {
	switch name {
	case "", "default":
		return DefaultEngineConfig(), nil
	case "development", "dev":
		return DevelopmentConfig(), nil
	case "production", "prod":
		return ProductionConfig(), nil
	default:
		return EngineConfig{}, fmt.Errorf("unknown profile %q", name)
	}
}
