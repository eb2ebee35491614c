package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Jmi2020/KITT-sub004/pkg/gate"
	"github.com/Jmi2020/KITT-sub004/pkg/models"
	"github.com/Jmi2020/KITT-sub004/pkg/pool"
)

// Duration wraps time.Duration so YAML values like "100ms" or "5s"
// parse; bare integers are taken as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(err, "invalid duration '%s'", s)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TierConfig describes one compute tier in the config file.
type TierConfig struct {
	Name     string `yaml:"name"`
	MaxSlots int    `yaml:"max_slots"`
	Fallback string `yaml:"fallback,omitempty"`
}

// ProviderConfig controls the admission gate's feature layer.
type ProviderConfig struct {
	Enabled      map[string]bool `yaml:"enabled"`
	OfflineMode  bool            `yaml:"offline_mode"`
	CloudRouting bool            `yaml:"cloud_routing"`
}

// GateConfig controls the soft approval layer.
type GateConfig struct {
	TrivialThreshold   float64 `yaml:"trivial_threshold"`
	LowThreshold       float64 `yaml:"low_threshold"`
	AutoApproveTrivial bool    `yaml:"auto_approve_trivial"`
	AutoApproveLow     bool    `yaml:"auto_approve_low"`
	Passphrase         string  `yaml:"passphrase"`
}

// BudgetConfig controls spend tracking.
type BudgetConfig struct {
	Limit     float64 `yaml:"limit"`
	UnitPrice float64 `yaml:"unit_price"`
}

// ExecutionConfig tunes retries and slot acquisition.
type ExecutionConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	BaseDelay      Duration `yaml:"base_delay"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
	AcquireRetries int      `yaml:"acquire_retries"`
	AllowFallback  bool     `yaml:"allow_fallback"`
	FailCyclic     bool     `yaml:"fail_cyclic"`
}

// Config is the full dispatcher configuration.
type Config struct {
	Port      string          `yaml:"port"`
	Database  string          `yaml:"database"`
	Tiers     []TierConfig    `yaml:"tiers"`
	Providers ProviderConfig  `yaml:"providers"`
	Gate      GateConfig      `yaml:"gate"`
	Budget    BudgetConfig    `yaml:"budget"`
	Execution ExecutionConfig `yaml:"execution"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Port: "8080",
		Tiers: []TierConfig{
			{Name: string(models.TierFast), MaxSlots: 4, Fallback: string(models.TierBalanced)},
			{Name: string(models.TierBalanced), MaxSlots: 2, Fallback: string(models.TierDeep)},
			{Name: string(models.TierDeep), MaxSlots: 1},
		},
		Providers: ProviderConfig{
			Enabled: map[string]bool{
				string(models.ProviderOllama):   true,
				string(models.ProviderLMStudio): true,
			},
			CloudRouting: false,
		},
		Gate: GateConfig{
			TrivialThreshold:   gate.DefaultTrivialThreshold,
			LowThreshold:       gate.DefaultLowThreshold,
			AutoApproveTrivial: true,
		},
		Budget: BudgetConfig{Limit: 5.0, UnitPrice: 0.0001},
		Execution: ExecutionConfig{
			MaxRetries:     2,
			BaseDelay:      Duration(100 * time.Millisecond),
			AcquireTimeout: Duration(5 * time.Second),
			AcquireRetries: 3,
			AllowFallback:  true,
		},
	}
}

// Load reads and validates a YAML config file. Fields left unset fall
// back to the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config '%s'", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config '%s'", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks tier and provider references.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.New("config: no tiers defined")
	}
	names := make(map[string]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		if t.Name == "" {
			return errors.New("config: tier with empty name")
		}
		if t.MaxSlots <= 0 {
			return errors.Errorf("config: tier '%s' needs max_slots > 0", t.Name)
		}
		names[t.Name] = true
	}
	for _, t := range c.Tiers {
		if t.Fallback != "" && !names[t.Fallback] {
			return errors.Errorf("config: tier '%s' falls back to unknown tier '%s'", t.Name, t.Fallback)
		}
	}
	for name := range c.Providers.Enabled {
		if !models.Provider(name).Valid() {
			return errors.Errorf("config: unknown provider '%s'", name)
		}
	}
	return nil
}

// PoolConfigs converts the tier section into slot pool configs.
func (c Config) PoolConfigs() []pool.TierConfig {
	out := make([]pool.TierConfig, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		out = append(out, pool.TierConfig{
			Name:     models.Tier(t.Name),
			MaxSlots: t.MaxSlots,
			Fallback: models.Tier(t.Fallback),
		})
	}
	return out
}

// FeatureState converts the provider section into the gate's snapshot
// shape.
func (c Config) FeatureState() gate.FeatureState {
	providers := make(map[models.Provider]bool, len(c.Providers.Enabled))
	for name, enabled := range c.Providers.Enabled {
		providers[models.Provider(name)] = enabled
	}
	return gate.FeatureState{
		Providers:           providers,
		OfflineMode:         c.Providers.OfflineMode,
		CloudRoutingEnabled: c.Providers.CloudRouting,
	}
}

// GateOptions converts the gate section into gate.Config.
func (c Config) GateOptions() gate.Config {
	return gate.Config{
		TrivialThreshold:   c.Gate.TrivialThreshold,
		LowThreshold:       c.Gate.LowThreshold,
		AutoApproveTrivial: c.Gate.AutoApproveTrivial,
		AutoApproveLow:     c.Gate.AutoApproveLow,
		Passphrase:         c.Gate.Passphrase,
	}
}
