package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"

	"github.com/voxcache/voxcache/clip"
	"github.com/voxcache/voxcache/internal/diskcache"
	"github.com/voxcache/voxcache/internal/synth"
)

// appConfig is the fully resolved configuration: viper (config file and
// flags) first, then environment variables on top.
type appConfig struct {
	SynthURL          string        `env:"VOXCACHE_SYNTH_URL"`
	SynthAPIKey       string        `env:"VOXCACHE_SYNTH_API_KEY"`
	SynthTimeout      time.Duration `env:"VOXCACHE_SYNTH_TIMEOUT"`
	RequestsPerSecond float64       `env:"VOXCACHE_SYNTH_RPS"`

	Voice    string  `env:"VOXCACHE_VOICE"`
	Language string  `env:"VOXCACHE_LANGUAGE"`
	Speed    float64 `env:"VOXCACHE_SPEED"`
	Pitch    float64 `env:"VOXCACHE_PITCH"`

	CacheDir         string `env:"VOXCACHE_CACHE_DIR"`
	CacheCapacity    int64  `env:"VOXCACHE_CACHE_CAPACITY"`
	RuntimeCapacity  int64  `env:"VOXCACHE_RUNTIME_CAPACITY"`
	CompressionLevel int    `env:"VOXCACHE_COMPRESSION_LEVEL"`
	Policy           string `env:"VOXCACHE_POLICY"`
}

const defaultConfig = `# base URL of the synthesis service
synth:
  url: ""
  # api_key: "your-api-key-here"
  timeout: "30s"
  requests_per_second: 0

# default synthesis parameters
voice:
  name: ""
  language: "en-US"
  speed: 1.0
  pitch: 0.0

cache:
  # directory for persisted clips (default: user cache dir)
  dir: ""
  # disk cache capacity in bytes
  capacity: 524288000
  # runtime (in-memory) capacity in bytes
  runtime_capacity: 67108864
  # zstd level for stored clips
  compression_level: 3
  # disk cache policy: never, on_demand, or preload
  policy: "on_demand"
`

func resolveConfig() (appConfig, error) {
	cfg := appConfig{
		SynthURL:          viper.GetString("synth.url"),
		SynthAPIKey:       viper.GetString("synth.api_key"),
		SynthTimeout:      viper.GetDuration("synth.timeout"),
		RequestsPerSecond: viper.GetFloat64("synth.requests_per_second"),
		Voice:             viper.GetString("voice.name"),
		Language:          viper.GetString("voice.language"),
		Speed:             viper.GetFloat64("voice.speed"),
		Pitch:             viper.GetFloat64("voice.pitch"),
		CacheDir:          viper.GetString("cache.dir"),
		CacheCapacity:     viper.GetInt64("cache.capacity"),
		RuntimeCapacity:   viper.GetInt64("cache.runtime_capacity"),
		CompressionLevel:  viper.GetInt("cache.compression_level"),
		Policy:            viper.GetString("cache.policy"),
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing environment: %w", err)
	}
	if cfg.CacheDir == "" {
		scope := gap.NewScope(gap.User, "voxcache")
		dir, err := scope.CacheDir()
		if err != nil {
			return cfg, fmt.Errorf("could not determine cache directory: %w", err)
		}
		cfg.CacheDir = filepath.Join(dir, "clips")
	}
	return cfg, nil
}

func (c appConfig) voiceSettings() clip.VoiceSettings {
	settings := clip.DefaultVoiceSettings()
	if c.Voice != "" {
		settings.Voice = c.Voice
	}
	if c.Language != "" {
		settings.Language = c.Language
	}
	if c.Speed > 0 {
		settings.Speed = c.Speed
	}
	settings.Pitch = c.Pitch
	return settings
}

func (c appConfig) diskPolicy() (clip.DiskCachePolicy, error) {
	switch c.Policy {
	case "", "on_demand":
		return clip.CacheOnDemand, nil
	case "never":
		return clip.CacheNever, nil
	case "preload":
		return clip.CachePreload, nil
	default:
		return clip.CacheOnDemand, fmt.Errorf("unknown cache policy %q: use never, on_demand, or preload", c.Policy)
	}
}

// openStore creates the disk cache store from the resolved configuration.
func (c appConfig) openStore() (*diskcache.Store, error) {
	return diskcache.New(c.CacheDir, c.CacheCapacity, c.CompressionLevel)
}

// buildLoader wires a loader from the resolved configuration. The synth
// client is nil when no service URL is configured; the loader then serves
// from the disk cache alone.
func (c appConfig) buildLoader() (*clip.Loader, *diskcache.Store, error) {
	store, err := c.openStore()
	if err != nil {
		return nil, nil, fmt.Errorf("could not open disk cache: %w", err)
	}

	var client synth.Client
	if c.SynthURL != "" {
		httpClient, err := synth.NewHTTPClient(synth.HTTPConfig{
			BaseURL:           c.SynthURL,
			APIKey:            c.SynthAPIKey,
			Timeout:           c.SynthTimeout,
			RequestsPerSecond: c.RequestsPerSecond,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("could not create synthesis client: %w", err)
		}
		client = httpClient
	}

	policy, err := c.diskPolicy()
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	loaderCfg := clip.DefaultConfig()
	if c.RuntimeCapacity > 0 {
		loaderCfg.RuntimeCapacity = c.RuntimeCapacity
	}
	loaderCfg.DefaultPolicy = policy

	return clip.NewLoader(loaderCfg, client, store), store, nil
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "voxcache")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "voxcache")}, dirs...)
	}

	if c := os.Getenv("VOXCACHE_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("voxcache")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("voxcache")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}

	// No config anywhere: seed the preferred location with the commented
	// defaults so there is something to edit.
	configFile = filepath.Join(dirs[0], "voxcache.yml")
	if err := writeDefaultConfig(configFile); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}

// writeDefaultConfig puts the default configuration at path unless a file
// already exists there.
func writeDefaultConfig(path string) error {
	switch _, err := os.Stat(path); {
	case err == nil:
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("unable to create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfig), 0o600)
}
