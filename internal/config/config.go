package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dmorgan81/imagegen/internal/image"
	"github.com/dmorgan81/imagegen/internal/model"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

type Config struct {
	Listen        string          `yaml:"listen" validate:"required"`
	PublicURL     string          `yaml:"public_url" validate:"required,url"`
	Device        image.Device    `yaml:"device" validate:"oneof=cuda cpu auto"`
	IdleThreshold time.Duration   `yaml:"idle_threshold" validate:"gt=0"`
	SweepInterval time.Duration   `yaml:"sweep_interval" validate:"gte=1s"`
	LogLevel      string          `yaml:"log_level" validate:"oneof=debug info warn error"`
	CORSOrigin    string          `yaml:"cors_origin" validate:"required"`
	ActivitySize  int             `yaml:"activity_size" validate:"gte=1"`
	Pipeline      Pipeline        `yaml:"pipeline"`
	Archive       Archive         `yaml:"archive"`
	Models        []model.Variant `yaml:"models" validate:"required,min=1"`
}

type Pipeline struct {
	URL      string        `yaml:"url" validate:"required,url"`
	Key      string        `yaml:"key"`
	KeyParam string        `yaml:"key_param"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Archive configures optional S3 copies of generated images.
type Archive struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

func Defaults() *Config {
	return &Config{
		Listen:        ":8000",
		PublicURL:     "http://localhost:8000",
		Device:        image.DeviceAuto,
		IdleThreshold: 10 * time.Minute,
		SweepInterval: 60 * time.Second,
		LogLevel:      "info",
		CORSOrigin:    "*",
		ActivitySize:  200,
		Pipeline: Pipeline{
			URL: "http://127.0.0.1:7860",
		},
		Archive: Archive{
			Prefix: "generated/",
		},
		Models: []model.Variant{
			{Key: 1, ID: "dreamlike-art/dreamlike-diffusion-1.0", Name: "Nebula Vision"},
			{Key: 2, ID: "runwayml/stable-diffusion-v1-5"},
		},
	}
}

// Load applies, in order, the defaults, the YAML file at path (if any) and
// the environment, then validates the result.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigLoadFailed, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %w", ErrConfigLoadFailed, path, err)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigLoadFailed, err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateFailed, err)
	}
	if _, err := model.NewRegistry(cfg.Models); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateFailed, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"LISTEN_ADDR":        &cfg.Listen,
		"PUBLIC_URL":         &cfg.PublicURL,
		"LOG_LEVEL":          &cfg.LogLevel,
		"CORS_ORIGIN":        &cfg.CORSOrigin,
		"PIPELINE_URL":       &cfg.Pipeline.URL,
		"PIPELINE_KEY":       &cfg.Pipeline.Key,
		"PIPELINE_KEY_PARAM": &cfg.Pipeline.KeyParam,
		"ARCHIVE_BUCKET":     &cfg.Archive.Bucket,
		"ARCHIVE_PREFIX":     &cfg.Archive.Prefix,
	}
	for name, dst := range strs {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	if v := getenv("DEVICE"); v != "" {
		cfg.Device = image.Device(strings.ToLower(v))
	}

	durations := map[string]*time.Duration{
		"IDLE_THRESHOLD":   &cfg.IdleThreshold,
		"SWEEP_INTERVAL":   &cfg.SweepInterval,
		"PIPELINE_TIMEOUT": &cfg.Pipeline.Timeout,
	}
	for name, dst := range durations {
		v := getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}

	if v := getenv("ACTIVITY_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ACTIVITY_SIZE: %w", err)
		}
		cfg.ActivitySize = n
	}

	if v := getenv("MODELS"); v != "" {
		models, err := ParseModels(v)
		if err != nil {
			return fmt.Errorf("MODELS: %w", err)
		}
		cfg.Models = models
	}
	return nil
}

// ParseModels reads "1=org/model|Display Name,2=org/other" into variants.
func ParseModels(s string) ([]model.Variant, error) {
	var out []model.Variant
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, rest, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("%q: want key=model", item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", item, err)
		}
		id, name, _ := strings.Cut(rest, "|")
		out = append(out, model.Variant{Key: model.Key(n), ID: strings.TrimSpace(id), Name: strings.TrimSpace(name)})
	}
	if len(out) == 0 {
		return nil, errors.New("no models")
	}
	return out, nil
}
