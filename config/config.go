package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	qhttp "trafficflow/http"
	"trafficflow/logging"
	"trafficflow/ml"
)

type Config struct {
	HTTP     qhttp.ServerConfig `yaml:"http"`
	Log      logging.Config     `yaml:"log"`
	Database DatabaseConfig     `yaml:"database"`
	Model    ml.ModelConfig     `yaml:"model"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

func Default() Config {
	return Config{
		HTTP:     qhttp.DefaultServerConfig(),
		Log:      logging.DefaultConfig(),
		Database: DatabaseConfig{Path: "./data/trafficflow.db"},
		Model:    ml.DefaultModelConfig(),
	}
}

// Load reads the YAML file at path over the defaults, then applies a .env file
// and TRAFFIC_* environment overrides. A missing config file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := getEnv("TRAFFIC_HTTP_PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRAFFIC_HTTP_PORT: %w", err)
		}
		cfg.HTTP.Port = port
	}
	cfg.Model.Dir = getEnv("TRAFFIC_MODEL_DIR", cfg.Model.Dir)
	cfg.Log.Level = getEnv("TRAFFIC_LOG_LEVEL", cfg.Log.Level)
	cfg.Database.Path = getEnv("TRAFFIC_DB_PATH", cfg.Database.Path)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

type bounds struct {
	Port       int     `validate:"min=1,max=65535"`
	ModelDir   string  `validate:"required"`
	CacheSize  int     `validate:"min=0"`
	Samples    int     `validate:"min=10"`
	TestRatio  float64 `validate:"gt=0,lt=1"`
	GBRTrees   int     `validate:"min=1"`
	GBRRate    float64 `validate:"gt=0,lte=1"`
	GBRDepth   int     `validate:"min=1"`
	ForestSize int     `validate:"min=1"`
	ForestDep  int     `validate:"min=1"`
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	t := c.Model.Training
	b := bounds{
		Port:       c.HTTP.Port,
		ModelDir:   c.Model.Dir,
		CacheSize:  c.Model.CacheSize,
		Samples:    t.Samples,
		TestRatio:  t.TestRatio,
		GBRTrees:   t.Congestion.NEstimators,
		GBRRate:    t.Congestion.LearningRate,
		GBRDepth:   t.Congestion.MaxDepth,
		ForestSize: t.Signal.NEstimators,
		ForestDep:  t.Signal.MaxDepth,
	}
	if err := validator.New().Struct(b); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
