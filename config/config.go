package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type ModelConfig struct {
	File       string `validate:"required"`
	InputName  string `validate:"required"`
	OutputName string `validate:"required"`
	Layout     string `validate:"oneof=nhwc nchw"`
}

type PacingConfig struct {
	LeadIn       time.Duration `validate:"gte=0"`
	MinStage     time.Duration `validate:"gte=0"`
	StagePause   time.Duration `validate:"gte=0"`
	BoxDisplay   time.Duration `validate:"gte=0"`
	ErrorDisplay time.Duration `validate:"gte=0"`
}

type Config struct {
	ListenAddr     string `validate:"required,hostname_port"`
	OrtLibraryPath string
	ModelDir       string `validate:"required"`
	Presence       ModelConfig
	Face           ModelConfig
	Severity       ModelConfig
	PoolSize       int `validate:"gte=1,lte=16"`
	IntraOpThreads int `validate:"gte=0"`
	Pacing         PacingConfig
	MaxPhotoSide   int    `validate:"gte=64"`
	LogLevel       string `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFile        string
	Debug          bool
}

// Load reads .env (if any) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg := &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", "127.0.0.1:8080"),
		OrtLibraryPath: getEnv("ORT_LIBRARY_PATH", ""),
		ModelDir:       getEnv("MODEL_DIR", "./assets/models"),
		Presence: ModelConfig{
			File:       getEnv("PRESENCE_MODEL", "cat_body.onnx"),
			InputName:  getEnv("PRESENCE_INPUT", "images"),
			OutputName: getEnv("PRESENCE_OUTPUT", "output0"),
			Layout:     strings.ToLower(getEnv("PRESENCE_LAYOUT", "nchw")),
		},
		Face: ModelConfig{
			File:       getEnv("FACE_MODEL", "cat_face_crop.onnx"),
			InputName:  getEnv("FACE_INPUT", "input"),
			OutputName: getEnv("FACE_OUTPUT", "output"),
			Layout:     strings.ToLower(getEnv("FACE_LAYOUT", "nhwc")),
		},
		Severity: ModelConfig{
			File:       getEnv("SEVERITY_MODEL", "cat_conjunct.onnx"),
			InputName:  getEnv("SEVERITY_INPUT", "input"),
			OutputName: getEnv("SEVERITY_OUTPUT", "output"),
			Layout:     strings.ToLower(getEnv("SEVERITY_LAYOUT", "nhwc")),
		},
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:  getEnv("LOG_FILE", ""),
	}

	var err error
	cfg.PoolSize, err = getInt("MODEL_POOL_SIZE", 1)
	collect(err)
	cfg.IntraOpThreads, err = getInt("INTRA_OP_THREADS", 0)
	collect(err)
	cfg.MaxPhotoSide, err = getInt("MAX_PHOTO_SIDE", 800)
	collect(err)
	cfg.Debug, err = getBool("DEBUG", false)
	collect(err)

	cfg.Pacing.LeadIn, err = getDuration("PACING_LEAD_IN", 2500*time.Millisecond)
	collect(err)
	cfg.Pacing.MinStage, err = getDuration("PACING_MIN_STAGE", 5*time.Second)
	collect(err)
	cfg.Pacing.StagePause, err = getDuration("PACING_STAGE_PAUSE", time.Second)
	collect(err)
	cfg.Pacing.BoxDisplay, err = getDuration("PACING_BOX_DISPLAY", 5*time.Second)
	collect(err)
	cfg.Pacing.ErrorDisplay, err = getDuration("PACING_ERROR_DISPLAY", 5*time.Second)
	collect(err)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RequireRuntime checks the settings needed to actually run models.
func (c *Config) RequireRuntime() error {
	if c.OrtLibraryPath == "" {
		return fmt.Errorf("ORT_LIBRARY_PATH is not set")
	}
	if _, err := os.Stat(c.OrtLibraryPath); err != nil {
		return fmt.Errorf("onnx runtime library: %w", err)
	}
	for _, m := range []ModelConfig{c.Presence, c.Face, c.Severity} {
		if _, err := os.Stat(c.ModelPath(m)); err != nil {
			return fmt.Errorf("model file: %w", err)
		}
	}
	return nil
}

func (c *Config) ModelPath(m ModelConfig) string {
	if filepath.IsAbs(m.File) {
		return m.File
	}
	return filepath.Join(c.ModelDir, m.File)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
