// Package config assembles service settings from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at an optional YAML config file.
const FileEnv = "FACEVERIFY_CONFIG"

type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Match    MatchConfig    `yaml:"match"`
	Detector DetectorConfig `yaml:"detector"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Assets   AssetsConfig   `yaml:"assets"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
}

type ModelConfig struct {
	URI           string `yaml:"uri"`
	InputName     string `yaml:"input_name"`
	OutputName    string `yaml:"output_name"`
	Dim           int    `yaml:"dim"`
	RuntimeLib    string `yaml:"runtime_lib"` // onnxruntime shared library, empty for the platform default
	InputWidth    int    `yaml:"input_width"`
	InputHeight   int    `yaml:"input_height"`
	ResizeBackend string `yaml:"resize_backend"`
	ResizeKernel  string `yaml:"resize_kernel"`

	// MaxImagePixels rejects inputs whose header declares more pixels.
	MaxImagePixels int `yaml:"max_image_pixels"`
}

type MatchConfig struct {
	Threshold    float64 `yaml:"threshold"`
	ReferenceURI string  `yaml:"reference_uri"` // captured at startup when set
}

type DetectorConfig struct {
	ModelsDir string `yaml:"models_dir"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type AuthConfig struct {
	Secret   string `yaml:"secret"`
	Audience string `yaml:"audience"`
}

type AssetsConfig struct {
	CacheRedis string        `yaml:"cache_redis"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	MaxSize    int64         `yaml:"max_size"`
	AWSRegion  string        `yaml:"aws_region"`
	S3Endpoint string        `yaml:"s3_endpoint"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in settings for the bundled FaceNet model.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			InputName:     "image_input",
			OutputName:    "Bottleneck_BatchNorm",
			Dim:           128,
			InputWidth:    160,
			InputHeight:   160,
			ResizeBackend: "draw",
			ResizeKernel:  "catmullrom",

			MaxImagePixels: 40_000_000,
		},
		Match: MatchConfig{Threshold: 0.7},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{Secret: "dev-secret"},
		Assets: AssetsConfig{
			CacheTTL: time.Hour,
			MaxSize:  256 << 20,
		},
		MQTT: MQTTConfig{Topic: "face-verify/events"},
		Log:  LogConfig{Level: "info"},
	}
}

// Load returns defaults overlaid with the file named by FACEVERIFY_CONFIG
// and then with environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	envString(&c.Model.URI, "MODEL_URI")
	envString(&c.Model.InputName, "MODEL_INPUT_NAME")
	envString(&c.Model.OutputName, "MODEL_OUTPUT_NAME")
	errs = append(errs, envInt(&c.Model.Dim, "EMBEDDING_DIM"))
	envString(&c.Model.RuntimeLib, "ONNXRUNTIME_LIB")
	errs = append(errs, envInt(&c.Model.InputWidth, "INPUT_WIDTH"))
	errs = append(errs, envInt(&c.Model.InputHeight, "INPUT_HEIGHT"))
	envString(&c.Model.ResizeBackend, "RESIZE_BACKEND")
	envString(&c.Model.ResizeKernel, "RESIZE_KERNEL")
	errs = append(errs, envInt(&c.Model.MaxImagePixels, "MAX_IMAGE_PIXELS"))

	errs = append(errs, envFloat(&c.Match.Threshold, "MATCH_THRESHOLD"))
	envString(&c.Match.ReferenceURI, "REFERENCE_URI")
	envString(&c.Detector.ModelsDir, "DETECTOR_MODELS_DIR")

	envString(&c.HTTP.Addr, "HTTP_ADDR")
	errs = append(errs, envDuration(&c.HTTP.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT"))
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.HTTP.CORSOrigins = splitList(v)
	}
	envString(&c.Auth.Secret, "JWT_SECRET")
	envString(&c.Auth.Audience, "JWT_AUDIENCE")

	envString(&c.Assets.CacheRedis, "ASSET_CACHE_REDIS")
	errs = append(errs, envDuration(&c.Assets.CacheTTL, "ASSET_CACHE_TTL"))
	errs = append(errs, envInt64(&c.Assets.MaxSize, "ASSET_MAX_SIZE"))
	envString(&c.Assets.AWSRegion, "AWS_REGION")
	envString(&c.Assets.S3Endpoint, "S3_ENDPOINT")

	envString(&c.MQTT.Broker, "MQTT_BROKER")
	envString(&c.MQTT.Topic, "MQTT_TOPIC")
	envString(&c.MQTT.ClientID, "MQTT_CLIENT_ID")
	envString(&c.MQTT.Username, "MQTT_USERNAME")
	envString(&c.MQTT.Password, "MQTT_PASSWORD")

	envString(&c.Log.Level, "LOG_LEVEL")
	errs = append(errs, envBool(&c.Log.Development, "LOG_DEVELOPMENT"))
	return errors.Join(errs...)
}

// Validate reports every setting that would make the service unusable.
func (c *Config) Validate() error {
	var errs []error
	if c.Model.URI == "" {
		errs = append(errs, errors.New("MODEL_URI is required"))
	}
	if strings.TrimSpace(c.Model.InputName) == "" || strings.TrimSpace(c.Model.OutputName) == "" {
		errs = append(errs, errors.New("model input and output tensor names are required"))
	}
	if c.Model.Dim <= 0 {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.Model.Dim))
	}
	if c.Model.InputWidth <= 0 || c.Model.InputHeight <= 0 {
		errs = append(errs, fmt.Errorf("input size must be positive, got %dx%d", c.Model.InputWidth, c.Model.InputHeight))
	}
	if c.Model.MaxImagePixels <= 0 {
		errs = append(errs, fmt.Errorf("MAX_IMAGE_PIXELS must be positive, got %d", c.Model.MaxImagePixels))
	}
	if math.IsNaN(c.Match.Threshold) || c.Match.Threshold < -1 || c.Match.Threshold > 1 {
		errs = append(errs, fmt.Errorf("MATCH_THRESHOLD must be within [-1, 1], got %g", c.Match.Threshold))
	}
	if c.Assets.MaxSize <= 0 {
		errs = append(errs, errors.New("ASSET_MAX_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
