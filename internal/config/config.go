package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"

	"github.com/example/facecheck/internal/verify"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr        string        `toml:"http_addr" default:":8080"`
	GRPCAddr        string        `toml:"grpc_addr" default:":50051"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" default:"15s"`
	// MaxUploadSize caps multipart uploads, 40 MB by default.
	MaxUploadSize int64 `toml:"max_upload_size" default:"41943040"`

	DatabaseDSN string        `toml:"database_dsn" default:"host=postgres user=postgres password=postgres dbname=facecheck port=5432 sslmode=disable"`
	RedisAddr   string        `toml:"redis_addr" default:"redis:6379"`
	ResultTTL   time.Duration `toml:"result_ttl" default:"5m"`

	JWTSecret   string        `toml:"jwt_secret" default:"dev-secret"`
	JWTAudience string        `toml:"jwt_audience"`
	TokenTTL    time.Duration `toml:"token_ttl" default:"1h"`

	UploadDir    string `toml:"upload_dir" default:"uploads"`
	ReferenceDir string `toml:"reference_dir" default:"references"`
	MaxDimension int    `toml:"max_dimension" default:"1600"`

	Strategy  string          `toml:"strategy" default:"embedding"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Keypoint  KeypointConfig  `toml:"keypoint"`
	Log       LogConfig       `toml:"log"`
}

// EmbeddingConfig configures the face-embedding strategy.
type EmbeddingConfig struct {
	ModelName         string  `toml:"model_name" default:"Facenet512"`
	ModelPath         string  `toml:"model_path" default:"models/facenet512.onnx"`
	SharedLibraryPath string  `toml:"onnxruntime_library"`
	InputSize         int     `toml:"input_size" default:"160"`
	EmbeddingSize     int     `toml:"embedding_size" default:"512"`
	DistanceMetric    string  `toml:"distance_metric" default:"cosine"`
	Threshold         float64 `toml:"threshold"`
	FacePolicy        string  `toml:"face_policy" default:"first"`
	CascadePath       string  `toml:"cascade_path"`
	DetectorPoolSize  int     `toml:"detector_pool_size" default:"4"`
	MinFaceSize       int     `toml:"min_face_size" default:"40"`
}

// KeypointConfig configures the keypoint strategy.
type KeypointConfig struct {
	LoweRatio      float64 `toml:"lowe_ratio" default:"0.7"`
	MatchThreshold float64 `toml:"match_threshold" default:"0.1"`
	Matcher        string  `toml:"matcher" default:"flann"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level        string        `toml:"level" default:"info"`
	File         string        `toml:"file"`
	MaxAge       time.Duration `toml:"max_age" default:"168h"`
	RotationTime time.Duration `toml:"rotation_time" default:"24h"`
}

// Load applies defaults, then the TOML file at path (if non-empty), then
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.GRPCAddr, "GRPC_ADDR")
	setString(&cfg.DatabaseDSN, "DATABASE_DSN")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.UploadDir, "UPLOAD_DIR")
	setString(&cfg.ReferenceDir, "REFERENCE_DIR")
	setString(&cfg.Strategy, "VERIFY_STRATEGY")
	setString(&cfg.Embedding.ModelPath, "EMBEDDING_MODEL_PATH")
	setString(&cfg.Embedding.SharedLibraryPath, "ONNXRUNTIME_LIBRARY")
	setString(&cfg.Embedding.CascadePath, "OPENCV_CASCADE_PATH")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.File, "LOG_FILE")

	if v := getEnv("TOKEN_TTL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid TOKEN_TTL %q: %w", v, err)
		}
		cfg.TokenTTL = d
	}
	if v := getEnv("MAX_UPLOAD_SIZE", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_SIZE %q: %w", v, err)
		}
		cfg.MaxUploadSize = n
	}
	return nil
}

// Validate rejects settings no verifier can run with.
func (c *Config) Validate() error {
	if _, err := verify.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	if _, err := verify.ParseMetric(c.Embedding.DistanceMetric); err != nil {
		return err
	}
	if _, err := verify.ParseFacePolicy(c.Embedding.FacePolicy); err != nil {
		return err
	}
	switch c.Keypoint.Matcher {
	case "flann", "bruteforce":
	default:
		return fmt.Errorf("unknown matcher %q", c.Keypoint.Matcher)
	}
	if c.Keypoint.LoweRatio <= 0 || c.Keypoint.LoweRatio >= 1 {
		return fmt.Errorf("lowe_ratio must be in (0, 1), got %v", c.Keypoint.LoweRatio)
	}
	if c.Keypoint.MatchThreshold <= 0 || c.Keypoint.MatchThreshold >= 1 {
		return fmt.Errorf("match_threshold must be in (0, 1), got %v", c.Keypoint.MatchThreshold)
	}
	if c.Embedding.Threshold < 0 {
		return fmt.Errorf("embedding threshold must not be negative, got %v", c.Embedding.Threshold)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max_upload_size must be > 0 (got %d)", c.MaxUploadSize)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be > 0 (got %s)", c.TokenTTL)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt_secret must be set")
	}
	return nil
}

func setString(dst *string, key string) {
	*dst = getEnv(key, *dst)
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
