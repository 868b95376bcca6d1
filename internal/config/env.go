package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server holds the inference server configuration, read from the
// environment.
type Server struct {
	Port            string
	ArtifactBackend string
	ArtifactDir     string
	S3Bucket        string
	S3Prefix        string
	S3Region        string
	S3Endpoint      string
	// ArtifactKey is the model.json key inside the artifact store.
	ArtifactKey     string
	ONNXRuntimeLib  string
	AllowedOrigins  []string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

// LoadServer creates a Server config from environment variables.
func LoadServer() (*Server, error) {
	cfg := &Server{
		Port:            getEnv("PORT", "8000"),
		ArtifactBackend: getEnv("ARTIFACT_BACKEND", "local"),
		ArtifactDir:     getEnv("ARTIFACT_DIR", "food_nutrition_model"),
		S3Bucket:        os.Getenv("S3_BUCKET_NAME"),
		S3Prefix:        getEnv("S3_PREFIX", "foodfocus"),
		S3Region:        os.Getenv("AWS_REGION"),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		ArtifactKey:     getEnv("ARTIFACT_KEY", "final/model.json"),
		ONNXRuntimeLib:  os.Getenv("ONNXRUNTIME_LIB"),
		AllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	var err error
	if cfg.MaxUploadBytes, err = getEnvInt64("MAX_UPLOAD_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Server) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(s.Port); err != nil {
		errs = append(errs, ValidationError{Field: "PORT", Message: fmt.Sprintf("not a port number: %q", s.Port)})
	}
	switch s.ArtifactBackend {
	case "local":
		if s.ArtifactDir == "" {
			errs = append(errs, ValidationError{Field: "ARTIFACT_DIR", Message: "required for the local backend"})
		}
	case "s3":
		if s.S3Bucket == "" {
			errs = append(errs, ValidationError{Field: "S3_BUCKET_NAME", Message: "required for the s3 backend"})
		}
	default:
		errs = append(errs, ValidationError{Field: "ARTIFACT_BACKEND", Message: fmt.Sprintf("must be local or s3, got %q", s.ArtifactBackend)})
	}
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, ValidationError{Field: "MAX_UPLOAD_BYTES", Message: "must be positive"})
	}
	return joinValidation(errs)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
