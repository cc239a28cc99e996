package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig
	Tasks   TasksConfig
	Storage StorageConfig
	Split   SplitConfig
	Vision  VisionConfig
	Ollama  OllamaConfig
	OCR     OCRConfig
	Worker  WorkerConfig
	Retry   RetryConfig
}

// ServerConfig holds the HTTP surface configuration
type ServerConfig struct {
	Addr      string
	UploadDir string
}

// TasksConfig holds task-store configuration. DSN selects the driver:
// postgres:// URLs open a pgx pool, anything else is a SQLite file path.
type TasksConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// StorageConfig holds object-store (MinIO) configuration
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// SplitConfig holds document-splitter configuration
type SplitConfig struct {
	Pdftoppm string
	Pdfinfo  string
	DPI      int
	Format   string
	MaxPages int
}

// VisionConfig holds the remote multimodal backend configuration
type VisionConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// OllamaConfig holds the local multimodal-daemon backend configuration
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OCRConfig holds the local raster-OCR backend configuration
type OCRConfig struct {
	Languages string
}

// WorkerConfig holds worker-pool and job-retry configuration
type WorkerConfig struct {
	Workers       int
	QueueSize     int
	JobTimeout    time.Duration
	MaxJobRetries int
	RetryStep     time.Duration
}

// RetryConfig holds per-call retry/backoff configuration
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RateLimitCooldown time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      getEnv("HTTP_ADDR", ":8080"),
			UploadDir: getEnv("UPLOAD_DIR", "./tmp/uploads"),
		},
		Tasks: TasksConfig{
			DSN:             getEnv("TASKS_DSN", "./instance/extractd.db"),
			MaxConns:        getEnvAsInt32("TASKS_MAX_CONNS", 10),
			MinConns:        getEnvAsInt32("TASKS_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("TASKS_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("TASKS_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("TASKS_DIAL_TIMEOUT", 3*time.Second),
		},
		Storage: StorageConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "extract-results"),
			UseSSL:    getEnvAsBool("MINIO_SECURE", false),
			URLExpiry: getEnvAsDuration("RESULT_URL_EXPIRY", 7*24*time.Hour),
		},
		Split: SplitConfig{
			Pdftoppm: getEnv("PDFTOPPM", "pdftoppm"),
			Pdfinfo:  getEnv("PDFINFO", "pdfinfo"),
			DPI:      getEnvAsInt("SPLIT_DPI", 300),
			Format:   getEnv("SPLIT_FORMAT", "png"),
			MaxPages: getEnvAsInt("SPLIT_MAX_PAGES", 0),
		},
		Vision: VisionConfig{
			BaseURL:     getEnv("VISION_API_URL", "https://api.siliconflow.com/v1"),
			APIKey:      getEnv("VISION_API_KEY", ""),
			Model:       getEnv("VISION_MODEL", "Pro/Qwen/Qwen2-VL-7B-Instruct"),
			Temperature: getEnvAsFloat32("VISION_TEMPERATURE", 0.1),
			Timeout:     getEnvAsDuration("VISION_TIMEOUT", 60*time.Second),
		},
		Ollama: OllamaConfig{
			BaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			Model:   getEnv("OLLAMA_MODEL", "llama3.2-vision:11b"),
			Timeout: getEnvAsDuration("OLLAMA_TIMEOUT", 120*time.Second),
		},
		OCR: OCRConfig{
			Languages: getEnv("TESSERACT_LANG", "eng"),
		},
		Worker: WorkerConfig{
			Workers:       getEnvAsInt("WORKERS", 4),
			QueueSize:     getEnvAsInt("QUEUE_SIZE", 256),
			JobTimeout:    getEnvAsDuration("JOB_TIMEOUT", 10*time.Minute),
			MaxJobRetries: getEnvAsInt("JOB_MAX_RETRIES", 3),
			RetryStep:     getEnvAsDuration("JOB_RETRY_STEP", time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:       getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:         getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),
			MaxDelay:          getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
			RateLimitCooldown: getEnvAsDuration("RETRY_RATE_LIMIT_COOLDOWN", 10*time.Second),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.Tasks.DSN == "" {
		return NewAppError("CONFIG_ERROR", "TASKS_DSN is required", ErrInvalidInput)
	}
	if c.Storage.Endpoint == "" {
		return NewAppError("CONFIG_ERROR", "MINIO_ENDPOINT is required", ErrInvalidInput)
	}
	if c.Storage.Bucket == "" {
		return NewAppError("CONFIG_ERROR", "MINIO_BUCKET is required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Worker.Workers <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKERS must be positive", ErrInvalidInput)
	}
	return nil
}
