package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Chrome   ChromeConfig
	Engine   EngineConfig
	Vision   VisionConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	Mode         string
	ReadTimeout  int
	WriteTimeout int
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Charset  string
}

type JWTConfig struct {
	Secret     string
	ExpireTime int
}

type ChromeConfig struct {
	HeadlessMode bool
	MaxInstances int
	DebugPort    int
}

type EngineConfig struct {
	MaxWorkers         int    // replay executor worker pool size
	StepTimeout        int    // per-step replay budget, seconds
	EvidenceBufferMB   int    // recorder evidence buffer ceiling
	ScreenshotInterval int    // recorder screenshot throttle, seconds
	ForcedMode         string // dom, vision, empty for automatic routing
}

type VisionConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

func LoadConfig() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Mode:         getEnv("SERVER_MODE", "debug"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 30),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "127.0.0.1"),
			Port:     getEnv("DB_PORT", "3306"),
			Username: getEnv("DB_USERNAME", "root"),
			Password: getEnv("DB_PASSWORD", "root"),
			Database: getEnv("DB_NAME", "webreplay"),
			Charset:  getEnv("DB_CHARSET", "utf8mb4"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "webreplay-platform-secret-key"),
			ExpireTime: getEnvAsInt("JWT_EXPIRE_TIME", 24*3600),
		},
		Chrome: ChromeConfig{
			HeadlessMode: getEnvAsBool("CHROME_HEADLESS", false),
			MaxInstances: getEnvAsInt("CHROME_MAX_INSTANCES", 20),
			DebugPort:    getEnvAsInt("CHROME_DEBUG_PORT", 9222),
		},
		Engine: EngineConfig{
			MaxWorkers:         getEnvAsInt("EXECUTOR_MAX_WORKERS", 5),
			StepTimeout:        getEnvAsInt("ENGINE_STEP_TIMEOUT", 30),
			EvidenceBufferMB:   getEnvAsInt("ENGINE_EVIDENCE_BUFFER_MB", 8),
			ScreenshotInterval: getEnvAsInt("ENGINE_SCREENSHOT_INTERVAL", 2),
			ForcedMode:         getEnv("ENGINE_FORCED_MODE", ""),
		},
		Vision: VisionConfig{
			ServiceURL: getEnv("OCR_SERVICE_URL", "http://localhost:8888"),
			Timeout:    getEnvAsInt("OCR_TIMEOUT", 10),
		},
	}

	return config, nil
}

func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=%s&parseTime=True&loc=Local",
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.Charset,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
