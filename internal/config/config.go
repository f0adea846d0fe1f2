package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the daemon. Values are read once
// at startup and held for the process lifetime.
type Config struct {
	ServerName    string
	ServerVersion string
	ServerAddress string
	ServerPort    int
	Transport     string

	DBPath string

	LogLevel string
	LogFile  string

	CheckInterval    time.Duration
	ExecutionTimeout time.Duration

	AIModel      string
	OpenAIAPIKey string

	DiscoveryEnabled bool
}

const (
	defaultServerName       = "taskcron"
	defaultServerVersion    = "0.1.0"
	defaultServerAddress    = "localhost"
	defaultServerPort       = 8080
	defaultTransport        = "stdio"
	defaultDBPath           = "scheduler.db"
	defaultLogLevel         = "info"
	defaultCheckInterval    = 5
	defaultExecutionTimeout = 300
	defaultAIModel          = "gpt-4o"
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// Parse builds the configuration. Priority: CLI flags > environment
// variables > .env file > defaults.
func Parse() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := FromEnv()

	var (
		dbPath           string
		logLevel         string
		logFile          string
		transport        string
		address          string
		port             int
		checkInterval    int
		executionTimeout int
		aiModel          string
	)
	flag.StringVar(&dbPath, "db-path", "", "Path to the SQLite database file")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFile, "log-file", "", "Optional log file (stderr is always used)")
	flag.StringVar(&transport, "transport", "", "MCP transport: stdio or sse")
	flag.StringVar(&address, "address", "", "Listen address for the sse transport")
	flag.IntVar(&port, "port", 0, "Listen port for the sse transport")
	flag.IntVar(&checkInterval, "check-interval", 0, "Scheduler poll interval in seconds")
	flag.IntVar(&executionTimeout, "execution-timeout", 0, "Per-execution timeout in seconds")
	flag.StringVar(&aiModel, "ai-model", "", "Model used for ai tasks")
	flag.Parse()

	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if transport != "" {
		cfg.Transport = transport
	}
	if address != "" {
		cfg.ServerAddress = address
	}
	if port > 0 {
		cfg.ServerPort = port
	}
	if checkInterval > 0 {
		cfg.CheckInterval = time.Duration(checkInterval) * time.Second
	}
	if executionTimeout > 0 {
		cfg.ExecutionTimeout = time.Duration(executionTimeout) * time.Second
	}
	if aiModel != "" {
		cfg.AIModel = aiModel
	}

	return cfg, nil
}

// FromEnv builds the configuration from environment variables alone.
func FromEnv() *Config {
	return &Config{
		ServerName:       getEnvString("TASKCRON_NAME", defaultServerName),
		ServerVersion:    getEnvString("TASKCRON_VERSION", defaultServerVersion),
		ServerAddress:    getEnvString("TASKCRON_ADDRESS", defaultServerAddress),
		ServerPort:       getEnvInt("TASKCRON_PORT", defaultServerPort),
		Transport:        getEnvString("TASKCRON_TRANSPORT", defaultTransport),
		DBPath:           getEnvString("TASKCRON_DB_PATH", defaultDBPath),
		LogLevel:         getEnvString("TASKCRON_LOG_LEVEL", defaultLogLevel),
		LogFile:          getEnvString("TASKCRON_LOG_FILE", ""),
		CheckInterval:    time.Duration(getEnvInt("TASKCRON_CHECK_INTERVAL", defaultCheckInterval)) * time.Second,
		ExecutionTimeout: time.Duration(getEnvInt("TASKCRON_EXECUTION_TIMEOUT", defaultExecutionTimeout)) * time.Second,
		AIModel:          getEnvString("TASKCRON_AI_MODEL", defaultAIModel),
		OpenAIAPIKey:     getEnvString("OPENAI_API_KEY", ""),
		DiscoveryEnabled: getEnvBool("TASKCRON_DISCOVERY", true),
	}
}

// DiscoveryPort is where the well-known endpoint listens; it sits next to
// the MCP port.
func (c *Config) DiscoveryPort() int {
	return c.ServerPort + 1
}
