package config

import (
	"os"
	"strings"
	"sync"
	"time"
)

type Config struct {
	LogLevel       string
	LogJournal     bool
	ConfigDir      string
	DBDSN          string
	LocalHost      string
	LocalPort      int
	OpenAIEndpoint string
	OpenAIModel    string
	OpenAIAPIKey   string
}

var (
	cacheTTL         = 10 * time.Second
	nowFunc          = time.Now
	cacheMu          sync.RWMutex
	cachedCfg        Config
	cachedAt         time.Time
	cacheValid       bool
	defaultLocalPort = "4717"
)

func LoadConfig() Config {
	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg
}

func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func loadFromEnv() Config {
	level := os.Getenv("LANTERN_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	journal := os.Getenv("LANTERN_LOG_JOURNAL") == "1"
	configDir := strings.TrimSpace(os.Getenv("LANTERN_CONFIG_DIR"))
	dsn := strings.TrimSpace(os.Getenv("LANTERN_DB_DSN"))
	localHost := os.Getenv("LANTERN_LOCAL_HOST")
	if localHost == "" {
		localHost = "127.0.0.1"
	}
	fallbackPort := atoiOrDefault(defaultLocalPort, 4717)
	localPort := fallbackPort
	if p := os.Getenv("LANTERN_LOCAL_PORT"); p != "" {
		// Keep parsing strict but fallback to default on malformed values.
		if n := atoiOrDefault(p, fallbackPort); n > 0 {
			localPort = n
		}
	}

	return Config{
		LogLevel:       level,
		LogJournal:     journal,
		ConfigDir:      configDir,
		DBDSN:          dsn,
		LocalHost:      localHost,
		LocalPort:      localPort,
		OpenAIEndpoint: os.Getenv("OPENAI_ENDPOINT"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
	}
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
