package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the streaming backend.
// It covers the HTTP listener, cache behaviour, upstream fetching and the
// external transcoder binary.
type Config struct {
	ListenPort         int           `json:"listenPort"`         // TCP port for the HTTP server
	BaseURL            string        `json:"baseURL"`            // External base URL override (empty = derive from request)
	DataDir            string        `json:"dataDir"`            // Directory for cache files and the sources database
	FFmpegPath         string        `json:"ffmpegPath"`         // Path to the ffmpeg binary
	CacheEnabled       bool          `json:"cacheEnabled"`       // Whether metadata caching is enabled globally
	CacheMaxAge        time.Duration `json:"cacheMaxAge"`        // Default freshness window for cached upstream responses
	MemoryCacheEntries int           `json:"memoryCacheEntries"` // Capacity of the in-memory hot layer
	RequestTimeout     time.Duration `json:"requestTimeout"`     // Timeout for upstream metadata requests
	WorkerThreads      int           `json:"workerThreads"`      // Size of the background worker pool
	UpstreamRate       int           `json:"upstreamRate"`       // Per-source upstream requests per second
	LogLevel           string        `json:"logLevel"`           // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls      bool          `json:"obfuscateUrls"`      // Obfuscate URLs in logs for security
	UserAgent          string        `json:"userAgent"`          // Browser-like User-Agent for relayed requests
	AudioCodec         string        `json:"audioCodec"`         // Target audio codec for transcode mode
	AudioBitrate       string        `json:"audioBitrate"`       // Audio bitrate for transcode mode
	AudioChannels      int           `json:"audioChannels"`      // Audio channel count for transcode mode
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. Duration fields (e.g. "24h") are parsed into time.Duration.
type ConfigFile struct {
	ListenPort         int    `json:"listenPort"`
	BaseURL            string `json:"baseURL"`
	DataDir            string `json:"dataDir"`
	FFmpegPath         string `json:"ffmpegPath"`
	CacheEnabled       bool   `json:"cacheEnabled"`
	CacheMaxAge        string `json:"cacheMaxAge"`    // Duration string (e.g. "24h")
	MemoryCacheEntries int    `json:"memoryCacheEntries"`
	RequestTimeout     string `json:"requestTimeout"` // Duration string (e.g. "30s")
	WorkerThreads      int    `json:"workerThreads"`
	UpstreamRate       int    `json:"upstreamRate"`
	LogLevel           string `json:"logLevel"`
	ObfuscateUrls      bool   `json:"obfuscateUrls"`
	UserAgent          string `json:"userAgent"`
	AudioCodec         string `json:"audioCodec"`
	AudioBitrate       string `json:"audioBitrate"`
	AudioChannels      int    `json:"audioChannels"`
}

const defaultConfigPath = "/settings/config.json"

// DefaultUserAgent mirrors a current desktop Chrome build; some provider CDNs
// reject requests without a browser-like agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads the path from NODECAST_CONFIG, falling back to /settings/config.json.
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("NODECAST_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config
	return config
}

// ClearConfigCache drops the cached configuration so the next LoadConfig
// re-reads the file. Used on graceful restart.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile into a Config, parsing duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		ListenPort:         cf.ListenPort,
		BaseURL:            cf.BaseURL,
		DataDir:            cf.DataDir,
		FFmpegPath:         cf.FFmpegPath,
		CacheEnabled:       cf.CacheEnabled,
		MemoryCacheEntries: cf.MemoryCacheEntries,
		WorkerThreads:      cf.WorkerThreads,
		UpstreamRate:       cf.UpstreamRate,
		LogLevel:           cf.LogLevel,
		ObfuscateUrls:      cf.ObfuscateUrls,
		UserAgent:          cf.UserAgent,
		AudioCodec:         cf.AudioCodec,
		AudioBitrate:       cf.AudioBitrate,
		AudioChannels:      cf.AudioChannels,
	}

	if cf.CacheMaxAge != "" {
		d, err := time.ParseDuration(cf.CacheMaxAge)
		if err != nil {
			return nil, fmt.Errorf("invalid cacheMaxAge %q: %w", cf.CacheMaxAge, err)
		}
		cfg.CacheMaxAge = d
	}

	if cf.RequestTimeout != "" {
		d, err := time.ParseDuration(cf.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid requestTimeout %q: %w", cf.RequestTimeout, err)
		}
		cfg.RequestTimeout = d
	}

	return cfg, nil
}

// getDefaultConfig returns a configuration with sane built-in defaults.
func getDefaultConfig() *Config {
	return &Config{
		ListenPort:   8080,
		DataDir:      "./data",
		FFmpegPath:   "ffmpeg",
		CacheEnabled: true,
	}
}

// validateAndSetDefaults fills in safe defaults for any missing values.
func validateAndSetDefaults(cfg *Config) {
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = 8080
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = 24 * time.Hour
	}
	if cfg.MemoryCacheEntries <= 0 {
		cfg.MemoryCacheEntries = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.UpstreamRate <= 0 {
		cfg.UpstreamRate = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.AudioCodec == "" {
		cfg.AudioCodec = "aac"
	}
	if cfg.AudioBitrate == "" {
		cfg.AudioBitrate = "192k"
	}
	if cfg.AudioChannels <= 0 {
		cfg.AudioChannels = 2
	}
}
