package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	API        APIConfig
	Completion CompletionConfig
	Redis      RedisConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type APIConfig struct {
	Token string
}

type CompletionConfig struct {
	BaseURL string
	Timeout string
}

// RedisConfig controls the optional policy cache. An empty Addr keeps the
// cache in process memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 3001,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Completion: CompletionConfig{
			BaseURL: "https://api.groq.com/openai/v1",
			Timeout: "30s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.wabot.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/wabot/config.json
// and secrets live in a 0600 secrets file under $XDG_DATA_HOME/wabot.
//
// Environment variables (WABOT_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for the API token if still empty.
	if cfg.API.Token == "" {
		if token, err := kc.Get("wabot", "api_token"); err == nil && token != "" {
			cfg.API.Token = token
		}
	}

	if cfg.API.Token == "" {
		msg := "missing required config: API token. " +
			"Set it via environment variable WABOT_API_TOKEN" +
			apiTokenHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
