// Package config loads JARVIS backend configuration from the environment and
// from the YAML cluster inventory file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved backend configuration.
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Database DatabaseConfig
	SSH      SSHConfig
	Proxmox  ProxmoxConfig
	TTS      TTSConfig
	STT      STTConfig
	LLM      LLMConfig
	Frigate  FrigateConfig
	Safety   SafetyConfig

	// InventoryPath points at the YAML node inventory. Default: jarvis.yaml
	// next to the database directory.
	InventoryPath string
}

type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

type AuthConfig struct {
	JWTSecret   string
	Password    string
	TokenExpiry time.Duration
}

type DatabaseConfig struct {
	Path string
}

type SSHConfig struct {
	KeyPath        string
	User           string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

type ProxmoxConfig struct {
	TokenID       string
	TokenSecret   string
	SkipTLSVerify bool
	CacheTTL      time.Duration
}

type TTSConfig struct {
	PrimaryEndpoint  string
	FallbackEndpoint string
	CacheDir         string
	CacheMax         int
	MaxParallel      int
	OpusEnabled      bool
	OpusBitrate      int
	RestartCooldown  time.Duration
	ControlSocket    string
}

type STTConfig struct {
	Endpoint string
	Language string
}

type LLMConfig struct {
	ConversationalEndpoint string
	AgenticAPIKey          string
	AgenticModel           string
	ConversationalModel    string
}

type FrigateConfig struct {
	Endpoint string
}

type SafetyConfig struct {
	OverrideKey     string
	ApprovalKeyword string
}

// Load resolves configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        envInt("PORT", 3000),
			CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),
		},
		Auth: AuthConfig{
			JWTSecret:   os.Getenv("JWT_SECRET"),
			Password:    os.Getenv("JARVIS_PASSWORD"),
			TokenExpiry: 7 * 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Path: envStr("DB_PATH", "data/jarvis.db"),
		},
		SSH: SSHConfig{
			KeyPath:        envStr("SSH_KEY_PATH", "/keys/id_ed25519"),
			User:           envStr("SSH_USER", "root"),
			ConnectTimeout: 10 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
		Proxmox: ProxmoxConfig{
			TokenID:       envStr("PVE_TOKEN_ID", "jarvis@pam!jarvis"),
			TokenSecret:   os.Getenv("PVE_TOKEN_SECRET"),
			SkipTLSVerify: os.Getenv("NODE_TLS_REJECT_UNAUTHORIZED") == "0",
			CacheTTL:      2 * time.Second,
		},
		TTS: TTSConfig{
			PrimaryEndpoint:  os.Getenv("TTS_PRIMARY_ENDPOINT"),
			FallbackEndpoint: os.Getenv("TTS_FALLBACK_ENDPOINT"),
			CacheDir:         envStr("TTS_CACHE_DIR", "data/tts-cache"),
			CacheMax:         envInt("TTS_CACHE_MAX", 500),
			MaxParallel:      envInt("TTS_MAX_PARALLEL", 2),
			OpusEnabled:      envBool("OPUS_ENABLED", false),
			OpusBitrate:      envInt("OPUS_BITRATE", 32000),
			RestartCooldown:  5 * time.Minute,
			ControlSocket:    envStr("CONTROL_SOCKET", "/var/run/docker.sock"),
		},
		STT: STTConfig{
			Endpoint: os.Getenv("STT_ENDPOINT"),
			Language: envStr("STT_LANGUAGE", "en"),
		},
		LLM: LLMConfig{
			ConversationalEndpoint: os.Getenv("LLM_CONV_ENDPOINT"),
			AgenticAPIKey:          os.Getenv("LLM_AGENTIC_API_KEY"),
			AgenticModel:           envStr("LLM_AGENTIC_MODEL", "claude-sonnet-4-20250514"),
			ConversationalModel:    envStr("LLM_CONV_MODEL", "local"),
		},
		Frigate: FrigateConfig{
			Endpoint: os.Getenv("FRIGATE_ENDPOINT"),
		},
		Safety: SafetyConfig{
			OverrideKey:     os.Getenv("OVERRIDE_KEY"),
			ApprovalKeyword: envStr("APPROVAL_KEYWORD", "confirm"),
		},
		InventoryPath: envStr("JARVIS_INVENTORY", "jarvis.yaml"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	if strings.TrimSpace(c.Auth.Password) == "" {
		return errors.New("JARVIS_PASSWORD is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Server.Port)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
