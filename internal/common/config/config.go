// Package config provides configuration management for vibe80.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Deployment modes.
const (
	ModeMonoUser  = "mono_user"
	ModeMultiUser = "multi_user"
)

// Config holds all configuration sections for vibe80.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Session   SessionConfig   `mapstructure:"session"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds the key-value store configuration.
type StorageConfig struct {
	// Path is the SQLite database file, or ":memory:" for tests.
	Path string `mapstructure:"path"`
}

// WorkspaceConfig holds per-tenant identity and filesystem configuration.
type WorkspaceConfig struct {
	// DeploymentMode is "mono_user" (single tenant, no privilege separation)
	// or "multi_user" (one OS identity per workspace).
	DeploymentMode string `mapstructure:"deploymentMode"`
	// HomeBase is the directory under which workspace homes are created.
	HomeBase string `mapstructure:"homeBase"`
	// UIDMin and UIDMax bound the numeric uid allocation range.
	UIDMin int `mapstructure:"uidMin"`
	UIDMax int `mapstructure:"uidMax"`
	// HelperPath is the privileged sandbox helper binary.
	HelperPath string `mapstructure:"helperPath"`
}

// AuthConfig holds token issuance configuration.
type AuthConfig struct {
	// JWTKey is the HS256 signing key. When empty, JWTKeyPath is consulted;
	// when that file is absent a key is generated there with mode 0600.
	JWTKey     string `mapstructure:"jwtKey"`
	JWTKeyPath string `mapstructure:"jwtKeyPath"`

	AccessTokenTTL  int `mapstructure:"accessTokenTtl"`  // seconds
	RefreshTokenTTL int `mapstructure:"refreshTokenTtl"` // seconds
	RotationGrace   int `mapstructure:"rotationGrace"`   // seconds
	HandoffTokenTTL int `mapstructure:"handoffTokenTtl"` // milliseconds
	MonoTokenTTL    int `mapstructure:"monoTokenTtl"`    // milliseconds
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	IdleTTL    int `mapstructure:"idleTtl"`    // milliseconds
	MaxTTL     int `mapstructure:"maxTtl"`     // milliseconds
	GCInterval int `mapstructure:"gcInterval"` // milliseconds
}

// ProviderConfig holds agent child-process configuration.
type ProviderConfig struct {
	CodexBinary  string `mapstructure:"codexBinary"`
	ClaudeBinary string `mapstructure:"claudeBinary"`
	// SystemPrompt is appended to every agent turn's system prompt.
	SystemPrompt string `mapstructure:"systemPrompt"`
	// ActivateLog enables the raw stdin/stdout/stderr provider log.
	ActivateLog  bool   `mapstructure:"activateLog"`
	LogDirectory string `mapstructure:"logDirectory"`
	// IdleGCSeconds stops an idle agent child after this many seconds; 0 disables.
	IdleGCSeconds int `mapstructure:"idleGcSeconds"`
}

// SandboxConfig holds feature toggles for the streamed command surface.
type SandboxConfig struct {
	AllowRunSlashCommand bool `mapstructure:"allowRunSlashCommand"`
	AllowGitSlashCommand bool `mapstructure:"allowGitSlashCommand"`
	TerminalEnabled      bool `mapstructure:"terminalEnabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MonoUser reports whether the deployment runs without privilege separation.
func (w *WorkspaceConfig) MonoUser() bool {
	return w.DeploymentMode == ModeMonoUser
}

// AccessTokenDuration returns the access token TTL as a time.Duration.
func (a *AuthConfig) AccessTokenDuration() time.Duration {
	return time.Duration(a.AccessTokenTTL) * time.Second
}

// RefreshTokenDuration returns the refresh token TTL as a time.Duration.
func (a *AuthConfig) RefreshTokenDuration() time.Duration {
	return time.Duration(a.RefreshTokenTTL) * time.Second
}

// RotationGraceDuration returns the refresh rotation grace window.
func (a *AuthConfig) RotationGraceDuration() time.Duration {
	return time.Duration(a.RotationGrace) * time.Second
}

// HandoffTokenDuration returns the handoff token TTL.
func (a *AuthConfig) HandoffTokenDuration() time.Duration {
	return time.Duration(a.HandoffTokenTTL) * time.Millisecond
}

// MonoTokenDuration returns the mono-auth token TTL.
func (a *AuthConfig) MonoTokenDuration() time.Duration {
	return time.Duration(a.MonoTokenTTL) * time.Millisecond
}

// IdleTTLDuration returns the session idle TTL.
func (s *SessionConfig) IdleTTLDuration() time.Duration {
	return time.Duration(s.IdleTTL) * time.Millisecond
}

// MaxTTLDuration returns the session max TTL.
func (s *SessionConfig) MaxTTLDuration() time.Duration {
	return time.Duration(s.MaxTTL) * time.Millisecond
}

// GCIntervalDuration returns the session sweep interval.
func (s *SessionConfig) GCIntervalDuration() time.Duration {
	return time.Duration(s.GCInterval) * time.Millisecond
}

// IdleGCDuration returns the idle child GC threshold; zero disables.
func (p *ProviderConfig) IdleGCDuration() time.Duration {
	return time.Duration(p.IdleGCSeconds) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults
	v.SetDefault("storage.path", "vibe80.db")

	// Workspace defaults
	v.SetDefault("workspace.deploymentMode", ModeMultiUser)
	v.SetDefault("workspace.homeBase", "/home")
	v.SetDefault("workspace.uidMin", 20000)
	v.SetDefault("workspace.uidMax", 60000)
	v.SetDefault("workspace.helperPath", "/usr/local/bin/vibe80-helper")

	// Auth defaults
	v.SetDefault("auth.jwtKey", "")
	v.SetDefault("auth.jwtKeyPath", "/etc/vibe80/jwt.key")
	v.SetDefault("auth.accessTokenTtl", 3600)        // 1 hour
	v.SetDefault("auth.refreshTokenTtl", 30*24*3600) // 30 days
	v.SetDefault("auth.rotationGrace", 20)
	v.SetDefault("auth.handoffTokenTtl", 120_000)
	v.SetDefault("auth.monoTokenTtl", 300_000)

	// Session defaults
	v.SetDefault("session.idleTtl", 24*3600*1000)  // 24 hours
	v.SetDefault("session.maxTtl", 7*24*3600*1000) // 7 days
	v.SetDefault("session.gcInterval", 5*60*1000)  // 5 minutes

	// Provider defaults
	v.SetDefault("provider.codexBinary", "codex")
	v.SetDefault("provider.claudeBinary", "claude")
	v.SetDefault("provider.systemPrompt", "")
	v.SetDefault("provider.activateLog", false)
	v.SetDefault("provider.logDirectory", "/var/log/vibe80")
	v.SetDefault("provider.idleGcSeconds", 0)

	// Sandbox feature toggles
	v.SetDefault("sandbox.allowRunSlashCommand", false)
	v.SetDefault("sandbox.allowGitSlashCommand", false)
	v.SetDefault("sandbox.terminalEnabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("VIBE80_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VIBE80_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/vibe80/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("VIBE80")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The operational toggles keep their historical un-prefixed names, so
	// bind them explicitly alongside the VIBE80_ variants.
	_ = v.BindEnv("workspace.deploymentMode", "DEPLOYMENT_MODE", "VIBE80_WORKSPACE_DEPLOYMENT_MODE")
	_ = v.BindEnv("workspace.homeBase", "WORKSPACE_HOME_BASE", "VIBE80_WORKSPACE_HOME_BASE")
	_ = v.BindEnv("workspace.uidMin", "WORKSPACE_UID_MIN", "VIBE80_WORKSPACE_UID_MIN")
	_ = v.BindEnv("workspace.uidMax", "WORKSPACE_UID_MAX", "VIBE80_WORKSPACE_UID_MAX")
	_ = v.BindEnv("auth.jwtKey", "JWT_KEY", "VIBE80_AUTH_JWT_KEY")
	_ = v.BindEnv("auth.jwtKeyPath", "JWT_KEY_PATH", "VIBE80_AUTH_JWT_KEY_PATH")
	_ = v.BindEnv("auth.refreshTokenTtl", "REFRESH_TOKEN_TTL_SECONDS")
	_ = v.BindEnv("auth.rotationGrace", "REFRESH_TOKEN_ROTATION_GRACE_SECONDS")
	_ = v.BindEnv("auth.handoffTokenTtl", "HANDOFF_TOKEN_TTL_MS")
	_ = v.BindEnv("auth.monoTokenTtl", "MONO_AUTH_TOKEN_TTL_MS")
	_ = v.BindEnv("session.idleTtl", "SESSION_IDLE_TTL_MS")
	_ = v.BindEnv("session.maxTtl", "SESSION_MAX_TTL_MS")
	_ = v.BindEnv("session.gcInterval", "SESSION_GC_INTERVAL_MS")
	_ = v.BindEnv("provider.activateLog", "ACTIVATE_PROVIDER_LOG")
	_ = v.BindEnv("provider.logDirectory", "PROVIDER_LOG_DIRECTORY")
	_ = v.BindEnv("provider.systemPrompt", "SYSTEM_PROMPT")
	_ = v.BindEnv("sandbox.allowRunSlashCommand", "ALLOW_RUN_SLASH_COMMAND")
	_ = v.BindEnv("sandbox.allowGitSlashCommand", "ALLOW_GIT_SLASH_COMMAND")
	_ = v.BindEnv("sandbox.terminalEnabled", "TERMINAL_ENABLED")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vibe80/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Workspace.DeploymentMode {
	case ModeMonoUser, ModeMultiUser:
	default:
		errs = append(errs, "workspace.deploymentMode must be mono_user or multi_user")
	}
	if cfg.Workspace.UIDMin <= 0 || cfg.Workspace.UIDMax <= cfg.Workspace.UIDMin {
		errs = append(errs, "workspace uid range must satisfy 0 < uidMin < uidMax")
	}

	if cfg.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, "auth.accessTokenTtl must be positive")
	}
	if cfg.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, "auth.refreshTokenTtl must be positive")
	}
	if cfg.Auth.RotationGrace < 0 {
		errs = append(errs, "auth.rotationGrace must not be negative")
	}

	if cfg.Session.IdleTTL <= 0 || cfg.Session.MaxTTL <= 0 || cfg.Session.GCInterval <= 0 {
		errs = append(errs, "session TTLs and gcInterval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
