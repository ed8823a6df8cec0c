// Package config handles loading, validating, and writing the auditchain
// configuration (config.yaml).
//
// Values are layered with koanf, later layers winning:
//  1. built-in defaults
//  2. the YAML file, if present
//  3. AUDITCHAIN_* environment variables (AUDITCHAIN_AUDIT_MAX_FILES -> audit.max_files)
//
// The config defines:
//   - Audit log directory, rotation threshold, retention count
//   - Index backend (none, badger, sqlite) and entry TTL
//   - Encryption key source (inline/env or OS keyring)
//   - HTTP listen address for `auditchain serve`
//   - Process log level and format
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "AUDITCHAIN_"

// Index backends.
const (
	IndexNone   = "none"
	IndexBadger = "badger"
	IndexSQLite = "sqlite"
)

// Config is the top-level auditchain configuration.
type Config struct {
	Audit      AuditConfig      `koanf:"audit" yaml:"audit"`
	Index      IndexConfig      `koanf:"index" yaml:"index"`
	Encryption EncryptionConfig `koanf:"encryption" yaml:"encryption"`
	Server     ServerConfig     `koanf:"server" yaml:"server"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
}

// AuditConfig controls the durable log.
//
// MaxFileSize is the live partition size (bytes) at which the partition is
// rotated and compressed. MaxFiles bounds the number of partition files
// (live + rotated) kept on disk; the oldest by modification time are
// removed first.
type AuditConfig struct {
	Dir               string   `koanf:"dir" yaml:"dir"`
	MaxFileSize       int64    `koanf:"max_file_size" yaml:"max_file_size"`
	MaxFiles          int      `koanf:"max_files" yaml:"max_files"`
	Compress          bool     `koanf:"compress" yaml:"compress"`
	RedactHeaders     []string `koanf:"redact_headers" yaml:"redact_headers"`
	SensitiveKeywords []string `koanf:"sensitive_keywords" yaml:"sensitive_keywords"`
}

// IndexConfig selects the fast-lookup index. The index is optional for
// correctness: with backend "none", queries scan the log partitions.
type IndexConfig struct {
	Backend   string        `koanf:"backend" yaml:"backend"`
	Path      string        `koanf:"path" yaml:"path"`
	TTL       time.Duration `koanf:"ttl" yaml:"ttl"`
	QueueSize int           `koanf:"queue_size" yaml:"queue_size"`
}

// EncryptionConfig defines where the symmetric key material comes from.
// Key takes precedence; otherwise, with Keyring enabled, the key is read
// from the OS keyring under KeyringAccount.
type EncryptionConfig struct {
	Key            string `koanf:"key" yaml:"key"`
	Keyring        bool   `koanf:"keyring" yaml:"keyring"`
	KeyringAccount string `koanf:"keyring_account" yaml:"keyring_account"`
}

// ServerConfig defines where `auditchain serve` listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `koanf:"host" yaml:"host"`
	Port int    `koanf:"port" yaml:"port"`
}

// LogConfig configures process logging (not the audit log).
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// sliceConfigPaths are parsed from comma-separated strings when they come
// from the environment.
var sliceConfigPaths = []string{
	"audit.redact_headers",
	"audit.sensitive_keywords",
}

// Load reads config.yaml from path, layering defaults, the file, and the
// environment. A missing file is not an error. Relative audit and index
// paths are resolved against the directory containing path.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(applyDefaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	base := filepath.Dir(path)
	cfg.Audit.Dir = resolvePath(base, cfg.Audit.Dir)
	cfg.Index.Path = resolvePath(base, cfg.Index.Path)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the default configuration with paths resolved against dir.
func Default(dir string) *Config {
	cfg := applyDefaults()
	cfg.Audit.Dir = resolvePath(dir, cfg.Audit.Dir)
	cfg.Index.Path = resolvePath(dir, cfg.Index.Path)
	return cfg
}

// WriteDefault writes a default config.yaml with all fields populated and a
// comment header. The encryption key is left empty; use the keyring or the
// AUDITCHAIN_ENCRYPTION_KEY environment variable.
func WriteDefault(path string) error {
	data, err := yamlv3.Marshal(applyDefaults())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# auditchain configuration
#
# audit:
#   dir: Directory for day-partitioned JSONL files and chain.json
#   max_file_size: Rotate the live partition at this many bytes (default 10 MiB)
#   max_files: Keep at most this many partition files (default 100)
#   compress: gzip rotated partitions
#   redact_headers: Glob patterns (case-insensitive) of request headers to redact
#   sensitive_keywords: Substrings that mark an entry for encryption
#
# index:
#   backend: none | badger | sqlite
#   ttl: How long entries stay queryable in the index
#
# encryption:
#   key: Key material (prefer AUDITCHAIN_ENCRYPTION_KEY)
#   keyring: Read the key from the OS keyring
#
# Every value can be overridden with AUDITCHAIN_<SECTION>_<FIELD>.

`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o600)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Audit: AuditConfig{
			Dir:         "audit",
			MaxFileSize: 10 << 20,
			MaxFiles:    100,
			Compress:    true,
			RedactHeaders: []string{
				"authorization",
				"proxy-authorization",
				"cookie",
				"set-cookie",
				"x-api-key",
				"*token*",
				"*secret*",
			},
			SensitiveKeywords: []string{"password", "token", "secret", "key", "ssn", "credit"},
		},
		Index: IndexConfig{
			Backend:   IndexBadger,
			Path:      "index",
			TTL:       90 * 24 * time.Hour,
			QueueSize: 1024,
		},
		Encryption: EncryptionConfig{
			Keyring:        false,
			KeyringAccount: "default",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Audit.Dir == "" {
		return fmt.Errorf("audit.dir must not be empty")
	}
	if cfg.Audit.MaxFileSize <= 0 {
		return fmt.Errorf("audit.max_file_size must be positive, got %d", cfg.Audit.MaxFileSize)
	}
	if cfg.Audit.MaxFiles < 1 {
		return fmt.Errorf("audit.max_files must be at least 1, got %d", cfg.Audit.MaxFiles)
	}

	switch cfg.Index.Backend {
	case IndexNone:
	case IndexBadger, IndexSQLite:
		if cfg.Index.Path == "" {
			return fmt.Errorf("index.path is required for backend %q", cfg.Index.Backend)
		}
		if cfg.Index.TTL <= 0 {
			return fmt.Errorf("index.ttl must be positive")
		}
	default:
		return fmt.Errorf("index.backend %q unknown (use none, badger, or sqlite)", cfg.Index.Backend)
	}
	if cfg.Index.QueueSize < 0 {
		return fmt.Errorf("index.queue_size must be non-negative")
	}

	if cfg.Encryption.Keyring && cfg.Encryption.KeyringAccount == "" {
		return fmt.Errorf("encryption.keyring_account is required when keyring is enabled")
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	return nil
}

// envTransform maps AUDITCHAIN_SECTION_FIELD_NAME to section.field_name.
// Variables without a section are ignored.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok || section == "" || field == "" {
		return ""
	}
	return section + "." + field
}

// processSliceFields converts comma-separated strings (from env vars) into
// slices for known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(strVal, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("setting %s: %w", path, err)
		}
	}
	return nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(base, p)
}
