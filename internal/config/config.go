// Package config loads the uploader JSON configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Archive type tags accepted in archive.archive_type.
const (
	ArchiveSCP   = "scp"
	ArchiveGCS   = "google_cloud"
	ArchiveS3    = "aws_s3"
	ArchiveLocal = "local"
)

type Config struct {
	LogLevel  LogLevel `json:"log_level"`
	LogFormat string   `json:"log_format,omitempty"`

	// TempFilePath is read for compatibility with existing config files;
	// nothing stages files there.
	TempFilePath string       `json:"temp_file_path"`
	Compression  Compression  `json:"m4a_audio_compression"`
	Archive      Archive      `json:"archive"`
	RdioSystems  []RdioSystem `json:"rdio_systems"`
}

type Compression struct {
	Enabled        bool     `json:"enabled"`
	SampleRate     int      `json:"sample_rate"`
	Bitrate        int      `json:"bitrate"`
	Normalization  bool     `json:"normalization"`
	UseLoudnorm    bool     `json:"use_loudnorm"`
	LoudnormParams Loudnorm `json:"loudnorm_params"`
	Codec          string   `json:"codec"`
	FFmpegPath     string   `json:"ffmpeg_path"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Loudnorm holds the EBU R128 targets passed to ffmpeg's loudnorm filter.
type Loudnorm struct {
	I      float64 `json:"I"`
	TP     float64 `json:"TP"`
	LRA    float64 `json:"LRA"`
	Linear Flag    `json:"linear"`
}

// Timeout converts timeout_seconds; zero means no limit.
func (c Compression) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type Archive struct {
	Enabled           Flag     `json:"enabled"`
	ArchiveType       string   `json:"archive_type"`
	ArchivePath       string   `json:"archive_path"`
	ArchiveDays       int      `json:"archive_days"`
	ArchiveExtensions []string `json:"archive_extensions"`
	GoogleCloud       GCS      `json:"google_cloud"`
	AWSS3             S3       `json:"aws_s3"`
	SCP               SCP      `json:"scp"`
	Local             Local    `json:"local"`
}

// Retry is embedded in every backend block so the policy is uniform.
type Retry struct {
	MaxAttempts       int     `json:"max_attempts"`
	RetryDelaySeconds float64 `json:"retry_delay_seconds"`
}

// Delay converts retry_delay_seconds into a duration.
func (r Retry) Delay() time.Duration {
	if r.RetryDelaySeconds <= 0 {
		return 0
	}
	return time.Duration(r.RetryDelaySeconds * float64(time.Second))
}

type GCS struct {
	ProjectID       string `json:"project_id"`
	BucketName      string `json:"bucket_name"`
	CredentialsFile string `json:"credentials_file"`
	Retry
}

type S3 struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	BucketName      string `json:"bucket_name"`
	Region          string `json:"region"`
	Retry
}

type SCP struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	User                 string `json:"user"`
	Password             string `json:"password"`
	PrivateKeyPath       string `json:"private_key_path"`
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty"`
	KnownHostsPath       string `json:"known_hosts_path,omitempty"`
	BaseURL              string `json:"base_url"`
	ConnectTimeout       int    `json:"connect_timeout_seconds,omitempty"`
	Retry
}

type Local struct {
	BaseURL   string `json:"base_url"`
	LocalPath string `json:"local_path"`
	Retry
}

type RdioSystem struct {
	Enabled   Flag   `json:"enabled"`
	URL       string `json:"rdio_url"`
	APIKey    string `json:"rdio_api_key"`
	SystemID  string `json:"system_id"`
	VerifyTLS bool   `json:"verify_tls"`
}

// Flag is a boolean that also accepts 0/1 and "true"/"false" in JSON,
// since older config files store these switches as integers.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		*f = true
	case "false", "0", "", "no", "off", "null":
		*f = false
	default:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid flag value %s", string(data))
		}
		*f = n != 0
	}
	return nil
}

// LogLevel is a level name. Older config files store a number instead:
// 1 through 5 for debug, info, warning, error and critical, or the
// logging-module values 10 through 50.
type LogLevel string

func (l *LogLevel) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		if n, err := strconv.Atoi(strings.TrimSpace(name)); err == nil {
			*l = levelFromNumber(n)
			return nil
		}
		*l = LogLevel(strings.ToLower(strings.TrimSpace(name)))
		return nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid log_level %s", raw)
	}
	*l = levelFromNumber(int(n))
	return nil
}

func levelFromNumber(n int) LogLevel {
	if n >= 10 {
		n /= 10
	}
	switch {
	case n <= 0:
		return "info"
	case n == 1:
		return "debug"
	case n == 2:
		return "info"
	case n == 3:
		return "warn"
	default:
		return "error"
	}
}

// Load reads the config file, creating it with defaults when missing.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			if err := Save(path, cfg); err != nil {
				return Config{}, fmt.Errorf("create default config: %w", err)
			}
			applyEnv(&cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

// Save writes cfg as indented JSON and creates parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate rejects values that would only fail later at run time.
func (c Config) Validate() error {
	if c.Compression.Enabled {
		if c.Compression.SampleRate <= 0 {
			return fmt.Errorf("m4a_audio_compression.sample_rate must be positive")
		}
		if c.Compression.Bitrate <= 0 {
			return fmt.Errorf("m4a_audio_compression.bitrate must be positive")
		}
	}
	if bool(c.Archive.Enabled) {
		switch c.Archive.ArchiveType {
		case ArchiveSCP, ArchiveGCS, ArchiveS3, ArchiveLocal:
		default:
			return fmt.Errorf("archive.archive_type %q is not one of scp, google_cloud, aws_s3, local", c.Archive.ArchiveType)
		}
	}
	for i, sys := range c.RdioSystems {
		if bool(sys.Enabled) && strings.TrimSpace(sys.URL) == "" {
			return fmt.Errorf("rdio_systems[%d].rdio_url is required", i)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.TempFilePath = getEnv("TEMP_FILE_PATH", cfg.TempFilePath)
	cfg.Compression.FFmpegPath = getEnv("FFMPEG_BIN", cfg.Compression.FFmpegPath)
	cfg.Compression.TimeoutSeconds = getEnvInt("FFMPEG_TIMEOUT_SECONDS", cfg.Compression.TimeoutSeconds)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
