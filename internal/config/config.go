// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the bulk mail service.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shineum/bulkmail/internal/credential"
)

const (
	defaultListen             = ":3000"
	defaultMaxBodyBytes       = 32 << 20
	defaultMaxAttachmentBytes = 10 << 20
	defaultLoginPerMinute     = 10
)

// Config holds the complete application configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	TLS       TLSConfig       `yaml:"tls"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Transport TransportConfig `yaml:"transport"`
	// Credentials is the server-side pool used when a request carries none.
	Credentials []credential.Credential `yaml:"credentials" validate:"-"`
	Gate        GateConfig              `yaml:"gate"`
	Logging     LoggingConfig           `yaml:"logging"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Listen         string   `yaml:"listen" validate:"required"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes" validate:"gt=0"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS settings for the API listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" validate:"required_with=CertFile"`
}

// DispatchConfig holds the dispatcher tuning.
type DispatchConfig struct {
	MaxConcurrentSends int           `yaml:"max_concurrent_sends" validate:"gte=1"`
	MaxRetries         int           `yaml:"max_retries" validate:"gte=0"`
	BaseBackoff        time.Duration `yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff         time.Duration `yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	BatchTimeout       time.Duration `yaml:"batch_timeout" validate:"gte=0"`
	MaxAttachmentBytes int64         `yaml:"max_attachment_bytes" validate:"gt=0"`
	DedupRecipients    bool          `yaml:"dedup_recipients"`
}

// TransportConfig selects and configures the delivery backend.
type TransportConfig struct {
	Kind        string      `yaml:"kind" validate:"oneof=smtp ses graph stdout"`
	DefaultHost string      `yaml:"default_host"`
	DefaultPort int         `yaml:"default_port" validate:"gte=0,lte=65535"`
	SMTP        SMTPConfig  `yaml:"smtp"`
	SES         SESConfig   `yaml:"ses"`
	Graph       GraphConfig `yaml:"graph"`
}

// SMTPConfig holds settings for direct SMTP delivery.
type SMTPConfig struct {
	SenderName         string `yaml:"sender_name"`
	LocalName          string `yaml:"local_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// SESConfig holds Amazon SES settings shared by every credential.
type SESConfig struct {
	Region string `yaml:"region"`
	Sender string `yaml:"sender" validate:"omitempty,email"`
}

// GraphConfig holds Microsoft Graph settings shared by every credential.
type GraphConfig struct {
	// Tenant is used for credentials that do not name one.
	Tenant string `yaml:"tenant"`
	Sender string `yaml:"sender" validate:"omitempty,email"`
}

// GateConfig holds the operator login settings.
type GateConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	LoginPerMinute int    `yaml:"login_per_minute" validate:"gte=0"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory, if present, seeds the environment
// without overriding variables that are already set.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate checks value ranges and the settings each transport requires.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Transport.Kind {
	case "smtp":
		if c.Transport.DefaultHost == "" {
			return errors.New("invalid configuration: transport.default_host is required for smtp")
		}
	case "ses":
		if c.Transport.SES.Sender == "" {
			return errors.New("invalid configuration: transport.ses.sender is required for ses")
		}
	case "graph":
		if c.Transport.Graph.Sender == "" {
			return errors.New("invalid configuration: transport.graph.sender is required for graph")
		}
	}
	return nil
}

// GateEnabled returns true if both gate username and password are set.
func (c *Config) GateEnabled() bool {
	return c.Gate.Username != "" && c.Gate.Password != ""
}

// CredentialDefaults returns the host and port applied to credentials that
// omit them. Their meaning depends on the transport: the SMTP relay, the
// SES region or the Graph tenant.
func (c *Config) CredentialDefaults() (string, int) {
	switch c.Transport.Kind {
	case "ses":
		return c.Transport.SES.Region, 443
	case "graph":
		return c.Transport.Graph.Tenant, 443
	default:
		return c.Transport.DefaultHost, c.Transport.DefaultPort
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = defaultListen
	c.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	c.HTTP.AllowedOrigins = []string{"*"}

	c.Dispatch.MaxConcurrentSends = 5
	c.Dispatch.MaxRetries = 2
	c.Dispatch.BaseBackoff = 500 * time.Millisecond
	c.Dispatch.MaxBackoff = 5 * time.Second
	c.Dispatch.AttemptTimeout = 30 * time.Second
	c.Dispatch.MaxAttachmentBytes = defaultMaxAttachmentBytes

	c.Transport.Kind = "smtp"
	c.Transport.DefaultHost = "smtp.gmail.com"
	c.Transport.DefaultPort = 587

	c.Gate.LoginPerMinute = defaultLoginPerMinute
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setString("HTTP_LISTEN", &c.HTTP.Listen)
	setInt64("HTTP_MAX_BODY_BYTES", &c.HTTP.MaxBodyBytes)
	if v := os.Getenv("HTTP_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}

	setBool("TLS_ENABLED", &c.TLS.Enabled)
	setString("TLS_CERT_FILE", &c.TLS.CertFile)
	setString("TLS_KEY_FILE", &c.TLS.KeyFile)

	setInt("DISPATCH_MAX_CONCURRENT_SENDS", &c.Dispatch.MaxConcurrentSends)
	setInt("DISPATCH_MAX_RETRIES", &c.Dispatch.MaxRetries)
	setDuration("DISPATCH_BASE_BACKOFF", &c.Dispatch.BaseBackoff)
	setDuration("DISPATCH_MAX_BACKOFF", &c.Dispatch.MaxBackoff)
	setDuration("DISPATCH_ATTEMPT_TIMEOUT", &c.Dispatch.AttemptTimeout)
	setDuration("DISPATCH_BATCH_TIMEOUT", &c.Dispatch.BatchTimeout)
	setInt64("DISPATCH_MAX_ATTACHMENT_BYTES", &c.Dispatch.MaxAttachmentBytes)
	setBool("DISPATCH_DEDUP_RECIPIENTS", &c.Dispatch.DedupRecipients)

	if v := os.Getenv("TRANSPORT"); v != "" {
		c.Transport.Kind = strings.ToLower(v)
	}
	setString("TRANSPORT_DEFAULT_HOST", &c.Transport.DefaultHost)
	setInt("TRANSPORT_DEFAULT_PORT", &c.Transport.DefaultPort)
	setString("SMTP_SENDER_NAME", &c.Transport.SMTP.SenderName)
	setString("SMTP_LOCAL_NAME", &c.Transport.SMTP.LocalName)
	setBool("SMTP_INSECURE_SKIP_VERIFY", &c.Transport.SMTP.InsecureSkipVerify)
	setString("SES_REGION", &c.Transport.SES.Region)
	setString("SES_SENDER", &c.Transport.SES.Sender)
	setString("GRAPH_TENANT_ID", &c.Transport.Graph.Tenant)
	setString("GRAPH_SENDER", &c.Transport.Graph.Sender)

	if v := os.Getenv("SMTP_CREDENTIALS"); v != "" {
		var creds []credential.Credential
		if err := json.Unmarshal([]byte(v), &creds); err != nil {
			errs = append(errs, fmt.Errorf("SMTP_CREDENTIALS: %w", err))
		} else {
			c.Credentials = creds
		}
	}

	setString("GATE_USERNAME", &c.Gate.Username)
	setString("GATE_PASSWORD", &c.Gate.Password)
	setInt("GATE_LOGIN_PER_MINUTE", &c.Gate.LoginPerMinute)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
