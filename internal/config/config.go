// Package config loads the processor configuration via Viper with
// environment variable bindings and optional config file support.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MailboxConfig holds IMAP connection settings.
type MailboxConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Folder   string
	TLS      bool
}

// ERPConfig holds the ERP RPC endpoint settings.
type ERPConfig struct {
	URL      string
	DB       string
	User     string
	Password string
	Timeout  time.Duration
}

// LLMConfig holds the LLM/embedding provider settings.
type LLMConfig struct {
	APIKey         string
	Endpoint       string
	Model          string
	EmbedModel     string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	RetryCount     int
	RequestsPerMin int
}

// MatchingConfig holds retrieval and confirmation thresholds.
type MatchingConfig struct {
	SemanticFloor   float64
	AutoThreshold   float64
	ReviewThreshold float64
	TopK            int
	FinalK          int
	DimensionBoost  float64
	GenericsList    []string
}

// ProcessingConfig holds supervisor and pipeline settings.
type ProcessingConfig struct {
	PollInterval           time.Duration
	HeartbeatInterval      time.Duration
	SyncSchedule           string
	MaxConsecutiveFailures int
	Workers                int
	LineItemConcurrency    int
	PerCallTimeout         time.Duration
	PerMessageDeadline     time.Duration
	DryRun                 bool
}

// SMTPConfig holds the outbound alert mail settings.
type SMTPConfig struct {
	Addr     string
	From     string
	User     string
	Password string
}

// FeedbackConfig tunes the correction loop.
type FeedbackConfig struct {
	// ConfidenceFloor is the minimum parser confidence to apply a correction.
	ConfidenceFloor float64
}

// CompanyConfig identifies the supplier's own company so it is never
// extracted as the customer.
type CompanyConfig struct {
	OwnAliases []string
	OwnDomain  string
}

// PathsConfig holds the filesystem layout.
type PathsConfig struct {
	CatalogDir    string
	AuditDir      string
	FeedbackDir   string
	HealthDir     string
	EmbeddingsDir string
	StateDBPath   string
}

// Config is the root configuration.
type Config struct {
	Mailbox    MailboxConfig
	ERP        ERPConfig
	LLM        LLMConfig
	Matching   MatchingConfig
	Processing ProcessingConfig
	SMTP       SMTPConfig
	Feedback   FeedbackConfig
	Company    CompanyConfig
	Paths      PathsConfig

	EnableOrderCreation bool
	EnableNotifications bool
	ImmediateRetrain    bool
	AdminAlertAddress   string
	ChatToken           string
	ChatOperatorID      string
	StatusListenAddr    string
}

// Load reads configuration from environment variables and an optional
// ordermail.yaml config file.
func Load() (*Config, error) {
	return LoadWithViper(viper.New())
}

// LoadWithViper loads configuration through the given Viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	bindEnv(v)

	if err := readConfigFile(v); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	cfg := &Config{}
	if err := unmarshal(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mailbox.port", 993)
	v.SetDefault("mailbox.folder", "INBOX")
	v.SetDefault("mailbox.tls", true)

	v.SetDefault("erp.timeout", "30s")

	v.SetDefault("llm.endpoint", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.embed_model", "text-embedding-3-small")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.retry_count", 3)
	v.SetDefault("llm.requests_per_min", 60)

	v.SetDefault("matching.semantic_floor", 0.60)
	v.SetDefault("matching.auto_threshold", 0.95)
	v.SetDefault("matching.review_threshold", 0.75)
	v.SetDefault("matching.top_k", 20)
	v.SetDefault("matching.final_k", 5)
	v.SetDefault("matching.dimension_boost", 0.5)
	v.SetDefault("matching.generics_list", []string{"tape", "blade", "seal", "klebeband", "messer", "dichtung"})

	v.SetDefault("processing.poll_interval_seconds", 60)
	v.SetDefault("processing.heartbeat_interval_seconds", 300)
	v.SetDefault("processing.sync_schedule", "@every 30m")
	v.SetDefault("processing.max_consecutive_failures", 3)
	v.SetDefault("processing.workers", 1)
	v.SetDefault("processing.line_item_concurrency", 4)
	v.SetDefault("processing.per_call_timeout", "30s")
	v.SetDefault("processing.per_message_deadline", "5m")
	v.SetDefault("processing.dry_run", false)

	v.SetDefault("feedback.confidence_floor", 0.5)

	v.SetDefault("paths.catalog_dir", "catalog")
	v.SetDefault("paths.audit_dir", "audit")
	v.SetDefault("paths.feedback_dir", "feedback")
	v.SetDefault("paths.health_dir", "health")
	v.SetDefault("paths.embeddings_dir", "embeddings")
	v.SetDefault("paths.state_db_path", "ordermail-state.db")

	v.SetDefault("enable_order_creation", false)
	v.SetDefault("enable_notifications", true)
	v.SetDefault("immediate_retrain", false)
	v.SetDefault("status_listen_addr", "")
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("ORDERMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare names mirror the deployment environment of the original system;
	// each key also answers to the ORDERMAIL_ prefixed form.
	bindings := map[string]string{
		"mailbox.host":     "MAILBOX_HOST",
		"mailbox.port":     "MAILBOX_PORT",
		"mailbox.user":     "MAILBOX_USER",
		"mailbox.password": "MAILBOX_PASSWORD",
		"mailbox.folder":   "MAILBOX_FOLDER",

		"erp.url":      "ERP_URL",
		"erp.db":       "ERP_DB",
		"erp.user":     "ERP_USER",
		"erp.password": "ERP_PASSWORD",

		"llm.api_key":     "LLM_API_KEY",
		"llm.endpoint":    "LLM_ENDPOINT",
		"llm.model":       "LLM_MODEL",
		"llm.embed_model": "LLM_EMBED_MODEL",

		"matching.semantic_floor":   "SEMANTIC_FLOOR",
		"matching.auto_threshold":   "AUTO_THRESHOLD",
		"matching.review_threshold": "REVIEW_THRESHOLD",

		"processing.poll_interval_seconds":      "POLL_INTERVAL_SECONDS",
		"processing.heartbeat_interval_seconds": "HEARTBEAT_INTERVAL_SECONDS",
		"processing.max_consecutive_failures":   "MAX_CONSECUTIVE_FAILURES",

		"smtp.addr":     "SMTP_ADDR",
		"smtp.from":     "SMTP_FROM",
		"smtp.user":     "SMTP_USER",
		"smtp.password": "SMTP_PASSWORD",

		"feedback.confidence_floor": "FEEDBACK_CONFIDENCE_FLOOR",

		"company.own_aliases": "OWN_COMPANY_ALIASES",
		"company.own_domain":  "OWN_COMPANY_DOMAIN",

		"enable_order_creation": "ENABLE_ORDER_CREATION",
		"enable_notifications":  "ENABLE_NOTIFICATIONS",
		"immediate_retrain":     "IMMEDIATE_RETRAIN",
		"admin_alert_address":   "ADMIN_ALERT_ADDRESS",
		"chat_token":            "CHAT_TOKEN",
		"chat_operator_id":      "CHAT_OPERATOR_ID",
	}

	for key, env := range bindings {
		v.BindEnv(key, "ORDERMAIL_"+env, env)
	}
}

func readConfigFile(v *viper.Viper) error {
	if v.ConfigFileUsed() != "" {
		return v.ReadInConfig()
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetConfigName("ordermail")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func unmarshal(v *viper.Viper, cfg *Config) error {
	cfg.Mailbox.Host = v.GetString("mailbox.host")
	cfg.Mailbox.Port = v.GetInt("mailbox.port")
	cfg.Mailbox.User = v.GetString("mailbox.user")
	cfg.Mailbox.Password = v.GetString("mailbox.password")
	cfg.Mailbox.Folder = v.GetString("mailbox.folder")
	cfg.Mailbox.TLS = v.GetBool("mailbox.tls")

	cfg.ERP.URL = v.GetString("erp.url")
	cfg.ERP.DB = v.GetString("erp.db")
	cfg.ERP.User = v.GetString("erp.user")
	cfg.ERP.Password = v.GetString("erp.password")

	var err error
	if cfg.ERP.Timeout, err = time.ParseDuration(v.GetString("erp.timeout")); err != nil {
		return fmt.Errorf("invalid erp timeout: %w", err)
	}

	cfg.LLM.APIKey = v.GetString("llm.api_key")
	cfg.LLM.Endpoint = v.GetString("llm.endpoint")
	cfg.LLM.Model = v.GetString("llm.model")
	cfg.LLM.EmbedModel = v.GetString("llm.embed_model")
	cfg.LLM.MaxTokens = v.GetInt("llm.max_tokens")
	cfg.LLM.Temperature = v.GetFloat64("llm.temperature")
	cfg.LLM.RetryCount = v.GetInt("llm.retry_count")
	cfg.LLM.RequestsPerMin = v.GetInt("llm.requests_per_min")
	if cfg.LLM.Timeout, err = time.ParseDuration(v.GetString("llm.timeout")); err != nil {
		return fmt.Errorf("invalid llm timeout: %w", err)
	}

	cfg.Matching.SemanticFloor = v.GetFloat64("matching.semantic_floor")
	cfg.Matching.AutoThreshold = v.GetFloat64("matching.auto_threshold")
	cfg.Matching.ReviewThreshold = v.GetFloat64("matching.review_threshold")
	cfg.Matching.TopK = v.GetInt("matching.top_k")
	cfg.Matching.FinalK = v.GetInt("matching.final_k")
	cfg.Matching.DimensionBoost = v.GetFloat64("matching.dimension_boost")
	cfg.Matching.GenericsList = v.GetStringSlice("matching.generics_list")

	cfg.Processing.PollInterval = time.Duration(v.GetInt("processing.poll_interval_seconds")) * time.Second
	cfg.Processing.HeartbeatInterval = time.Duration(v.GetInt("processing.heartbeat_interval_seconds")) * time.Second
	cfg.Processing.SyncSchedule = v.GetString("processing.sync_schedule")
	cfg.Processing.MaxConsecutiveFailures = v.GetInt("processing.max_consecutive_failures")
	cfg.Processing.Workers = v.GetInt("processing.workers")
	cfg.Processing.LineItemConcurrency = v.GetInt("processing.line_item_concurrency")
	cfg.Processing.DryRun = v.GetBool("processing.dry_run")
	if cfg.Processing.PerCallTimeout, err = time.ParseDuration(v.GetString("processing.per_call_timeout")); err != nil {
		return fmt.Errorf("invalid per_call_timeout: %w", err)
	}
	if cfg.Processing.PerMessageDeadline, err = time.ParseDuration(v.GetString("processing.per_message_deadline")); err != nil {
		return fmt.Errorf("invalid per_message_deadline: %w", err)
	}

	cfg.SMTP.Addr = v.GetString("smtp.addr")
	cfg.SMTP.From = v.GetString("smtp.from")
	cfg.SMTP.User = v.GetString("smtp.user")
	cfg.SMTP.Password = v.GetString("smtp.password")

	cfg.Feedback.ConfidenceFloor = v.GetFloat64("feedback.confidence_floor")

	cfg.Company.OwnAliases = v.GetStringSlice("company.own_aliases")
	cfg.Company.OwnDomain = v.GetString("company.own_domain")

	cfg.Paths.CatalogDir = v.GetString("paths.catalog_dir")
	cfg.Paths.AuditDir = v.GetString("paths.audit_dir")
	cfg.Paths.FeedbackDir = v.GetString("paths.feedback_dir")
	cfg.Paths.HealthDir = v.GetString("paths.health_dir")
	cfg.Paths.EmbeddingsDir = v.GetString("paths.embeddings_dir")
	cfg.Paths.StateDBPath = v.GetString("paths.state_db_path")

	cfg.EnableOrderCreation = v.GetBool("enable_order_creation")
	cfg.EnableNotifications = v.GetBool("enable_notifications")
	cfg.ImmediateRetrain = v.GetBool("immediate_retrain")
	cfg.AdminAlertAddress = v.GetString("admin_alert_address")
	cfg.ChatToken = v.GetString("chat_token")
	cfg.ChatOperatorID = v.GetString("chat_operator_id")
	cfg.StatusListenAddr = v.GetString("status_listen_addr")

	return nil
}

func (c *Config) validate() error {
	if c.Matching.SemanticFloor < 0 || c.Matching.SemanticFloor > 1 {
		return fmt.Errorf("semantic_floor must be in [0,1], got %v", c.Matching.SemanticFloor)
	}
	if c.Matching.AutoThreshold < c.Matching.ReviewThreshold {
		return fmt.Errorf("auto_threshold (%v) must be >= review_threshold (%v)",
			c.Matching.AutoThreshold, c.Matching.ReviewThreshold)
	}
	if c.Processing.Workers < 1 || c.Processing.Workers > 4 {
		return fmt.Errorf("workers must be between 1 and 4, got %d", c.Processing.Workers)
	}
	if c.Processing.LineItemConcurrency < 1 {
		return fmt.Errorf("line_item_concurrency must be positive, got %d", c.Processing.LineItemConcurrency)
	}
	if c.Processing.PollInterval <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive")
	}
	if c.Feedback.ConfidenceFloor < 0 || c.Feedback.ConfidenceFloor > 1 {
		return fmt.Errorf("feedback confidence_floor must be in [0,1], got %v", c.Feedback.ConfidenceFloor)
	}
	return nil
}
