package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultJQL = `status = New AND (component is EMPTY OR Team is EMPTY) ORDER BY created DESC`

type Config struct {
	JiraURL        string            `yaml:"jira_url"`
	JiraToken      string            `yaml:"jira_token"`
	JiraDefaultJQL string            `yaml:"jira_default_jql"`
	JiraFieldMap   map[string]string `yaml:"jira_field_map"`
	// TicketsFile replaces Jira with a YAML ticket list for rehearsals.
	TicketsFile string `yaml:"tickets_file"`

	LLMProvider      string `yaml:"llm_provider"`
	LLMModel         string `yaml:"llm_model"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	LLMKnowledgeBase string `yaml:"llm_knowledge_base_path"`

	// ConfidenceThreshold is a fraction, or a percentage when above 1 or
	// suffixed with "%". An explicit 0 auto-applies every recommendation.
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	Concurrency         int      `yaml:"concurrency"`
	RetryBackoffMS      int      `yaml:"retry_backoff_ms"`
	AllowedFields       []string `yaml:"allowed_fields"`
	SummaryMaxItems     int      `yaml:"summary_max_items"`
	DedupWindowHours    int      `yaml:"dedup_window_hours"`

	DBPath          string   `yaml:"db_path"`
	PostgresDSN     string   `yaml:"postgres_dsn"`
	ReportOutputDir string   `yaml:"report_output_dir"`
	S3Bucket        string   `yaml:"s3_bucket"`
	S3Prefix        string   `yaml:"s3_prefix"`
	KafkaBrokers    []string `yaml:"kafka_brokers"`
	KafkaTopic      string   `yaml:"kafka_topic"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	Schedule       string `yaml:"schedule"`
	Timezone       string `yaml:"timezone"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`

	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`
	LogLevel                   string `yaml:"log_level"`
}

// LoadConfig reads .env, then config.yaml (CONFIG_PATH), then environment
// overrides, applies defaults and validates the result.
func LoadConfig() (Config, error) {
	// NaN marks an unset threshold so an explicit 0 (apply everything)
	// survives the defaults below.
	cfg := Config{ConfidenceThreshold: math.NaN()}

	envFile := ".env"
	if p := os.Getenv("ENV_FILE"); p != "" {
		envFile = p
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", envFile, err)
	}

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	var errs []error
	envOverride(&cfg.JiraURL, "JIRA_URL")
	envOverride(&cfg.JiraToken, "JIRA_TOKEN")
	envOverride(&cfg.JiraDefaultJQL, "JIRA_DEFAULT_JQL")
	envOverride(&cfg.TicketsFile, "TICKETS_FILE")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.LLMKnowledgeBase, "LLM_KNOWLEDGE_BASE_PATH")
	errs = append(errs,
		envOverrideFloat(&cfg.ConfidenceThreshold, "CONFIDENCE_THRESHOLD"),
		envOverrideInt(&cfg.Concurrency, "CONCURRENCY"),
		envOverrideInt(&cfg.RetryBackoffMS, "RETRY_BACKOFF_MS"),
		envOverrideInt(&cfg.SummaryMaxItems, "SUMMARY_MAX_ITEMS"),
		envOverrideInt(&cfg.DedupWindowHours, "DEDUP_WINDOW_HOURS"),
		envOverrideInt(&cfg.RedisDB, "REDIS_DB"),
		envOverrideInt(&cfg.LockTTLSeconds, "LOCK_TTL_SECONDS"),
		envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS"),
	)
	envOverrideList(&cfg.AllowedFields, "ALLOWED_FIELDS")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.PostgresDSN, "POSTGRES_DSN")
	envOverride(&cfg.ReportOutputDir, "REPORT_OUTPUT_DIR")
	envOverride(&cfg.S3Bucket, "S3_BUCKET")
	envOverride(&cfg.S3Prefix, "S3_PREFIX")
	envOverrideList(&cfg.KafkaBrokers, "KAFKA_BROKERS")
	envOverride(&cfg.KafkaTopic, "KAFKA_TOPIC")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.Schedule, "SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.RedisAddr, "REDIS_ADDR")
	envOverride(&cfg.RedisPassword, "REDIS_PASSWORD")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	if raw := os.Getenv("JIRA_FIELD_MAP"); raw != "" {
		m, err := parseFieldMap(raw)
		errs = append(errs, err)
		if err == nil {
			cfg.JiraFieldMap = m
		}
	}
	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}

	// Defaults
	if cfg.JiraDefaultJQL == "" {
		cfg.JiraDefaultJQL = defaultJQL
	}
	if cfg.JiraFieldMap == nil {
		cfg.JiraFieldMap = map[string]string{}
	}
	if _, ok := cfg.JiraFieldMap["team"]; !ok {
		cfg.JiraFieldMap["team"] = "customfield_12313240"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if math.IsNaN(cfg.ConfidenceThreshold) {
		cfg.ConfidenceThreshold = 0.80
	}
	cfg.ConfidenceThreshold = NormalizeThreshold(cfg.ConfidenceThreshold)
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetryBackoffMS == 0 {
		cfg.RetryBackoffMS = 500
	}
	if len(cfg.AllowedFields) == 0 {
		cfg.AllowedFields = []string{"team", "components"}
	}
	if cfg.SummaryMaxItems == 0 {
		cfg.SummaryMaxItems = 5
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./triagebot.db"
	}
	if cfg.ReportOutputDir == "" {
		cfg.ReportOutputDir = "./reports"
	}
	if cfg.S3Prefix == "" {
		cfg.S3Prefix = "triagebot"
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "triage.runs"
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 * * * 1-5"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
	if cfg.LockTTLSeconds == 0 {
		cfg.LockTTLSeconds = 1800
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = 90
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	required := []struct{ name, val string }{
		{"jira_url", c.JiraURL},
		{"jira_token", c.JiraToken},
	}
	for _, r := range required {
		if r.val == "" && c.TicketsFile == "" {
			return fmt.Errorf("required config '%s' is not set (via config.yaml or env var)", r.name)
		}
	}

	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return errors.New("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return errors.New("openai_api_key is required when llm_provider=openai")
		}
	default:
		return fmt.Errorf("llm_provider must be 'anthropic' or 'openai', got '%s'", c.LLMProvider)
	}

	if !strings.EqualFold(c.Timezone, "Local") {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
		}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("invalid confidence_threshold '%v': must be between 0 and 1 (or 0-100 percent)", c.ConfidenceThreshold)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("invalid concurrency '%d': must be >= 1", c.Concurrency)
	}
	if c.RetryBackoffMS < 0 {
		return fmt.Errorf("invalid retry_backoff_ms '%d': must be >= 0", c.RetryBackoffMS)
	}
	if c.SummaryMaxItems < 1 {
		return fmt.Errorf("invalid summary_max_items '%d': must be >= 1", c.SummaryMaxItems)
	}
	if c.DedupWindowHours < 0 {
		return fmt.Errorf("invalid dedup_window_hours '%d': must be >= 0", c.DedupWindowHours)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("kafka_topic is required when kafka_brokers is set")
	}
	if c.SlackBotToken != "" && c.SlackChannelID == "" {
		return errors.New("slack_channel_id is required when slack_bot_token is set")
	}
	return nil
}

// Location resolves the configured timezone.
func (c Config) Location() *time.Location {
	if strings.EqualFold(c.Timezone, "Local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// NormalizeThreshold accepts a fraction (0.8) or a percentage (80). Values
// above 1 are percentages, so 1 itself means 100%; one percent is 0.01.
func NormalizeThreshold(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		percent := strings.HasSuffix(val, "%")
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(val, "%"), 64)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		if percent {
			parsed /= 100
		}
		*field = parsed
	}
	return nil
}

func envOverrideList(field *[]string, envKey string) {
	val := os.Getenv(envKey)
	if val == "" {
		return
	}
	*field = nil
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			*field = append(*field, item)
		}
	}
}

// parseFieldMap reads "team=customfield_1,components=components".
func parseFieldMap(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid JIRA_FIELD_MAP entry '%s': want field=jira_field", pair)
		}
		out[strings.ToLower(k)] = v
	}
	return out, nil
}
