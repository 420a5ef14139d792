package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Limits     LimitsConfig     `yaml:"limits"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Notify     NotifyConfig     `yaml:"notify"`
	Retrier    RetrierConfig    `yaml:"retrier"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Files      FilesConfig      `yaml:"files"`
}

type ServerConfig struct {
	Port                string `yaml:"port"`
	Env                 string `yaml:"env"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	URL                 string `yaml:"url"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// LimitsConfig carries the global safety budgets. Per-vendor overrides live
// in vendors.yaml.
type LimitsConfig struct {
	MaxRetriesPerWorkflow      int `yaml:"max_retries_per_workflow"`
	MaxRetriesPerVendorPerHour int `yaml:"max_retries_per_vendor_per_hour"`
	TenantRatePerMinute        int `yaml:"tenant_rate_per_minute"`
	WorkflowRatePerMinute      int `yaml:"workflow_rate_per_minute"`
	TenantEventsPerDay         int `yaml:"tenant_events_per_day"`
	TenantIncidentsPerDay      int `yaml:"tenant_incidents_per_day"`
	TenantActionsPerDay        int `yaml:"tenant_actions_per_day"`
}

type ClassifierConfig struct {
	// Mode selects the adapter: "rules" (default), "http", or "static".
	Mode           string `yaml:"mode"`
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c ClassifierConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type DispatchConfig struct {
	RedisChannel         string `yaml:"redis_channel"`
	PubSubProjectID      string `yaml:"pubsub_project_id"`
	PubSubTopicID        string `yaml:"pubsub_topic_id"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	SweepGraceSeconds    int    `yaml:"sweep_grace_seconds"`
	SweepBatchSize       int    `yaml:"sweep_batch_size"`
}

func (d DispatchConfig) Channel() string {
	if d.RedisChannel == "" {
		return "detect.events"
	}
	return d.RedisChannel
}

func (d DispatchConfig) SweepInterval() time.Duration {
	if d.SweepIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.SweepIntervalSeconds) * time.Second
}

// SweepGrace is how long the sweeper leaves fresh events to the live path
// before picking them up itself.
func (d DispatchConfig) SweepGrace() time.Duration {
	if d.SweepGraceSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.SweepGraceSeconds) * time.Second
}

type NotifyConfig struct {
	Workers    int              `yaml:"workers"`
	QueueSize  int              `yaml:"queue_size"`
	Channels   []ChannelConfig  `yaml:"channels"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
}

// ChannelConfig registers one escalation delivery target (team chat hook,
// pager bridge, ticket system).
type ChannelConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
	// Levels lists the escalation levels (1..3) this channel serves.
	Levels []int `yaml:"levels"`
}

type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
}

// Enabled reports whether Cloud Tasks delivery is configured.
func (c CloudTasksConfig) Enabled() bool {
	return c.ProjectID != "" && c.LocationID != "" && c.QueueID != ""
}

// RetrierConfig names the endpoint retry actions re-trigger workflows
// against. Empty endpoint selects the recording stub.
type RetrierConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (r RetrierConfig) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

type SchedulerConfig struct {
	PollIntervalMillis int `yaml:"poll_interval_millis"`
	BatchSize          int `yaml:"batch_size"`
}

func (s SchedulerConfig) PollInterval() time.Duration {
	if s.PollIntervalMillis <= 0 || s.PollIntervalMillis > 1000 {
		return time.Second
	}
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

// FilesConfig points at the rules/policy/vendor YAML files.
type FilesConfig struct {
	ErrorCodes    string `yaml:"error_codes"`
	RetryPolicies string `yaml:"retry_policies"`
	Vendors       string `yaml:"vendors"`
}

// Default returns the baked-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                "8080",
			Env:                 "development",
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 15,
		},
		Database: DatabaseConfig{QueryTimeoutSeconds: 5},
		Limits: LimitsConfig{
			MaxRetriesPerWorkflow:      5,
			MaxRetriesPerVendorPerHour: 100,
			TenantRatePerMinute:        600,
			WorkflowRatePerMinute:      120,
			TenantEventsPerDay:         10000,
			TenantIncidentsPerDay:      1000,
			TenantActionsPerDay:        5000,
		},
		Classifier: ClassifierConfig{Mode: "rules", TimeoutSeconds: 10},
		Dispatch: DispatchConfig{
			RedisChannel:         "detect.events",
			SweepIntervalSeconds: 30,
			SweepGraceSeconds:    10,
			SweepBatchSize:       100,
		},
		Notify:    NotifyConfig{Workers: 4, QueueSize: 1000},
		Scheduler: SchedulerConfig{PollIntervalMillis: 1000, BatchSize: 20},
		Files: FilesConfig{
			ErrorCodes:    "config/error_codes.yaml",
			RetryPolicies: "config/retry_policies.yaml",
			Vendors:       "config/vendors.yaml",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; env + defaults win.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CLASSIFIER_URL"); v != "" {
		cfg.Classifier.Mode = "http"
		cfg.Classifier.Endpoint = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		cfg.Dispatch.PubSubProjectID = v
	}
	if v := os.Getenv("PUBSUB_TOPIC_ID"); v != "" {
		cfg.Dispatch.PubSubTopicID = v
	}
	if v := os.Getenv("CLOUD_TASKS_PROJECT"); v != "" {
		cfg.Notify.CloudTasks.ProjectID = v
	}
	if v := os.Getenv("CLOUD_TASKS_LOCATION"); v != "" {
		cfg.Notify.CloudTasks.LocationID = v
	}
	if v := os.Getenv("CLOUD_TASKS_QUEUE"); v != "" {
		cfg.Notify.CloudTasks.QueueID = v
	}
	if v := os.Getenv("RETRIER_URL"); v != "" {
		cfg.Retrier.Endpoint = v
	}
}
