package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oncoflow/internal/domain"
	"oncoflow/internal/workflow"
)

// Config models oncoflow.yml.
type Config struct {
	Workflow struct {
		Transitions  map[domain.Status][]domain.Status `yaml:"transitions"`
		Backward     map[domain.Status][]domain.Status `yaml:"backward"`
		AllowedRoles map[domain.Status][]domain.Role   `yaml:"allowed_roles"`
		StageRoles   map[domain.Status][]domain.Role   `yaml:"stage_roles"`
		Checklist    map[domain.Status][]string        `yaml:"checklist"`
	} `yaml:"workflow"`
	Checklist struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
		ResetOnBackward bool `yaml:"reset_on_backward"`
	} `yaml:"checklist"`
	Notifications Notifications `yaml:"notifications"`
	Storage       struct {
		Backend string `yaml:"backend"`
	} `yaml:"storage"`
	Redis  Redis  `yaml:"redis"`
	Server Server `yaml:"server"`
}

type Server struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
	// JWTSecret verifies HS256 bearer tokens. Empty disables bearer auth.
	JWTSecret string `yaml:"jwt_secret"`
	// AllowActorHeaders accepts X-Actor-Id/X-Actor-Role without credentials.
	// Off by default; header actors carry no permissions.
	AllowActorHeaders bool `yaml:"allow_actor_headers"`
}

type Notifications struct {
	StalenessThresholdHours int             `yaml:"staleness_threshold_hours"`
	ScanIntervalMinutes     int             `yaml:"scan_interval_minutes"`
	QueueSize               int             `yaml:"queue_size"`
	FeedSize                int             `yaml:"feed_size"`
	RedisList               string          `yaml:"redis_list"`
	RedisListMax            int64           `yaml:"redis_list_max"`
	Webhooks                []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Kinds          []string `yaml:"kinds"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type Redis struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

func (n Notifications) StalenessThreshold() time.Duration {
	if n.StalenessThresholdHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(n.StalenessThresholdHours) * time.Hour
}

func (n Notifications) ScanInterval() time.Duration {
	if n.ScanIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(n.ScanIntervalMinutes) * time.Minute
}

func (r Redis) LockTTL() time.Duration {
	if r.LockTTLSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(r.LockTTLSeconds) * time.Second
}

// Definition converts the workflow section into version 1 of the rules.
func (c *Config) Definition() *workflow.Definition {
	def := &workflow.Definition{
		Version:               1,
		Transitions:           map[domain.Status][]workflow.Edge{},
		AllowedRoles:          map[domain.Status][]domain.Role{},
		ChecklistRequirements: map[domain.Status][]string{},
		StageRoles:            map[domain.Status][]domain.Role{},
	}
	for from, targets := range c.Workflow.Transitions {
		if len(targets) == 0 {
			continue
		}
		def.Transitions[from] = workflow.EdgesFor(from, targets, c.Workflow.Backward[from])
	}
	for status, roles := range c.Workflow.AllowedRoles {
		def.AllowedRoles[status] = append([]domain.Role{}, roles...)
	}
	for status, roles := range c.Workflow.StageRoles {
		def.StageRoles[status] = append([]domain.Role{}, roles...)
	}
	for status, items := range c.Workflow.Checklist {
		def.ChecklistRequirements[status] = append([]string{}, items...)
	}
	for item := range c.Checklist.Catalog {
		def.Catalog = append(def.Catalog, item)
	}
	sort.Strings(def.Catalog)
	return def
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Workflow.Transitions) == 0 {
		return fmt.Errorf("config.workflow.transitions is required")
	}
	for from, targets := range c.Workflow.Backward {
		for _, to := range targets {
			if !containsStatus(c.Workflow.Transitions[from], to) {
				return fmt.Errorf("config.workflow.backward %s -> %s is not a declared transition", from, to)
			}
		}
	}
	switch c.Storage.Backend {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("config.storage.backend must be memory or sqlite")
	}
	if c.Notifications.QueueSize < 0 || c.Notifications.FeedSize < 0 || c.Notifications.RedisListMax < 0 {
		return fmt.Errorf("config.notifications sizes must not be negative")
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if err := c.Definition().Validate(); err != nil {
		return err
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "oncoflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with oncoflow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in radiotherapy workflow.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

const defaultTemplate = `workflow:
  transitions:
    to_prepare: [prescription_validated]
    prescription_validated: [contours_validated, to_prepare]
    contours_validated: [plan_in_review, prescription_validated]
    plan_in_review: [plan_validated, contouring_rework, contours_validated]
    contouring_rework: [contours_validated]
    plan_validated: [ready_for_treatment, plan_in_review]
    ready_for_treatment: [in_treatment, plan_validated]
    in_treatment: [closed, ready_for_treatment]
    closed: []

  # rework edges that count as going back even though the target is unranked
  backward:
    plan_in_review: [contouring_rework]

  allowed_roles:
    to_prepare: [oncologist, coordination]
    prescription_validated: [oncologist]
    contours_validated: [oncologist, dosimetrist]
    plan_in_review: [dosimetrist, physicist]
    contouring_rework: [physicist, oncologist]
    plan_validated: [physicist, oncologist]
    ready_for_treatment: [oncologist, physicist]
    in_treatment: [technologist]
    closed: [oncologist]

  stage_roles:
    to_prepare: [coordination]
    prescription_validated: [oncologist]
    contours_validated: [dosimetrist]
    plan_in_review: [physicist]
    contouring_rework: [oncologist]
    plan_validated: [oncologist]
    ready_for_treatment: [physicist]
    in_treatment: [technologist]
    closed: [coordination]

  checklist:
    prescription_validated: [identity_validated]
    contours_validated: [prescription_signed]
    plan_in_review: [contours_locked]
    plan_validated: [qa_dosimetric]
    ready_for_treatment: [oncologist_signature]
    in_treatment: [daily_machine_qa]

checklist:
  reset_on_backward: false
  catalog:
    identity_validated:
      description: "Patient identity checked against the prescription"
    prescription_signed:
      description: "Prescription signed by the oncologist"
    contours_locked:
      description: "Target volumes and organs at risk locked"
    qa_dosimetric:
      description: "Dosimetric quality assurance passed"
    oncologist_signature:
      description: "Treatment plan signed by the oncologist"
    daily_machine_qa:
      description: "Daily machine quality control passed"

notifications:
  staleness_threshold_hours: 24
  scan_interval_minutes: 60
  queue_size: 256
  feed_size: 1000
  redis_list_max: 10000

storage:
  backend: sqlite

redis:
  lock_ttl_seconds: 10

server:
  addr: ":8080"
  base_path: /v0
  allow_actor_headers: false
`
