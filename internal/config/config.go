package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "helpflow.yml"

// Config models helpflow.yml.
type Config struct {
	Backend  Backend  `yaml:"backend"`
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
	Workflow Workflow `yaml:"workflow"`
	Webhooks Webhooks `yaml:"webhooks"`
}

// Backend is the charity API serving templates, staff and documents.
type Backend struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type Storage struct {
	Workspace string `yaml:"workspace"`
	// Driver names the kv port. Only sqlite survives a restart, so it is the only one.
	Driver string `yaml:"driver" validate:"oneof=sqlite"`
}

type Server struct {
	Addr      string `yaml:"addr" validate:"required"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
	// LegacyActorHeader accepts X-Actor-Id without a token when true.
	LegacyActorHeader bool `yaml:"legacy_actor_header"`
	Metrics           bool `yaml:"metrics"`
}

type Workflow struct {
	Lang            string `yaml:"lang"`
	CatalogPageSize int    `yaml:"catalog_page_size" validate:"gte=1,lte=100"`
	RejectNote      string `yaml:"reject_note"`
}

type Webhooks struct {
	URLs     []string      `yaml:"urls" validate:"dive,url"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	// Events limits deliveries to these event types; empty means all.
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("config.%s failed %q", strings.ToLower(fe.Namespace()[len("Config."):]), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Server.JWTSecret == "" && !c.Server.LegacyActorHeader {
		return fmt.Errorf("config.server.jwt_secret is required unless legacy_actor_header is enabled")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(fs afero.Fs, workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with helpflow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(fs afero.Fs, workspace string) (*Config, error) {
	exists, err := afero.Exists(fs, Path(workspace))
	if err != nil {
		return nil, err
	}
	if !exists {
		return Default(), nil
	}
	return Load(fs, workspace)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Write stores cfg as YAML under workspace.
func Write(fs afero.Fs, workspace string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(Path(workspace)), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, Path(workspace), data, 0o644)
}

const defaultTemplate = `backend:
  base_url: http://localhost:8000/api
  token: ""
  timeout: 15s

storage:
  workspace: .
  driver: sqlite

server:
  addr: 127.0.0.1:8080
  jwt_secret: ""
  jwt_issuer: helpflow
  legacy_actor_header: true
  metrics: true

workflow:
  lang: fa
  catalog_page_size: 10
  reject_note: ""

webhooks:
  urls: []
  interval: 2s
  events:
    - workflow.approved
    - workflow.rejected
    - workflow.verified
`
