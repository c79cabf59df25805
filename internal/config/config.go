// Package config loads mergemind's configuration: backend definitions and
// pipeline settings from an optional YAML file, credentials from the
// environment (and a .env file when present).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/johnayoung/mergemind/internal/catalog"
	"github.com/johnayoung/mergemind/internal/consensus"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/logger"
	"github.com/johnayoung/mergemind/internal/provider"
)

// Vendors understood by NewAdapter.
const (
	VendorOpenAI     = "openai"
	VendorAnthropic  = "anthropic"
	VendorGoogle     = "google"
	VendorOpenRouter = "openrouter"
)

// DefaultSystemPrompt is sent to every candidate backend.
const DefaultSystemPrompt = `Write an explanation and the most efficient code in the language specified by the user.
The output MUST include a fenced code block.
End with: TERMINATE`

const defaultTimeout = 120 * time.Second

// Config is the full runtime configuration.
type Config struct {
	Backends map[string]BackendConfig `yaml:"backends"`
	// Selection is the default ordered list of backends to query.
	Selection []string `yaml:"selection"`

	Strategy       string `yaml:"strategy"`
	Referee        string `yaml:"referee"`
	RefereeSystem  string `yaml:"referee_system"`
	Scorer         string `yaml:"scorer"`
	ScoringBackend string `yaml:"scoring_backend"`
	Fallback       bool   `yaml:"fallback"`

	// Timeout bounds each backend call; GlobalTimeout bounds the whole
	// fan-out. Zero disables the global bound.
	Timeout       time.Duration `yaml:"timeout"`
	GlobalTimeout time.Duration `yaml:"global_timeout"`
	MaxParallel   int           `yaml:"max_parallel"`

	Generation GenerationConfig `yaml:"generation"`
	Log        LogConfig        `yaml:"log"`
	Web        WebConfig        `yaml:"web"`

	// CatalogPath optionally points at a model catalog produced by
	// model-catalog; when set, model names are checked against it.
	CatalogPath string `yaml:"catalog_path"`

	credentials map[string]string
	catalog     *catalog.Catalog
}

// BackendConfig describes one backend.
type BackendConfig struct {
	Vendor    string `yaml:"vendor"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// GenerationConfig holds the options sent to candidate backends.
type GenerationConfig struct {
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
	Stop        []string `yaml:"stop"`
	System      string   `yaml:"system"`
}

// LogConfig configures internal/logger.
type LogConfig struct {
	Level   string   `yaml:"level"`
	Format  string   `yaml:"format"`
	Outputs []string `yaml:"outputs"`
}

// WebConfig configures the HTTP surface.
type WebConfig struct {
	Address string `yaml:"address"`
	AppName string `yaml:"app_name"`
}

// Defaults returns a configuration that works with only environment
// credentials.
func Defaults() *Config {
	c := &Config{}
	c.applyDefaults("")
	return c
}

func defaultBackends() map[string]BackendConfig {
	return map[string]BackendConfig{
		"openai":     {Vendor: VendorOpenAI, Model: "gpt-4o-mini"},
		"anthropic":  {Vendor: VendorAnthropic, Model: "claude-sonnet-4-5"},
		"google":     {Vendor: VendorGoogle, Model: "gemini-2.5-flash"},
		"openrouter": {Vendor: VendorOpenRouter, Model: "qwen/qwen2.5-32b-instruct"},
	}
}

// Load reads the YAML file at path (if non-empty) on top of the defaults.
// Credentials are not read here; see LoadCredentials.
func Load(path string) (*Config, error) {
	c := &Config{}
	baseDir := ""
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "reading config file")
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "parsing config file")
		}
		baseDir = filepath.Dir(path)
	}
	c.applyDefaults(baseDir)

	if c.CatalogPath != "" {
		cat, err := catalog.Load(c.CatalogPath)
		if err != nil {
			return nil, err
		}
		c.catalog = cat
	}
	return c, nil
}

// applyDefaults fills in unset fields. Backends named in the file override
// the built-in ones; built-in backends the file does not mention are kept.
func (c *Config) applyDefaults(baseDir string) {
	backends := defaultBackends()
	for id, b := range c.Backends {
		if def, ok := backends[id]; ok {
			if b.Vendor == "" {
				b.Vendor = def.Vendor
			}
			if b.Model == "" {
				b.Model = def.Model
			}
		}
		if b.Vendor == "" {
			b.Vendor = id
		}
		backends[id] = b
	}
	for id, b := range backends {
		b.Vendor = strings.ToLower(b.Vendor)
		if b.APIKeyEnv == "" {
			b.APIKeyEnv = defaultKeyEnv(b.Vendor)
		}
		backends[id] = b
	}
	c.Backends = backends

	if len(c.Selection) == 0 {
		c.Selection = []string{"openai", "anthropic", "google"}
	}
	if c.Strategy == "" {
		c.Strategy = string(consensus.StrategySynthesize)
	}
	if c.Referee == "" {
		c.Referee = "openai"
	}
	if c.RefereeSystem == "" {
		c.RefereeSystem = consensus.RefereeSystemPrompt
	}
	if c.Scorer == "" {
		c.Scorer = "length"
	}
	if c.ScoringBackend == "" {
		c.ScoringBackend = c.Referee
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Generation.System == "" {
		c.Generation.System = DefaultSystemPrompt
	}
	if c.Web.Address == "" {
		c.Web.Address = ":8080"
	}
	if c.Web.AppName == "" {
		c.Web.AppName = "mergemind"
	}
	if c.CatalogPath != "" && baseDir != "" && !filepath.IsAbs(c.CatalogPath) {
		c.CatalogPath = filepath.Join(baseDir, c.CatalogPath)
	}
}

func defaultKeyEnv(vendor string) string {
	switch vendor {
	case VendorOpenAI:
		return "OPENAI_API_KEY"
	case VendorAnthropic:
		return "ANTHROPIC_API_KEY"
	case VendorGoogle:
		return "GOOGLE_API_KEY"
	case VendorOpenRouter:
		return "OPENROUTER_API_KEY"
	default:
		return strings.ToUpper(vendor) + "_API_KEY"
	}
}

// LoadEnv loads the given .env files into the process environment without
// overriding variables that are already set. With no arguments it loads
// ./.env if present.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return apperrors.Wrap(apperrors.CodeConfiguration, err, "loading .env")
	}
	return nil
}

// LoadCredentials reads every backend's api_key_env once through lookup
// (os.LookupEnv in production). It must run before any dispatch.
func (c *Config) LoadCredentials(lookup func(string) (string, bool)) {
	c.credentials = make(map[string]string, len(c.Backends))
	for _, b := range c.Backends {
		if v, ok := lookup(b.APIKeyEnv); ok && strings.TrimSpace(v) != "" {
			c.credentials[b.APIKeyEnv] = strings.TrimSpace(v)
		}
	}
}

// HasCredential reports whether backend id has a non-empty key.
func (c *Config) HasCredential(id string) bool {
	b, ok := c.Backends[id]
	if !ok {
		return false
	}
	return c.credentials[b.APIKeyEnv] != ""
}

func (c *Config) credential(id string) string {
	return c.credentials[c.Backends[id].APIKeyEnv]
}

// CredentialHint is the log-safe form of a backend's credential.
func (c *Config) CredentialHint(id string) string {
	return logger.Redact(c.credential(id))
}

// ParseSelection parses a --backends value such as
// "openai,google:gemini-2.5-pro". A ":model" suffix overrides that backend's
// model in c. An empty spec yields nil.
func (c *Config) ParseSelection(spec string) ([]string, error) {
	var ids []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, model, hasModel := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		b, ok := c.Backends[id]
		if !ok {
			return nil, apperrors.Newf(apperrors.CodeConfiguration, "unknown backend %q; available: %s", id, strings.Join(c.BackendIDs(), ", "))
		}
		if slices.Contains(ids, id) {
			return nil, apperrors.Newf(apperrors.CodeConfiguration, "backend %q selected more than once", id)
		}
		if hasModel {
			if model = strings.TrimSpace(model); model == "" {
				return nil, apperrors.Newf(apperrors.CodeConfiguration, "empty model for backend %q", id)
			}
			b.Model = model
			c.Backends[id] = b
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DefaultSelection returns the configured selection, skipping backends that
// have no credential. Explicit selections are not filtered; they fail
// validation instead.
func (c *Config) DefaultSelection() []string {
	var ids []string
	for _, id := range c.Selection {
		if c.HasCredential(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Options returns the generation options for candidate backends.
func (c *Config) Options() provider.Options {
	return provider.Options{
		MaxTokens:   c.Generation.MaxTokens,
		Temperature: c.Generation.Temperature,
		Stop:        c.Generation.Stop,
		System:      c.Generation.System,
	}
}

// RefereeOptions returns the generation options for the referee.
func (c *Config) RefereeOptions() provider.Options {
	opts := c.Options()
	opts.System = c.RefereeSystem
	opts.Stop = nil
	return opts
}

// Validate checks everything needed to run selection before any network
// call is made.
func (c *Config) Validate(selection []string) error {
	strategy, err := consensus.ParseStrategy(c.Strategy)
	if err != nil {
		return err
	}
	if len(selection) == 0 {
		return apperrors.New(apperrors.CodeNoBackendsConfigured,
			"no backends selected (set --backends or provide credentials for at least one of: "+strings.Join(c.Selection, ", ")+")")
	}
	for _, id := range selection {
		if err := c.checkBackend(id, "backend"); err != nil {
			return err
		}
	}
	if strategy == consensus.StrategySynthesize {
		if err := c.checkBackend(c.Referee, "referee"); err != nil {
			return err
		}
	}
	if strings.EqualFold(c.Scorer, "model") {
		if err := c.checkBackend(c.ScoringBackend, "scoring backend"); err != nil {
			return err
		}
	}
	if _, err := consensus.ScorerByName(c.Scorer, provider.NewFunc("validate", nil), provider.Options{}); err != nil {
		return err
	}
	if err := c.Options().Validate(); err != nil {
		return err
	}
	if c.Timeout < 0 || c.GlobalTimeout < 0 {
		return apperrors.New(apperrors.CodeConfiguration, "timeouts must not be negative")
	}
	if c.MaxParallel < 0 {
		return apperrors.New(apperrors.CodeConfiguration, "max_parallel must not be negative")
	}
	return nil
}

func (c *Config) checkBackend(id, role string) error {
	b, ok := c.Backends[id]
	if !ok {
		return apperrors.Newf(apperrors.CodeConfiguration, "unknown %s %q; available: %s", role, id, strings.Join(c.BackendIDs(), ", "))
	}
	switch b.Vendor {
	case VendorOpenAI, VendorAnthropic, VendorGoogle, VendorOpenRouter:
	default:
		return apperrors.Newf(apperrors.CodeConfiguration, "%s %q: unsupported vendor %q", role, id, b.Vendor)
	}
	if strings.TrimSpace(b.Model) == "" {
		return apperrors.Newf(apperrors.CodeConfiguration, "%s %q: model not set", role, id)
	}
	if !c.HasCredential(id) {
		return apperrors.Newf(apperrors.CodeConfiguration, "%s %q: missing credential %s", role, id, b.APIKeyEnv)
	}
	if c.catalog != nil && !c.catalog.Allows(b.Vendor, b.Model) {
		return apperrors.Newf(apperrors.CodeConfiguration, "%s %q: model %q not found in catalog %s", role, id, b.Model, c.CatalogPath)
	}
	return nil
}

// BackendIDs returns the configured backend ids, sorted.
func (c *Config) BackendIDs() []string {
	ids := make([]string, 0, len(c.Backends))
	for id := range c.Backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// String renders the config for debugging without credentials.
func (c *Config) String() string {
	return fmt.Sprintf("strategy=%s referee=%s scorer=%s selection=%v timeout=%s global_timeout=%s",
		c.Strategy, c.Referee, c.Scorer, c.Selection, c.Timeout, c.GlobalTimeout)
}

// Clone returns a copy that can be modified per request. Credentials and
// the catalog are shared read-only.
func (c *Config) Clone() *Config {
	out := *c
	out.Backends = make(map[string]BackendConfig, len(c.Backends))
	for id, b := range c.Backends {
		out.Backends[id] = b
	}
	out.Selection = append([]string(nil), c.Selection...)
	out.Generation.Stop = append([]string(nil), c.Generation.Stop...)
	return &out
}
