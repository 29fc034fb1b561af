// Package config loads the blocksync configuration from the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/steveyegge/blocksync/internal/jira"
	"github.com/steveyegge/blocksync/internal/reconcile"
)

// Configuration keys. Each key is read from the environment variable of the
// same name in upper case, or from a KEY=value line in the .env file.
const (
	KeyURL             = "jira_url"
	KeyUsername        = "jira_username"
	KeyPassword        = "jira_password"
	KeyParents         = "jira_parenttickets"
	KeySentryDSN       = "sentry_dsn"
	KeyIssueType       = "blocksync_issue_type"
	KeyLinkType        = "blocksync_link_type"
	KeyDueOffset       = "blocksync_due_offset"
	KeyContinueOnError = "blocksync_continue_on_error"
	KeyRetryMaxElapsed = "blocksync_retry_max_elapsed"
	KeyHTTPTimeout     = "blocksync_http_timeout"
	KeyOTelEnabled     = "blocksync_otel_enabled"
	KeyOTelStdout      = "blocksync_otel_stdout"
	KeyOTLPEndpoint    = "otel_exporter_otlp_endpoint"
	KeyOTLPMetrics     = "otel_exporter_otlp_metrics_endpoint"
)

// Config is the complete runtime configuration. It is built once at
// startup and passed down explicitly.
type Config struct {
	URL      string
	Username string
	Password string // password or API token
	Parents  []string

	SentryDSN string

	IssueType       string
	LinkType        string
	DueOffset       time.Duration
	ContinueOnError bool

	RetryMaxElapsed time.Duration
	HTTPTimeout     time.Duration

	Telemetry Telemetry
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Enabled      bool
	Stdout       bool
	OTLPEndpoint string
}

// Load reads the configuration. envFile names an optional dotenv file;
// a missing file is not an error and process environment variables take
// precedence over its values. Load does not validate; call Validate.
func Load(envFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault(KeyIssueType, reconcile.DefaultIssueType)
	v.SetDefault(KeyLinkType, reconcile.DefaultLinkType)
	v.SetDefault(KeyDueOffset, reconcile.DefaultDueOffset.String())
	v.SetDefault(KeyContinueOnError, false)
	v.SetDefault(KeyRetryMaxElapsed, jira.DefaultMaxElapsed.String())
	v.SetDefault(KeyHTTPTimeout, jira.DefaultTimeout.String())
	v.SetDefault(KeyOTelEnabled, false)
	v.SetDefault(KeyOTelStdout, false)

	v.AutomaticEnv()
	if err := v.BindEnv(KeyPassword, "JIRA_PASSWORD", "JIRA_API_TOKEN"); err != nil {
		return nil, err
	}

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read %s: %w", envFile, err)
			}
		}
	}

	cfg := &Config{
		URL:             strings.TrimSpace(v.GetString(KeyURL)),
		Username:        v.GetString(KeyUsername),
		Password:        v.GetString(KeyPassword),
		Parents:         ParseParents(v.GetString(KeyParents)),
		SentryDSN:       v.GetString(KeySentryDSN),
		IssueType:       v.GetString(KeyIssueType),
		LinkType:        v.GetString(KeyLinkType),
		ContinueOnError: v.GetBool(KeyContinueOnError),
		Telemetry: Telemetry{
			Enabled: v.GetBool(KeyOTelEnabled),
			Stdout:  v.GetBool(KeyOTelStdout),
			OTLPEndpoint: firstNonEmpty(
				v.GetString(KeyOTLPMetrics),
				v.GetString(KeyOTLPEndpoint),
			),
		},
	}

	var err error
	if cfg.DueOffset, err = duration(v, KeyDueOffset); err != nil {
		return nil, err
	}
	if cfg.RetryMaxElapsed, err = duration(v, KeyRetryMaxElapsed); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = duration(v, KeyHTTPTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseParents splits a comma-separated parent list. Entries are trimmed,
// browse URLs are reduced to their issue key and blank entries dropped.
func ParseParents(list string) []string {
	var parents []string
	for _, p := range strings.Split(list, ",") {
		p = jira.ExtractJiraKey(strings.TrimSpace(p))
		if p != "" {
			parents = append(parents, p)
		}
	}
	return parents
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.URL == "" {
		errs = append(errs, fmt.Errorf("JIRA_URL is not set"))
	} else if u, err := url.Parse(c.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("JIRA_URL %q is not an http(s) URL", c.URL))
	}
	if c.Password == "" {
		errs = append(errs, fmt.Errorf("JIRA_PASSWORD (or JIRA_API_TOKEN) is not set"))
	}
	if len(c.Parents) == 0 {
		errs = append(errs, fmt.Errorf("JIRA_PARENTTICKETS is empty"))
	}
	for _, p := range c.Parents {
		if project, num, ok := strings.Cut(p, "-"); !ok || project == "" || num == "" {
			errs = append(errs, fmt.Errorf("parent %q is not an issue key like PROJECT-123", p))
		}
	}
	if c.IssueType == "" {
		errs = append(errs, fmt.Errorf("%s is empty", strings.ToUpper(KeyIssueType)))
	}
	if c.LinkType == "" {
		errs = append(errs, fmt.Errorf("%s is empty", strings.ToUpper(KeyLinkType)))
	}
	if c.DueOffset <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", strings.ToUpper(KeyDueOffset), c.DueOffset))
	}
	if c.RetryMaxElapsed < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", strings.ToUpper(KeyRetryMaxElapsed)))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", strings.ToUpper(KeyHTTPTimeout)))
	}

	return errors.Join(errs...)
}

// ReconcileOptions returns the reconciler options for this configuration.
func (c *Config) ReconcileOptions(dryRun bool) reconcile.Options {
	return reconcile.Options{
		IssueType:       c.IssueType,
		LinkType:        c.LinkType,
		DueOffset:       c.DueOffset,
		DryRun:          dryRun,
		ContinueOnError: c.ContinueOnError,
	}
}

// NewJiraClient builds a Jira client from the configuration.
func (c *Config) NewJiraClient() *jira.Client {
	client := jira.NewClient(c.URL, c.Username, c.Password)
	client.HTTPClient.Timeout = c.HTTPTimeout
	client.MaxElapsed = c.RetryMaxElapsed
	return client
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", strings.ToUpper(key), err)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
