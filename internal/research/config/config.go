// Package config resolves runtime settings in three layers: built-in
// defaults, then a settings.json or settings.yaml file, then PAI_DR_*
// environment variables. Later layers win. File decoding is strict: unknown
// fields and trailing documents are rejected.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
)

// Settings is the resolved configuration.
type Settings struct {
	OptionCEnabled         bool   `json:"option_c_enabled" yaml:"option_c_enabled"`
	ModeDefault            string `json:"mode_default" yaml:"mode_default"`
	MaxWave1Agents         int    `json:"max_wave1_agents" yaml:"max_wave1_agents"`
	MaxWave2Agents         int    `json:"max_wave2_agents" yaml:"max_wave2_agents"`
	MaxSummaryKB           int    `json:"max_summary_kb" yaml:"max_summary_kb"`
	MaxTotalSummaryKB      int    `json:"max_total_summary_kb" yaml:"max_total_summary_kb"`
	MaxReviewIterations    int    `json:"max_review_iterations" yaml:"max_review_iterations"`
	CitationValidationTier string `json:"citation_validation_tier" yaml:"citation_validation_tier"`
	BrightDataEndpoint     string `json:"citations_bright_data_endpoint" yaml:"citations_bright_data_endpoint"`
	ApifyEndpoint          string `json:"citations_apify_endpoint" yaml:"citations_apify_endpoint"`
	NoWeb                  bool   `json:"no_web" yaml:"no_web"`
	RunsRoot               string `json:"runs_root" yaml:"runs_root"`
	AgentCommand           string `json:"agent_command" yaml:"agent_command"`
	LockLeaseSeconds       int    `json:"lock_lease_seconds" yaml:"lock_lease_seconds"`
	HTTPTimeoutMS          int    `json:"http_timeout_ms" yaml:"http_timeout_ms"`
	LogLevel               string `json:"log_level" yaml:"log_level"`
}

// fileSettings mirrors Settings with pointer fields so a file only
// overrides what it names.
type fileSettings struct {
	OptionCEnabled         *bool   `json:"option_c_enabled" yaml:"option_c_enabled"`
	ModeDefault            *string `json:"mode_default" yaml:"mode_default"`
	MaxWave1Agents         *int    `json:"max_wave1_agents" yaml:"max_wave1_agents"`
	MaxWave2Agents         *int    `json:"max_wave2_agents" yaml:"max_wave2_agents"`
	MaxSummaryKB           *int    `json:"max_summary_kb" yaml:"max_summary_kb"`
	MaxTotalSummaryKB      *int    `json:"max_total_summary_kb" yaml:"max_total_summary_kb"`
	MaxReviewIterations    *int    `json:"max_review_iterations" yaml:"max_review_iterations"`
	CitationValidationTier *string `json:"citation_validation_tier" yaml:"citation_validation_tier"`
	BrightDataEndpoint     *string `json:"citations_bright_data_endpoint" yaml:"citations_bright_data_endpoint"`
	ApifyEndpoint          *string `json:"citations_apify_endpoint" yaml:"citations_apify_endpoint"`
	NoWeb                  *bool   `json:"no_web" yaml:"no_web"`
	RunsRoot               *string `json:"runs_root" yaml:"runs_root"`
	AgentCommand           *string `json:"agent_command" yaml:"agent_command"`
	LockLeaseSeconds       *int    `json:"lock_lease_seconds" yaml:"lock_lease_seconds"`
	HTTPTimeoutMS          *int    `json:"http_timeout_ms" yaml:"http_timeout_ms"`
	LogLevel               *string `json:"log_level" yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Settings {
	return Settings{
		ModeDefault:            "standard",
		MaxWave1Agents:         5,
		MaxWave2Agents:         3,
		MaxSummaryKB:           8,
		MaxTotalSummaryKB:      64,
		MaxReviewIterations:    2,
		CitationValidationTier: "standard",
		RunsRoot:               "runs",
		LockLeaseSeconds:       60,
		HTTPTimeoutMS:          5000,
		LogLevel:               "info",
	}
}

// Load resolves settings for a directory: defaults, then settings.json or
// settings.yaml found in dir, then the environment.
func Load(dir string) (Settings, error) {
	s := Defaults()
	if err := applyFile(&s, dir); err != nil {
		return s, err
	}
	if err := applyEnv(&s); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Limits maps the settings onto manifest limits for run_init.
func (s Settings) Limits() manifest.Limits {
	return manifest.Limits{
		MaxWave1Agents:      s.MaxWave1Agents,
		MaxWave2Agents:      s.MaxWave2Agents,
		MaxSummaryKB:        s.MaxSummaryKB,
		MaxTotalSummaryKB:   s.MaxTotalSummaryKB,
		MaxReviewIterations: s.MaxReviewIterations,
	}
}

// Validate checks every option's range. Failures name the option and value.
func (s Settings) Validate() error {
	checkInt := func(name string, v, lo, hi int) error {
		if v < lo || v > hi {
			return errs.New(errs.InvalidArgs, "%s=%d outside %d..%d", name, v, lo, hi).
				WithDetail("option", name).
				WithDetail("value", v)
		}
		return nil
	}
	checkEnum := func(name, v string, allowed ...string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return errs.New(errs.InvalidArgs, "%s=%q not one of %s", name, v, strings.Join(allowed, "|")).
			WithDetail("option", name).
			WithDetail("value", v)
	}
	checkURL := func(name, v string) error {
		if v == "" {
			return nil
		}
		u, err := url.Parse(v)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return errs.New(errs.InvalidArgs, "%s=%q is not an absolute URL", name, v).
				WithDetail("option", name).
				WithDetail("value", v)
		}
		return nil
	}

	if err := checkEnum("mode_default", s.ModeDefault, "quick", "standard", "deep"); err != nil {
		return err
	}
	if err := checkInt("max_wave1_agents", s.MaxWave1Agents, 1, 50); err != nil {
		return err
	}
	if err := checkInt("max_wave2_agents", s.MaxWave2Agents, 1, 50); err != nil {
		return err
	}
	if err := checkInt("max_summary_kb", s.MaxSummaryKB, 1, 1000); err != nil {
		return err
	}
	if err := checkInt("max_total_summary_kb", s.MaxTotalSummaryKB, 1, 100000); err != nil {
		return err
	}
	if err := checkInt("max_review_iterations", s.MaxReviewIterations, 0, 50); err != nil {
		return err
	}
	if err := checkEnum("citation_validation_tier", s.CitationValidationTier, "basic", "standard", "thorough"); err != nil {
		return err
	}
	if err := checkURL("citations_bright_data_endpoint", s.BrightDataEndpoint); err != nil {
		return err
	}
	if err := checkURL("citations_apify_endpoint", s.ApifyEndpoint); err != nil {
		return err
	}
	if err := checkInt("lock_lease_seconds", s.LockLeaseSeconds, 5, 3600); err != nil {
		return err
	}
	if err := checkInt("http_timeout_ms", s.HTTPTimeoutMS, 100, 120000); err != nil {
		return err
	}
	if err := checkEnum("log_level", s.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if s.RunsRoot == "" {
		return errs.New(errs.InvalidArgs, "runs_root must not be empty").WithDetail("option", "runs_root")
	}
	return nil
}

func applyFile(s *Settings, dir string) error {
	jsonPath := filepath.Join(dir, "settings.json")
	yamlPath := filepath.Join(dir, "settings.yaml")

	var fs fileSettings
	switch {
	case exists(jsonPath):
		raw, err := os.ReadFile(jsonPath)
		if err != nil {
			return errs.Wrap(errs.InvalidState, err, "read %s", jsonPath)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fs); err != nil {
			return errs.Wrap(errs.InvalidJSON, err, "parse %s", jsonPath).WithDetail("path", jsonPath)
		}
		if dec.More() {
			return errs.New(errs.InvalidJSON, "%s has trailing content", jsonPath).WithDetail("path", jsonPath)
		}
	case exists(yamlPath):
		raw, err := os.ReadFile(yamlPath)
		if err != nil {
			return errs.Wrap(errs.InvalidState, err, "read %s", yamlPath)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&fs); err != nil {
			return errs.Wrap(errs.InvalidJSON, err, "parse %s", yamlPath).WithDetail("path", yamlPath)
		}
		var extra any
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return errs.New(errs.InvalidJSON, "%s has more than one document", yamlPath).WithDetail("path", yamlPath)
		}
	default:
		return nil
	}

	merge(s, fs)
	return nil
}

func merge(s *Settings, fs fileSettings) {
	if fs.OptionCEnabled != nil {
		s.OptionCEnabled = *fs.OptionCEnabled
	}
	if fs.ModeDefault != nil {
		s.ModeDefault = *fs.ModeDefault
	}
	if fs.MaxWave1Agents != nil {
		s.MaxWave1Agents = *fs.MaxWave1Agents
	}
	if fs.MaxWave2Agents != nil {
		s.MaxWave2Agents = *fs.MaxWave2Agents
	}
	if fs.MaxSummaryKB != nil {
		s.MaxSummaryKB = *fs.MaxSummaryKB
	}
	if fs.MaxTotalSummaryKB != nil {
		s.MaxTotalSummaryKB = *fs.MaxTotalSummaryKB
	}
	if fs.MaxReviewIterations != nil {
		s.MaxReviewIterations = *fs.MaxReviewIterations
	}
	if fs.CitationValidationTier != nil {
		s.CitationValidationTier = *fs.CitationValidationTier
	}
	if fs.BrightDataEndpoint != nil {
		s.BrightDataEndpoint = *fs.BrightDataEndpoint
	}
	if fs.ApifyEndpoint != nil {
		s.ApifyEndpoint = *fs.ApifyEndpoint
	}
	if fs.NoWeb != nil {
		s.NoWeb = *fs.NoWeb
	}
	if fs.RunsRoot != nil {
		s.RunsRoot = *fs.RunsRoot
	}
	if fs.AgentCommand != nil {
		s.AgentCommand = *fs.AgentCommand
	}
	if fs.LockLeaseSeconds != nil {
		s.LockLeaseSeconds = *fs.LockLeaseSeconds
	}
	if fs.HTTPTimeoutMS != nil {
		s.HTTPTimeoutMS = *fs.HTTPTimeoutMS
	}
	if fs.LogLevel != nil {
		s.LogLevel = *fs.LogLevel
	}
}

func applyEnv(s *Settings) error {
	if err := envBool("PAI_DR_OPTION_C_ENABLED", &s.OptionCEnabled); err != nil {
		return err
	}
	envString("PAI_DR_MODE_DEFAULT", &s.ModeDefault)
	if err := envInt("PAI_DR_MAX_WAVE1_AGENTS", &s.MaxWave1Agents); err != nil {
		return err
	}
	if err := envInt("PAI_DR_MAX_WAVE2_AGENTS", &s.MaxWave2Agents); err != nil {
		return err
	}
	if err := envInt("PAI_DR_MAX_SUMMARY_KB", &s.MaxSummaryKB); err != nil {
		return err
	}
	if err := envInt("PAI_DR_MAX_TOTAL_SUMMARY_KB", &s.MaxTotalSummaryKB); err != nil {
		return err
	}
	if err := envInt("PAI_DR_MAX_REVIEW_ITERATIONS", &s.MaxReviewIterations); err != nil {
		return err
	}
	envString("PAI_DR_CITATION_VALIDATION_TIER", &s.CitationValidationTier)
	envString("PAI_DR_CITATIONS_BRIGHT_DATA_ENDPOINT", &s.BrightDataEndpoint)
	envString("PAI_DR_CITATIONS_APIFY_ENDPOINT", &s.ApifyEndpoint)
	if err := envBool("PAI_DR_NO_WEB", &s.NoWeb); err != nil {
		return err
	}
	envString("PAI_DR_RUNS_ROOT", &s.RunsRoot)
	envString("PAI_DR_AGENT_COMMAND", &s.AgentCommand)
	if err := envInt("PAI_DR_LOCK_LEASE_SECONDS", &s.LockLeaseSeconds); err != nil {
		return err
	}
	if err := envInt("PAI_DR_HTTP_TIMEOUT_MS", &s.HTTPTimeoutMS); err != nil {
		return err
	}
	envString("PAI_DR_LOG_LEVEL", &s.LogLevel)
	return nil
}

func envString(name string, out *string) {
	if v, ok := os.LookupEnv(name); ok {
		*out = v
	}
}

func envInt(name string, out *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errs.New(errs.InvalidArgs, "%s=%q is not an integer", name, v).
			WithDetail("option", name).
			WithDetail("value", v)
	}
	*out = n
	return nil
}

func envBool(name string, out *bool) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return errs.New(errs.InvalidArgs, "%s=%q is not a boolean", name, v).
			WithDetail("option", name).
			WithDetail("value", v)
	}
	*out = b
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Describe renders the resolved settings for the CLI status surface.
func (s Settings) Describe() string {
	return fmt.Sprintf("mode=%s wave1=%d wave2=%d summary_kb=%d total_kb=%d review_iters=%d tier=%s no_web=%t",
		s.ModeDefault, s.MaxWave1Agents, s.MaxWave2Agents, s.MaxSummaryKB, s.MaxTotalSummaryKB, s.MaxReviewIterations, s.CitationValidationTier, s.NoWeb)
}
