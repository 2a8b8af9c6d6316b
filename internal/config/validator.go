package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

var geminiKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}$`)

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !geminiKeyPattern.MatchString(key) {
			return fmt.Errorf("invalid Gemini API key format")
		}
	default:
		return fmt.Errorf("unknown provider: %s", provider)
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if strings.ContainsAny(model, " \t\n") {
		return fmt.Errorf("model name cannot contain whitespace: %q", model)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"debug", "info", "warn", "error"})
}

// ValidateStorageBackend validates the session storage backend name
func (v *Validator) ValidateStorageBackend(backend string) error {
	return oneOf("storage backend", backend, validStorageBackends)
}

// ValidateMemoryBackend validates the memory backend name
func (v *Validator) ValidateMemoryBackend(backend string) error {
	return oneOf("memory backend", backend, validMemoryBackends)
}

// ValidateRetrieval validates the memory retrieval mode
func (v *Validator) ValidateRetrieval(retrieval string) error {
	return oneOf("memory retrieval", retrieval, validRetrievals)
}

// ValidateTableName validates a SQL identifier used as a table or schema name
func (v *Validator) ValidateTableName(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid table name: %q", name)
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateCronExpr validates a standard five-field cron expression
func (v *Validator) ValidateCronExpr(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// ValidateDuration validates a Go duration string. Empty is allowed.
func (v *Validator) ValidateDuration(d string) error {
	if d == "" {
		return nil
	}
	parsed, err := time.ParseDuration(d)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", d, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", d)
	}
	return nil
}

// ValidateAddr validates a host:port listen address
func (v *Validator) ValidateAddr(addr string) error {
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig validates an entire configuration and returns every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for _, profile := range cfg.AI.Profiles {
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("ai profile %s: %w", profile.ID, err))
		}
	}

	if err := v.ValidateModel(cfg.Models.Default); err != nil {
		errs = append(errs, fmt.Errorf("default model: %w", err))
	}
	if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}

	if err := v.ValidateStorageBackend(cfg.Storage.Backend); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateTableName(cfg.Storage.Table); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := v.ValidateMemoryBackend(cfg.Memory.Backend); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateTableName(cfg.Memory.Table); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if err := v.ValidateRetrieval(cfg.Memory.Retrieval); err != nil {
		errs = append(errs, err)
	}

	if err := v.ValidateDuration(cfg.Maintenance.SessionTTL); err != nil {
		errs = append(errs, fmt.Errorf("maintenance: %w", err))
	}
	if err := v.ValidateCronExpr(cfg.Maintenance.PruneSchedule); err != nil {
		errs = append(errs, fmt.Errorf("maintenance: %w", err))
	}
	if err := v.ValidateCronExpr(cfg.Maintenance.KnowledgeSyncSchedule); err != nil {
		errs = append(errs, fmt.Errorf("maintenance: %w", err))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateAddr(cfg.Metrics.Addr); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}

	return errs
}

func oneOf(what, value string, valid []string) error {
	if contains(valid, value) {
		return nil
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", what, value, strings.Join(valid, ", "))
}
