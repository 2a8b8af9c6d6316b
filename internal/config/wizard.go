package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard on stdin/stdout
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard reading answers from in and printing prompts to out
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	heading := color.New(color.Bold)
	heading.Fprintln(w.out, "=== mnemo configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	heading.Fprintln(w.out, "API keys (at least one is required):")
	priority := 0
	for _, provider := range []string{"anthropic", "openai", "gemini"} {
		key, err := w.askValid(fmt.Sprintf("%s API key (press Enter to skip): ", providerTitle(provider)), func(s string) error {
			return validator.ValidateAPIKey(s, provider)
		})
		if err != nil {
			return nil, err
		}
		if key == "" {
			continue
		}
		priority++
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       provider + "-default",
			Provider: provider,
			APIKey:   key,
			Priority: priority,
		})
	}
	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}
	fmt.Fprintln(w.out)

	heading.Fprintln(w.out, "Model:")
	model, err := w.ask(fmt.Sprintf("Default model [%s]: ", defaultModelFor(cfg.AI.Profiles[0].Provider)))
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultModelFor(cfg.AI.Profiles[0].Provider)
	}
	cfg.Models.Default = model
	fmt.Fprintln(w.out)

	heading.Fprintln(w.out, "Session storage:")
	fmt.Fprintln(w.out, "  sqlite   - local database file (default)")
	fmt.Fprintln(w.out, "  postgres - shared PostgreSQL database")
	fmt.Fprintln(w.out, "  file     - one JSON file per session")
	backend, err := w.askValid("Storage backend [sqlite]: ", validator.ValidateStorageBackend)
	if err != nil {
		return nil, err
	}
	if backend != "" {
		cfg.Storage.Backend = backend
	}
	if cfg.Storage.Backend == "postgres" {
		dsn, err := w.ask("PostgreSQL DSN: ")
		if err != nil {
			return nil, err
		}
		if dsn == "" {
			return nil, fmt.Errorf("a DSN is required for the postgres backend")
		}
		cfg.Storage.DSN = dsn
		cfg.Memory.Backend = "postgres"
		cfg.Memory.DSN = dsn
	}
	fmt.Fprintln(w.out)

	heading.Fprintln(w.out, "Memory:")
	remember, err := w.ask("Remember facts about users across sessions? (y/n) [y]: ")
	if err != nil {
		return nil, err
	}
	cfg.Memory.CreateUserMemories = remember == "" || strings.EqualFold(remember, "y")
	summarize, err := w.ask("Keep a running summary of each session? (y/n) [n]: ")
	if err != nil {
		return nil, err
	}
	cfg.Memory.CreateSessionSummary = strings.EqualFold(summarize, "y")
	fmt.Fprintln(w.out)

	heading.Fprintln(w.out, "Logging:")
	level, err := w.ask("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	color.New(color.FgGreen).Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// askValid prompts until the answer is empty or passes validate.
func (w *Wizard) askValid(prompt string, validate func(string) error) (string, error) {
	for {
		answer, err := w.ask(prompt)
		if err != nil {
			return "", err
		}
		if answer == "" {
			return "", nil
		}
		if err := validate(answer); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return answer, nil
	}
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	return w.readLine()
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func providerTitle(provider string) string {
	switch provider {
	case "openai":
		return "OpenAI"
	case "anthropic":
		return "Anthropic"
	case "gemini":
		return "Gemini"
	}
	return provider
}

func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-20250514"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return "gpt-4o"
	}
}
