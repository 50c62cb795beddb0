package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/taskagent/internal/agent"
	"github.com/nugget/taskagent/internal/config"
	"github.com/nugget/taskagent/internal/database"
	"github.com/nugget/taskagent/internal/llm"
	"github.com/nugget/taskagent/internal/memory"
	"github.com/nugget/taskagent/internal/tasks"
	"github.com/nugget/taskagent/internal/tools"
	"github.com/nugget/taskagent/internal/usage"

	_ "github.com/mattn/go-sqlite3" // "sqlite3" driver (cgo)
	_ "modernc.org/sqlite"          // "sqlite" driver (pure Go)
)

// app is the wired object graph shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	client *llm.MultiClient
	memory *memory.SQLiteStore
	tasks  *tasks.SQLiteStore
	usage  *usage.Store
	loop   *agent.Loop
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newApp opens the database and builds the stores, provider client, and
// agent loop from cfg. Logs go to logw.
func newApp(cfg *config.Config, logw io.Writer) (*app, error) {
	logger := cfg.NewLogger(logw)

	db, err := database.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.init(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init() error {
	var err error
	if a.tasks, err = tasks.NewSQLiteStore(a.db, a.logger); err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	if a.memory, err = memory.NewSQLiteStore(a.db, a.logger); err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	if a.usage, err = usage.NewStore(a.db); err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}

	provider := defaultProvider(a.cfg)
	a.client = createLLMClient(a.cfg, provider, a.logger)

	gateway := llm.NewGateway(a.client, llm.GatewayConfig{
		Model:   a.cfg.Models.Default,
		Timeout: a.cfg.LLM.Timeout,
	}, a.logger)
	dispatcher := tools.NewDispatcher(tools.NewRegistry(a.tasks, a.logger), a.logger)

	a.loop = agent.NewLoop(a.logger, gateway, dispatcher, a.memory, a.usage, agent.Options{
		MaxToolRounds: a.cfg.Agent.MaxToolRounds,
		Window:        a.cfg.Memory.Window,
		Provider:      provider,
		Pricing:       a.cfg.Pricing,
	})
	return nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// defaultProvider returns the provider serving the default model. Models
// not listed in models.available are assumed to be Anthropic models when
// their name says so and Ollama models otherwise.
func defaultProvider(cfg *config.Config) string {
	if p := cfg.ProviderFor(cfg.Models.Default); p != "" {
		return p
	}
	if strings.HasPrefix(cfg.Models.Default, "claude") {
		return "anthropic"
	}
	return "ollama"
}

// createLLMClient builds a multi-provider LLM client from the configuration.
// Each model listed in config is mapped to its provider. Models not
// explicitly mapped fall through to the Ollama provider, which acts as
// the default backend.
func createLLMClient(cfg *config.Config, provider string, logger *slog.Logger) *llm.MultiClient {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	multi.AddProvider("anthropic", llm.NewAnthropicClient(llm.AnthropicOptions{
		APIKey:    cfg.Anthropic.APIKey,
		BaseURL:   cfg.Anthropic.BaseURL,
		MaxTokens: cfg.LLM.MaxTokens,
	}, logger))
	if cfg.Anthropic.APIKey == "" && provider == "anthropic" {
		logger.Warn("default model is served by Anthropic but no API key is configured",
			"model", cfg.Models.Default)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	multi.AddModel(cfg.Models.Default, provider)

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", provider)
	return multi
}
