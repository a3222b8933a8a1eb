package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/StoryForge/internal/branch"
	"github.com/TobiSchelling/StoryForge/internal/chapters"
	"github.com/TobiSchelling/StoryForge/internal/choices"
	"github.com/TobiSchelling/StoryForge/internal/config"
	"github.com/TobiSchelling/StoryForge/internal/database"
	"github.com/TobiSchelling/StoryForge/internal/generate"
	"github.com/TobiSchelling/StoryForge/internal/history"
	"github.com/TobiSchelling/StoryForge/internal/inflight"
	"github.com/TobiSchelling/StoryForge/internal/llm"
	"github.com/TobiSchelling/StoryForge/internal/retry"
	"github.com/TobiSchelling/StoryForge/internal/server"
	"github.com/TobiSchelling/StoryForge/internal/session"
	"github.com/TobiSchelling/StoryForge/internal/tree"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "storyforge",
	Short:   "Branching interactive fiction with versioned chapters",
	Long:    "StoryForge generates chapters from reader choices, keeps every version of every chapter, and lets you branch or roll back at any point.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			if configPath != "" {
				return err
			}
			// No config file anywhere: run on the embedded defaults.
			cfg, err = config.LoadDefault()
			if err != nil {
				return fmt.Errorf("loading default config: %w", err)
			}
			return nil
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(chaptersCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(exportGitCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("storyforge", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/storyforge/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the LLM provider, data directory, and session guard.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", cfg.DBPath())
		fmt.Println("Stories:")
		fmt.Printf("  Total: %d\n", stats.Stories)
		stories, err := db.ListStories(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing stories: %w", err)
		}
		for _, s := range stories {
			fmt.Printf("  %s: %d active chapter(s), %d version(s), updated %s\n",
				s.StoryID, s.ActiveChapters, s.TotalVersions, s.UpdatedAt.Format("2006-01-02 15:04"))
		}
		fmt.Println("\nChapters:")
		fmt.Printf("  Versions stored: %d\n", stats.ChapterVersions)
		fmt.Printf("  Active: %d\n", stats.ActiveChapters)
		fmt.Println("\nChoices:")
		fmt.Printf("  Total: %d\n", stats.Choices)
		fmt.Printf("  Selected: %d\n", stats.SelectedChoices)
		fmt.Println("\nGeneration:")
		fmt.Printf("  Provider: %s (%s)\n", cfg.Generation.Provider, cfg.Generation.Model)
		if cfg.Session.RedisURL == "" {
			fmt.Println("  Session guard: memory")
			return nil
		}
		g, err := inflight.NewRedisGuard(cfg.Session.RedisURL, cfg.LockTTL())
		if err != nil {
			fmt.Printf("  Session guard: redis (unreachable: %v)\n", err)
			return nil
		}
		defer g.Close()
		if err := g.Ping(cmd.Context()); err != nil {
			fmt.Printf("  Session guard: redis (unreachable: %v)\n", err)
			return nil
		}
		fmt.Println("  Session guard: redis")
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(server.Deps{
			DB:       a.db,
			Store:    a.store,
			Registry: a.registry,
			Manager:  a.manager,
			History:  a.history,
			Tree:     a.tree,
			Session:  session.New(a.manager, a.store, a.history),
		}, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// app holds the components every story command works with.
type app struct {
	db       *database.DB
	store    *chapters.Store
	registry *choices.Registry
	manager  *branch.Manager
	history  *history.Aggregator
	tree     *tree.Builder
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}
}

func openApp() (*app, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	a := &app{db: db, closers: []func() error{db.Close}}

	policy := retry.Policy{
		MaxTries:        cfg.Retry.MaxTries,
		InitialInterval: time.Duration(cfg.Retry.InitialIntervalMS) * time.Millisecond,
		MaxElapsed:      time.Duration(cfg.Retry.MaxElapsedMS) * time.Millisecond,
	}

	guard, err := openGuard()
	if err != nil {
		a.Close()
		return nil, err
	}
	if rg, ok := guard.(*inflight.RedisGuard); ok {
		a.closers = append(a.closers, rg.Close)
	}

	provider := llm.CreateProvider(llm.Options{
		Provider:    cfg.Generation.Provider,
		Model:       cfg.Generation.Model,
		OllamaURL:   cfg.Generation.OllamaURL,
		OpenAIModel: cfg.Generation.OpenAIModel,
		APIKeyEnv:   cfg.Generation.APIKeyEnv,
		Timeout:     cfg.GenerationTimeout(),
	})
	gen := generate.NewLLMGenerator(provider, generate.Options{
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
		Timeout:     cfg.GenerationTimeout(),
	})

	a.store = chapters.NewStore(db, policy)
	a.registry = choices.NewRegistry(db)
	a.manager = branch.NewManager(a.store, a.registry, gen, guard)
	a.history = history.NewAggregator(a.store, a.registry, policy, cfg.History.Concurrency)
	a.tree = tree.NewBuilder(a.store, a.registry)
	return a, nil
}

// openGuard returns the Redis guard when a URL is configured, otherwise an
// in-process guard.
func openGuard() (inflight.Guard, error) {
	if cfg.Session.RedisURL == "" {
		return inflight.NewMemoryGuard(), nil
	}
	g, err := inflight.NewRedisGuard(cfg.Session.RedisURL, cfg.LockTTL())
	if err != nil {
		return nil, fmt.Errorf("creating redis guard: %w", err)
	}
	return g, nil
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}
