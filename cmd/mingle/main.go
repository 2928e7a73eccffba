package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/mingle/pkg/agent"
	"github.com/dotsetgreg/mingle/pkg/bus"
	"github.com/dotsetgreg/mingle/pkg/character"
	"github.com/dotsetgreg/mingle/pkg/config"
	"github.com/dotsetgreg/mingle/pkg/logger"
	"github.com/dotsetgreg/mingle/pkg/memory"
	"github.com/dotsetgreg/mingle/pkg/platforms"
	"github.com/dotsetgreg/mingle/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

const appName = "mingle"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	fmt.Printf("  Go: %s\n", runtime.Version())
}

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "mingle",
		Short: "Persona-driven social media agent",
		Long: strings.TrimSpace(`mingle runs a character on social platforms: it posts on a
schedule, replies to mentions, searches topics to join conversations,
and builds a memory of the people it talks to.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  mingle version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.mingle config and a sample character",
		Example: "  mingle onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard()
		},
	}
}

func newRunCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the character on every enabled platform",
		Example: "  mingle run --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and runtime readiness",
		Example: "  mingle status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd()
		},
	}
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mingle", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func applyLogLevel(level string, debug bool) {
	if debug {
		logger.SetLevel(logger.DEBUG)
		return
	}
	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn", "warning":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
}

func validateRuntimeConfig(cfg *config.Config) error {
	configPath := getConfigPath()
	if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" {
		return fmt.Errorf("providers.openai.api_key is required in %s or MINGLE_PROVIDERS_OPENAI_API_KEY", configPath)
	}
	if cfg.Platforms.Twitter.Enabled && strings.TrimSpace(cfg.Platforms.Twitter.BearerToken) == "" {
		return fmt.Errorf("platforms.twitter.bearer_token is required when twitter is enabled")
	}
	if cfg.Platforms.Discord.Enabled && strings.TrimSpace(cfg.Platforms.Discord.Token) == "" {
		return fmt.Errorf("platforms.discord.token is required when discord is enabled")
	}
	return nil
}

func onboard() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s, remove it first to start over", configPath)
	}

	home, _ := os.UserHomeDir()
	characterPath := filepath.Join(home, ".mingle", "characters", "default.json")

	cfg := config.DefaultConfig()
	cfg.Agent.CharacterFile = characterPath
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := writeSampleCharacter(characterPath); err != nil {
		return fmt.Errorf("write sample character: %w", err)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your OpenAI API key to", configPath)
	fmt.Println("  2. Edit the character at", characterPath)
	fmt.Println("  3. Enable a platform and add its credentials")
	fmt.Println("  4. Try it locally: mingle chat")
	fmt.Println("  5. Go live: mingle run")
	return nil
}

func writeSampleCharacter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	sample := character.Character{
		Name:         "Ada",
		NameID:       "ada",
		Intro:        "A curious generative artist who thinks out loud.",
		Lore:         "Ada spends her days exploring the edges of machine creativity.",
		Instructions: "Be warm and specific. Never use hashtags.",
		Traits:       []string{"curious", "playful", "direct"},
		Topics:       []string{"generative art", "creative coding"},
		Platforms: map[string]character.PlatformSettings{
			"twitter": {
				Enabled:  false,
				Username: "ada",
				Post:     character.PostSettings{Enabled: true, FrequencyHours: 6},
				Responding: character.RespondingSettings{
					Enabled:          true,
					ResponsesPerHour: 3,
				},
				Engage: character.EngageSettings{
					Enabled:              false,
					SearchFrequencyHours: 4,
					SearchQueries:        []string{"generative art"},
				},
			},
		},
	}
	data, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// buildCore wires the store, providers, and social memory engine shared
// by the run and chat commands.
func buildCore(cfg *config.Config) (*character.Character, *memory.SQLiteStore, *providers.OpenAI, *memory.Engine, error) {
	char, err := character.Load(cfg.CharacterPath())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load character: %w", err)
	}
	store, err := memory.NewSQLiteStore(cfg.StorePath())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	provider, err := providers.NewOpenAI(cfg.Providers.OpenAI, char)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, nil, fmt.Errorf("create provider: %w", err)
	}
	engine := memory.NewEngine(store, char.Name, char.Username, provider)
	return char, store, provider, engine, nil
}

func runAgent(debug bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg.Agent.LogLevel, debug)
	if err := validateRuntimeConfig(cfg); err != nil {
		return err
	}

	char, store, provider, engine, err := buildCore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	messageBus := bus.NewMessageBus()
	defer messageBus.Close()

	manager := platforms.NewManager()
	if cfg.Platforms.Twitter.Enabled && char.Platform("twitter").Enabled {
		p, err := platforms.NewMicroblogPlatform("twitter", cfg.Platforms.Twitter)
		if err != nil {
			return fmt.Errorf("create twitter platform: %w", err)
		}
		manager.Register(p)
	}
	if cfg.Platforms.Discord.Enabled && char.Platform("discord").Enabled {
		p, err := platforms.NewDiscordPlatform(cfg.Platforms.Discord, char.Platform("discord").ChatID, messageBus)
		if err != nil {
			return fmt.Errorf("create discord platform: %w", err)
		}
		manager.Register(p)
	}
	if len(manager.Names()) == 0 {
		return fmt.Errorf("no platform is enabled in both %s and the character file", getConfigPath())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start platforms: %w", err)
	}

	coordinator := agent.NewCoordinator(store, engine, char, manager, messageBus, provider, provider, provider)

	logger.InfoCF("main", "Agent running", map[string]any{
		"character": char.Name,
		"platforms": strings.Join(manager.Names(), ","),
		"version":   formatVersion(),
	})
	fmt.Printf("%s running as %q on: %s\n", appName, char.Name, strings.Join(manager.Names(), ", "))
	fmt.Println("Press Ctrl+C to stop")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coordinator.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	<-done
	if err := manager.StopAll(context.Background()); err != nil {
		logger.WarnCF("main", "Error stopping platforms", map[string]any{"error": err.Error()})
	}
	logger.Sync()
	fmt.Println("Stopped.")
	return nil
}

func statusCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n\n", formatVersion())

	mark := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "missing"
	}

	_, cfgErr := os.Stat(configPath)
	fmt.Printf("Config:    %s (%s)\n", configPath, mark(cfgErr == nil))

	charPath := cfg.CharacterPath()
	_, charErr := os.Stat(charPath)
	fmt.Printf("Character: %s (%s)\n", charPath, mark(charErr == nil))

	storePath := cfg.StorePath()
	if _, err := os.Stat(storePath); err == nil {
		fmt.Printf("Store:     %s (ok)\n", storePath)
	} else {
		fmt.Printf("Store:     %s (not initialized)\n", storePath)
	}
	fmt.Println()

	apiReady := strings.TrimSpace(cfg.Providers.OpenAI.APIKey) != ""
	fmt.Printf("Model:          %s\n", cfg.Providers.OpenAI.Model)
	fmt.Printf("OpenAI API key: %s\n", mark(apiReady))
	fmt.Printf("Twitter:        enabled=%v token=%s\n",
		cfg.Platforms.Twitter.Enabled, mark(strings.TrimSpace(cfg.Platforms.Twitter.BearerToken) != ""))
	fmt.Printf("Discord:        enabled=%v token=%s\n",
		cfg.Platforms.Discord.Enabled, mark(strings.TrimSpace(cfg.Platforms.Discord.Token) != ""))

	if charErr == nil {
		if char, err := character.Load(charPath); err == nil {
			fmt.Printf("\nCharacter %q enables: %s\n", char.Name, strings.Join(char.EnabledPlatforms(), ", "))
		}
	}
	return nil
}
