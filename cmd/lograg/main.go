package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/lograg/internal/app"
	"github.com/efebarandurmaz/lograg/internal/config"
	"github.com/efebarandurmaz/lograg/internal/llm"
	"github.com/efebarandurmaz/lograg/internal/logging"
	"github.com/efebarandurmaz/lograg/internal/secrets"
)

// defaultConfigPath is read when --config is not given and the file exists.
const defaultConfigPath = "lograg.yaml"

// globals holds the persistent flags and what PersistentPreRunE derives
// from them.
type globals struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log zerolog.Logger
}

func main() {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:           "lograg",
		Short:         "Ask questions about diagnostic logs",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file path (default ./"+defaultConfigPath+" when present)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log.level")

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List available LLM providers",
		Run: func(cmd *cobra.Command, args []string) {
			printProviders()
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	var force bool
	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the defaults",
		Args:  cobra.MaximumNArgs(1),
		// Runs without loading a config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Save(path, config.Default(), force); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	configInitCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(
		newServeCmd(g),
		newIngestCmd(g),
		newQueryCmd(g),
		newChatCmd(g),
		newCollectionsCmd(g),
		providersCmd,
		configCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads .env, the config file and secrets, then sets up logging.
func (g *globals) load(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	path := g.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := secrets.Apply(ctx, cfg); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}

	g.cfg = cfg
	g.log = logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return nil
}

// build assembles the pipeline for a one-shot command.
func (g *globals) build(ctx context.Context) (*app.App, error) {
	return app.Build(ctx, g.cfg, g.log, app.Options{})
}

// collection resolves the --collection flag.
func (g *globals) collection(name string) string {
	if name != "" {
		return name
	}
	return g.cfg.Vector.DefaultCollection
}

func printProviders() {
	names := make([]string, 0, len(llm.KnownProviders))
	for name := range llm.KnownProviders {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Available LLM providers:")
	fmt.Println()
	for _, name := range names {
		fmt.Printf("  %-18s %s\n", name, llm.KnownProviders[name])
	}
	for _, name := range app.NewFactory().Names() {
		if _, ok := llm.KnownProviders[name]; ok || name == "custom" {
			continue
		}
		fmt.Printf("  %-18s (via langchaingo)\n", name)
	}
	fmt.Println("  custom             (set base_url to any OpenAI-compatible endpoint)")
	fmt.Println("  none               (ingest only; queries fail without a model)")
	fmt.Println()
	fmt.Println("Embeddings use the llm section unless embedding.provider is set.")
	fmt.Println()
	fmt.Println("Configure in lograg.yaml or via environment:")
	fmt.Println("  LOGRAG_LLM_PROVIDER=groq")
	fmt.Println("  LOGRAG_LLM_API_KEY=gsk_...")
	fmt.Println("  LOGRAG_EMBEDDING_PROVIDER=ollama")
}
