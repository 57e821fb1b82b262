// Package cmd wires the cobra command surface: the chat REPL and session
// management subcommands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/deskhand-ai/deskhand/internal/config"
	"github.com/deskhand-ai/deskhand/internal/conversation"
	"github.com/deskhand-ai/deskhand/internal/index"
	"github.com/deskhand-ai/deskhand/internal/logging"
	"github.com/deskhand-ai/deskhand/internal/provider"
	"github.com/deskhand-ai/deskhand/internal/transcript"
)

var (
	cfgFile      string
	providerFlag string
	modelFlag    string
	sessionFlag  string
	logLevelFlag string
	appVersion   string
)

// Execute is the main entry point called from main.go.
func Execute(version string) {
	appVersion = version

	rootCmd := &cobra.Command{
		Use:   "deskhand",
		Short: "Conversational support agent",
		Long:  "deskhand is a conversational support agent backed by interchangeable LLM providers\nwith transcripts in a document store and session metadata in a relational store.",
		// Running deskhand with no subcommand starts chat mode.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/deskhand/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&providerFlag, "provider", "p", "", "chat provider: anthropic or openai")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "override the provider's default model")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "console log level (trace|debug|info|warn|error)")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start the interactive chat loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat()
		},
	}
	chatCmd.Flags().StringVarP(&sessionFlag, "session", "s", "", "resume an existing session id")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(newSessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig loads configuration, applies CLI flag overrides and validates.
func initConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if providerFlag != "" {
		cfg.Provider = providerFlag
	}
	if modelFlag != "" {
		cfg.GetProviderConfig(cfg.Provider).Model = modelFlag
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runtime holds the wired components shared by the commands.
type runtime struct {
	cfg     *config.Config
	log     zerolog.Logger
	manager *conversation.Manager
	idx     conversation.SessionIndex
	cleanup []func()
}

func (r *runtime) close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
}

// buildRuntime connects the stores, builds the provider registry and the
// session manager.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logging.New(cfg.Log.Level, cfg.Log.File)}

	var transcripts conversation.TranscriptStore
	switch cfg.Transcript.Backend {
	case "mongo":
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		store, err := transcript.NewMongoStore(connCtx, cfg.Transcript.URI, cfg.Transcript.Database)
		cancel()
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.cleanup = append(rt.cleanup, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = store.Close(closeCtx)
			cancel()
		})
		transcripts = store
	case "memory":
		transcripts = transcript.NewMemoryStore()
	}

	switch cfg.Index.Backend {
	case "postgres":
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := index.NewPostgresIndex(connCtx, cfg.Index.DSN)
		cancel()
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.cleanup = append(rt.cleanup, pg.Close)
		rt.idx = pg
	case "sqlite":
		path := cfg.Index.Path
		if path == "" {
			path, err = index.DefaultDBPath()
			if err != nil {
				rt.close()
				return nil, fmt.Errorf("session db path: %w", err)
			}
		}
		lite, err := index.NewSQLiteIndex(path)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.cleanup = append(rt.cleanup, func() { _ = lite.Close() })
		rt.idx = lite
	}

	registry := buildRegistry(cfg)
	rt.manager = conversation.NewManager(rt.idx, transcripts, registry, conversation.Options{
		DefaultProvider: cfg.Provider,
		ContextWindow:   cfg.ContextWindow,
		Logger:          rt.log,
	})
	return rt, nil
}

// buildRegistry registers every provider with credentials. Sessions stay
// pinned to the provider they were created under, so adapters beyond the
// active one still need to resolve.
func buildRegistry(cfg *config.Config) *provider.Registry {
	var providers []provider.Provider
	if pc := cfg.GetProviderConfig("anthropic"); pc.APIKey != "" {
		providers = append(providers, provider.NewAnthropicProvider(
			pc.APIKey, pc.Model, pc.MaxTokens, time.Duration(pc.TimeoutSeconds)*time.Second))
	}
	if pc := cfg.GetProviderConfig("openai"); pc.APIKey != "" {
		providers = append(providers, provider.NewOpenAIProvider(
			pc.APIKey, pc.BaseURL, pc.Model, time.Duration(pc.TimeoutSeconds)*time.Second))
	}
	return provider.NewRegistry(providers...)
}
