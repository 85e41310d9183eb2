package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/chatrelay/pkg/access"
	"github.com/dotsetgreg/chatrelay/pkg/archive"
	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/channels"
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/conversation"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/dotsetgreg/chatrelay/pkg/session"
	"github.com/dotsetgreg/chatrelay/pkg/utils"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

const appName = "chatrelay"

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Conversational relay between chat platforms and completion backends",
		Long: strings.TrimSpace(`chatrelay forwards chat messages to a completion backend and relays the
answers back, with bounded per-chat history, per-user message limits,
quiet-window batching of message bursts, and crash-safe state snapshots.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newLogCommand())
	root.AddCommand(newVersionCommand())

	return root
}

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

func getConfigPath() string {
	if p := os.Getenv("CHATRELAY_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatrelay", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func newLogCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "log <chat-id>",
		Short:   "Show recent archived exchanges for a chat",
		Args:    cobra.ExactArgs(1),
		Example: "  chatrelay log 1234567890 --limit 5",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Archive.Enabled {
				return fmt.Errorf("the archive is disabled in %s", getConfigPath())
			}

			store, err := archive.NewStore(cfg.ArchivePath())
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer store.Close()

			exchanges, err := store.Recent(context.Background(), args[0], limit)
			if err != nil {
				return fmt.Errorf("read archive: %w", err)
			}
			if len(exchanges) == 0 {
				fmt.Println("No archived exchanges for this chat.")
				return nil
			}

			for _, ex := range exchanges {
				fmt.Printf("%s  %s (%s)\n", ex.CreatedAt.Format("2006-01-02 15:04:05"), ex.UserID, ex.Channel)
				fmt.Printf("  Q: %s\n", utils.Truncate(bus.PlainText(ex.Question), 200))
				fmt.Printf("  A: %s\n\n", utils.Truncate(ex.Answer, 200))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of exchanges to show")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  chatrelay version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func newOnboardCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default ~/.chatrelay config",
		Example: "  chatrelay onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := getConfigPath()

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
			}

			if err := config.SaveConfig(configPath, config.DefaultConfig()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("%s is ready!\n", appName)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Add your API key to", configPath)
			fmt.Println("  2. (Relay mode) Add your Discord bot token to channels.discord.token")
			fmt.Println("  3. Chat locally: chatrelay chat")
			fmt.Println("  4. Run the relay: chatrelay serve")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and runtime readiness",
		Example: "  chatrelay status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			configPath := getConfigPath()

			fmt.Printf("%s Status\n", appName)
			fmt.Printf("Version: %s\n\n", formatVersion())

			mark := func(ok bool) string {
				if ok {
					return "✓"
				}
				return "✗"
			}

			_, cfgErr := os.Stat(configPath)
			fmt.Println("Config:", configPath, mark(cfgErr == nil))

			snapPath := cfg.PersistencePath()
			_, snapErr := os.Stat(snapPath)
			if snapErr == nil {
				fmt.Println("Snapshot:", snapPath, "✓")
			} else {
				fmt.Println("Snapshot:", snapPath, "not written yet")
			}

			apiReady := strings.TrimSpace(cfg.Provider.APIKey) != ""
			discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""

			fmt.Printf("Model: %s\n", cfg.Provider.Model)
			fmt.Println("API key:", mark(apiReady))
			fmt.Println("Discord token:", mark(discordReady))
			fmt.Println("Chat ready:", mark(apiReady))
			fmt.Println("Relay ready:", mark(apiReady && discordReady))
			return nil
		},
	}
}

func validateRuntimeConfig(cfg *config.Config, requireDiscord bool) error {
	configPath := getConfigPath()
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return fmt.Errorf("provider.api_key is required in %s or CHATRELAY_PROVIDER_API_KEY", configPath)
	}
	if requireDiscord && strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required in %s or CHATRELAY_CHANNELS_DISCORD_TOKEN", configPath)
	}
	return nil
}

// relayCore holds the wired relay internals shared by serve and chat mode.
type relayCore struct {
	bus          *bus.MessageBus
	orchestrator *session.Orchestrator
	snapshotter  *conversation.Snapshotter
	archiveStore *archive.Store
}

func buildCore(cfg *config.Config) (*relayCore, error) {
	store := conversation.NewStore(cfg.Conversation.Depth)
	limiter := conversation.NewLimiter(cfg.Conversation.MessageLimit.Count, cfg.LimitPeriod())

	snapPath := cfg.PersistencePath()
	if err := conversation.Restore(snapPath, store, limiter); err != nil {
		if errors.Is(err, conversation.ErrIncompatibleSchema) {
			return nil, fmt.Errorf("snapshot at %s has an incompatible schema; move it aside to start fresh: %w", snapPath, err)
		}
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}

	snapshotter, err := conversation.NewSnapshotter(
		snapPath, cfg.SnapshotInterval(), cfg.Persistence.Cron, store, limiter)
	if err != nil {
		return nil, err
	}

	var archiveStore *archive.Store
	var archiver session.Archiver
	if cfg.Archive.Enabled {
		archiveStore, err = archive.NewStore(cfg.ArchivePath())
		if err != nil {
			// The archive is an audit convenience; the relay runs without it.
			logger.WarnCF("main", "Archive disabled, failed to open database", map[string]interface{}{
				"path":  cfg.ArchivePath(),
				"error": err.Error(),
			})
		} else {
			archiver = archiveStore
			if retention := cfg.ArchiveRetention(); retention > 0 {
				removed, err := archiveStore.Prune(context.Background(), retention)
				if err != nil {
					logger.WarnCF("main", "Archive prune failed", map[string]interface{}{
						"error": err.Error(),
					})
				} else if removed > 0 {
					logger.InfoCF("main", "Pruned expired archive exchanges", map[string]interface{}{
						"removed":        removed,
						"retention_days": cfg.Archive.RetentionDays,
					})
				}
			}
		}
	}

	discord := cfg.Channels.Discord
	gate := access.NewGate(discord.AllowFrom, discord.AllowChats, discord.Admins)

	messageBus := bus.NewMessageBus()
	orchestrator := session.New(session.Options{
		Bus:        messageBus,
		Gate:       gate,
		History:    store,
		Limiter:    limiter,
		Provider:   providers.NewOpenAIProvider(cfg.Provider),
		Archive:    archiver,
		BufferTime: cfg.BufferTime(),
		Version:    formatVersion(),
	})

	return &relayCore{
		bus:          messageBus,
		orchestrator: orchestrator,
		snapshotter:  snapshotter,
		archiveStore: archiveStore,
	}, nil
}

func (rc *relayCore) shutdown(ctx context.Context) {
	rc.orchestrator.Stop()
	if err := rc.snapshotter.SnapshotNow(); err != nil {
		logger.ErrorCF("main", "Final snapshot failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := rc.archiveStore.Close(); err != nil {
		logger.WarnCF("main", "Error closing archive", map[string]interface{}{
			"error": err.Error(),
		})
	}
	rc.bus.Close()
}

func newServeCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the relay against configured channels",
		Example: "  chatrelay serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			logger.SetLevel(cfg.LogLevel)
			if err := validateRuntimeConfig(cfg, true); err != nil {
				return err
			}

			logger.InfoCF("main", "Starting relay", cfg.Redacted())

			core, err := buildCore(cfg)
			if err != nil {
				return err
			}

			manager, err := channels.NewManager(cfg, core.bus)
			if err != nil {
				return fmt.Errorf("create channel manager: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go core.orchestrator.Run(ctx)
			go core.snapshotter.Run(ctx)

			if err := manager.StartAll(ctx); err != nil {
				core.shutdown(ctx)
				return err
			}

			fmt.Printf("✓ Relay started (channels: %s)\n", strings.Join(manager.EnabledChannels(), ", "))
			fmt.Println("Press Ctrl+C to stop")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			fmt.Println("\nShutting down...")
			cancel()
			manager.StopAll(context.Background())
			core.shutdown(context.Background())
			fmt.Println("✓ Relay stopped")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		message string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the backend locally, without any platform channel",
		Example: strings.Join([]string{
			"  chatrelay chat",
			"  chatrelay chat --message \"What's the capital of France?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			logger.SetLevel(cfg.LogLevel)
			if err := validateRuntimeConfig(cfg, false); err != nil {
				return err
			}

			// Local chat wants immediate answers, not burst coalescing.
			cfg.Conversation.BatchingBufferTime = 0.1

			core, err := buildCore(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go core.orchestrator.Run(ctx)
			go core.snapshotter.Run(ctx)
			defer core.shutdown(context.Background())

			if strings.TrimSpace(message) != "" {
				answer, err := askOnce(ctx, core.bus, message)
				if err != nil {
					return err
				}
				fmt.Printf("\n%s %s\n", appName, answer)
				return nil
			}

			fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)
			return interactiveChat(ctx, core.bus)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot question to send")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func askOnce(ctx context.Context, messageBus *bus.MessageBus, question string) (string, error) {
	messageBus.PublishInbound(bus.InboundMessage{
		Channel:   "cli",
		SenderID:  "local",
		ChatID:    "cli:local",
		Blocks:    []bus.ContentBlock{{Kind: bus.BlockText, Text: question}},
		Timestamp: time.Now(),
	})

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	out, ok := messageBus.SubscribeOutbound(waitCtx)
	if !ok {
		return "", fmt.Errorf("no answer received: %w", waitCtx.Err())
	}
	return out.Content, nil
}

func interactiveChat(ctx context.Context, messageBus *bus.MessageBus) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".chatrelay_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		answer, err := askOnce(ctx, messageBus, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s %s\n\n", appName, answer)
	}
}
