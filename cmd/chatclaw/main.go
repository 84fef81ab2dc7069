package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/config"
	"github.com/stellarlinkco/chatclaw/internal/conversation"
	"github.com/stellarlinkco/chatclaw/internal/gateway"
	"github.com/stellarlinkco/chatclaw/internal/registry"
	"github.com/stellarlinkco/chatclaw/internal/storage"
)

const cliChannel = "cli"

const apiKeyHint = "API key not set. Run 'chatclaw onboard' or set CHATCLAW_API_KEY / OPENAI_API_KEY"

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	ProviderFactory gateway.ProviderFactory
	Store           storage.Store
	Logger          *zap.SugaredLogger
	Stdin           io.Reader
	Stdout          io.Writer
	Stderr          io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "chatclaw",
	Short: "chatclaw - Telegram bot backed by OpenAI with per-user conversation memory",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat from the terminal in single message or REPL mode",
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Start the bot (channels + cron)",
	RunE:    runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatclaw status",
	RunE:  runStatus,
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Inspect, reset or delete stored conversation contexts",
}

var contextShowCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Print a user's stored context record",
	Args:  cobra.ExactArgs(1),
	RunE:  runContextShow,
}

var contextResetCmd = &cobra.Command{
	Use:   "reset <username>",
	Short: "Clear a user's history, keeping the behaviour",
	Args:  cobra.ExactArgs(1),
	RunE:  runContextReset,
}

var contextDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Delete a user's stored context, behaviour included",
	Args:  cobra.ExactArgs(1),
	RunE:  runContextDelete,
}

var (
	messageFlag  string
	usernameFlag string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&usernameFlag, "user", "u", "cli", "Username whose context is used")
	contextCmd.AddCommand(contextShowCmd, contextResetCmd, contextDeleteCmd)
	rootCmd.AddCommand(chatCmd, serveCmd, onboardCmd, statusCmd, contextCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// writerMessenger prints replies instead of delivering them to a channel.
type writerMessenger struct {
	w io.Writer
}

func (m *writerMessenger) Send(_ context.Context, msg bus.OutboundMessage) error {
	if msg.Content != "" {
		fmt.Fprintln(m.w, msg.Content)
	}
	for _, link := range msg.Media {
		fmt.Fprintln(m.w, link)
	}
	return nil
}

func (m *writerMessenger) Download(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("attachments are not supported in the terminal")
}

// runChatWithOptions runs the chat with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.ProviderFactory == nil && cfg.Provider.APIKey == "" {
		return errors.New(apiKeyHint)
	}
	cfg.Telegram.Enabled = false
	cfg.Web.Enabled = false

	// Use injected IO or defaults
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		ProviderFactory: opts.ProviderFactory,
		Store:           opts.Store,
		Messenger:       &writerMessenger{w: stdout},
		Logger:          opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	ctx := context.Background()
	send := func(text string) {
		gw.HandleInbound(ctx, bus.InboundMessage{
			Channel:  cliChannel,
			SenderID: usernameFlag,
			Username: usernameFlag,
			ChatID:   cliChannel,
			ChatType: bus.ChatPrivate,
			Content:  text,
		})
	}

	// Single message mode
	if messageFlag != "" {
		send(messageFlag)
		return nil
	}

	// REPL mode
	fmt.Fprintf(stdout, "chatclaw chat as %s (type 'exit' to quit)\n", usernameFlag)
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		send(input)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return errors.New(apiKeyHint)
	}
	if !cfg.Telegram.Enabled && !cfg.Web.Enabled {
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning: no channels enabled; set CHATCLAW_TELEGRAM_TOKEN or CHATCLAW_WEB_ENABLED")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and Telegram token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CHATCLAW_API_KEY and CHATCLAW_TELEGRAM_TOKEN environment variables")
	fmt.Fprintln(out, "  3. Run 'chatclaw chat -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Variant: %s\n", cfg.Provider.Variant)
	fmt.Fprintf(out, "Model: %s\n", cfg.Provider.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskSecret(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Context: tokens=%d splice=%d attempts=%d\n",
		cfg.Context.TokensThreshold, cfg.Context.SpliceThreshold, cfg.Context.MaxAttempts)
	fmt.Fprintf(out, "Storage: %s %s\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)
	fmt.Fprintf(out, "Web: enabled=%v addr=%s\n", cfg.Web.Enabled, cfg.Web.Addr)
	fmt.Fprintf(out, "Restrict users: %v\n", cfg.Auth.RestrictUsers)
	return nil
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return "not set"
	case len(s) > 8:
		return s[:4] + "..." + s[len(s)-4:]
	default:
		return "set"
	}
}

// openRegistry opens the configured store and a registry for the configured
// variant. The caller closes the store.
func openRegistry(cfg *config.Config) (*registry.Registry, storage.Store, error) {
	variant, err := conversation.ParseVariant(cfg.Provider.Variant)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	reg := registry.New(store, variant, conversation.Options{
		TokensThreshold: cfg.Context.TokensThreshold,
		SpliceThreshold: cfg.Context.SpliceThreshold,
	}, nil)
	return reg, store, nil
}

func runContextShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	reg, store, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	username := args[0]
	data, err := store.Read(context.Background(), reg.Key(username))
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(cmd.OutOrStdout(), "No context stored for %s\n", username)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read context: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return fmt.Errorf("format context: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}

func runContextReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	reg, store, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := reg.Reset(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("reset context: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset context for %s (behaviour kept: %q)\n", c.Username(), truncate(c.Behaviour(), 60))
	return nil
}

func runContextDelete(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	reg, store, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	existed, err := reg.Delete(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	if !existed {
		fmt.Fprintf(cmd.OutOrStdout(), "No context stored for %s\n", args[0])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted context for %s\n", args[0])
	return nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
