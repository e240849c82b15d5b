// Package main provides the chatc CLI application entry point.
// chatc signs in to a chat service, manages conversations and streams replies, either one
// command at a time or from an interactive shell.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/abiosoft/ishell/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chatclient/internal/config"
	"chatclient/internal/logger"
	"chatclient/internal/orchestration"
	"chatclient/internal/output"
	"chatclient/internal/shell"
	"chatclient/internal/version"
)

var (
	logLevel  string
	logFile   string
	testMode  bool
	plainText bool

	loginEmail    string
	loginPassword string
	historyClear  bool
)

// errReported marks a failure already shown to the user.
var errReported = errors.New("reported")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatc",
	Short: "chatc - terminal client for the chat service",
	Long: `chatc signs in to a chat service, keeps your conversations in sync and streams
assistant replies into the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runShell, // Default behavior is to run the interactive shell
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start the interactive chat shell",
	RunE:  runShell,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password",
	Long:  `Sign in and remember the login. The password is read from stdin when --password is not given.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		password := loginPassword
		if password == "" {
			read, err := readLine(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = read
		}
		return runCommand(cmd, "login", loginEmail, password)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget local state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCommand(cmd, "logout")
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCommand(cmd, "whoami")
	},
}

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "List sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCommand(cmd, "sessions")
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a session and make it active",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCommand(cmd, "new")
	},
}

var sessionsUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a session active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, "use", args[0])
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, "rename", args[0], strings.Join(args[1:], " "))
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, "delete", args[0])
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the active conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if historyClear {
			return runCommand(cmd, "clear")
		}
		return runCommand(cmd, "history")
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message to the active session and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHandler(cmd, func(ctx context.Context, h *shell.Handler) error {
			return h.Send(ctx, strings.Join(args, " "))
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.GetFormattedVersion())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", "", "Set log level (debug|info|warn|error) [default: info]")
	flags.StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr")
	flags.BoolVar(&testMode, "test-mode", false, "Run in deterministic test mode")
	flags.BoolVar(&plainText, "plain", false, "Print plain text without colors")
	flags.String("base-url", "", "Chat service base URL [env: CHATC_BASE_URL]")
	flags.String("store", "", "Local state backend (memory|file|sqlite) [env: CHATC_STORE_BACKEND]")
	flags.String("store-path", "", "Local state file [env: CHATC_STORE_PATH]")

	bindings := map[string]string{
		"log-level":     "log-level",
		"log-file":      "log-file",
		"test-mode":     "test-mode",
		"BASE_URL":      "base-url",
		"STORE_BACKEND": "store",
		"STORE_PATH":    "store-path",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", flag, err)
			os.Exit(1)
		}
	}

	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (read from stdin when omitted)")
	_ = loginCmd.MarkFlagRequired("email")

	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "Delete the active session's history")

	sessionsCmd.AddCommand(sessionsNewCmd, sessionsUseCmd, sessionsRenameCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(shellCmd, loginCmd, logoutCmd, whoamiCmd, sessionsCmd, historyCmd, sendCmd, versionCmd)

	// Configure logger before any command execution
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if err := logger.Configure(logLevel, logFile, testMode); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}
}

// openClient loads configuration, opens the client and restores any remembered login.
func openClient(ctx context.Context) (*orchestration.Client, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	client, err := orchestration.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		logger.Warn("Failed to restore sessions", "error", err)
	}
	return client, nil
}

func newPrinter(w io.Writer) *output.Printer {
	options := []output.Option{output.WithWriter(w)}
	switch {
	case testMode:
		options = append(options, output.TestMode())
	case plainText:
		options = append(options, output.PlainText())
	default:
		options = append(options, output.WithMarkdown("auto"))
	}
	return output.NewPrinter(options...)
}

// runCommand executes one shell command with args passed through unsplit.
func runCommand(cmd *cobra.Command, name string, args ...string) error {
	return withHandler(cmd, func(ctx context.Context, h *shell.Handler) error {
		return h.Run(ctx, name, args...)
	})
}

// withHandler opens the client, runs fn against a shell handler and reports its failure.
// Ctrl-C cancels it.
func withHandler(cmd *cobra.Command, fn func(ctx context.Context, h *shell.Handler) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	client, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close client", "error", err)
		}
	}()

	handler := shell.NewHandler(client, newPrinter(cmd.OutOrStdout()), nil)
	if err := fn(ctx, handler); err != nil {
		handler.Report(err)
		return errReported
	}
	return nil
}

func runShell(cmd *cobra.Command, _ []string) error {
	logger.Info("Starting chatc", "version", version.GetVersion())

	client, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close client", "error", err)
		}
	}()

	sh := ishell.New()
	sh.SetPrompt("chatc> ")

	// Remove built-in commands so they become chat messages or shell commands
	sh.DeleteCmd("exit")
	sh.DeleteCmd("help")

	handler := shell.NewHandler(client, newPrinter(os.Stdout), nil)
	sh.NotFound(handler.ProcessInput(sh))

	sh.Println(version.GetFormattedVersion())
	if identity, ok := client.Identity.Identity(); ok {
		sh.Println("Signed in as " + identity.Email)
	} else {
		sh.Println("Type '\\login <email>' to sign in.")
	}
	sh.Println("Type '\\help' for commands or '\\exit' to quit.")

	sh.Run()
	return nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
