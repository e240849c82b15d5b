// Package shell provides the interactive chat shell and its input routing.
// Lines starting with a backslash are commands; anything else is sent to the active session
// and the reply is streamed to the printer as it arrives. A line starting with two
// backslashes is sent as a message with the first one removed.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/abiosoft/ishell/v2"
	"github.com/charmbracelet/log"

	"chatclient/internal/logger"
	"chatclient/internal/orchestration"
	"chatclient/internal/output"
	"chatclient/internal/services"
	"chatclient/pkg/chattypes"
)

// ErrExit is returned by Execute for \exit.
var ErrExit = errors.New("exit requested")

// UsageError is a malformed shell command.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

func usage(cmd command) error {
	return &UsageError{Message: "usage: " + cmd.usage}
}

// PasswordReader prompts for a password without echo.
type PasswordReader func(prompt string) (string, error)

type command struct {
	usage string
	help  string
	run   func(h *Handler, ctx context.Context, args []string) error
}

// Handler executes shell input against a chat client.
type Handler struct {
	client   *orchestration.Client
	printer  *output.Printer
	password PasswordReader
	commands map[string]command
	log      *log.Logger
}

func commandTable() map[string]command {
	return map[string]command{
		"login":    {usage: "\\login <email> [password]", help: "Sign in, prompting for the password when omitted", run: (*Handler).login},
		"logout":   {usage: "\\logout", help: "Sign out and forget local state", run: (*Handler).logout},
		"whoami":   {usage: "\\whoami", help: "Show the signed-in account", run: (*Handler).whoami},
		"sessions": {usage: "\\sessions", help: "List sessions, * marks the active one", run: (*Handler).sessions},
		"new":      {usage: "\\new", help: "Create a session and switch to it", run: (*Handler).newSession},
		"use":      {usage: "\\use <id>", help: "Switch to a session", run: (*Handler).use},
		"rename":   {usage: "\\rename <id> <name>", help: "Rename a session (spaces in the name are collapsed)", run: (*Handler).rename},
		"delete":   {usage: "\\delete <id>", help: "Delete a session", run: (*Handler).delete},
		"history":  {usage: "\\history", help: "Show the active conversation", run: (*Handler).history},
		"clear":    {usage: "\\clear", help: "Delete the active session's history", run: (*Handler).clear},
		"cancel":   {usage: "\\cancel", help: "Stop the reply in flight", run: (*Handler).cancel},
		"help":     {usage: "\\help", help: "Show this help", run: (*Handler).help},
		"exit":     {usage: "\\exit", help: "Leave the shell", run: func(*Handler, context.Context, []string) error { return ErrExit }},
	}
}

// NewHandler creates a Handler and subscribes it to the client's stream events so reply
// deltas are printed as they arrive.
func NewHandler(client *orchestration.Client, printer *output.Printer, password PasswordReader) *Handler {
	h := &Handler{
		client:   client,
		printer:  printer,
		password: password,
		commands: commandTable(),
		log:      logger.NewStyledLogger("Shell"),
	}
	client.Stream.Observe(h.onStreamEvent)
	return h
}

// Execute runs one line of input.
//
// Returns:
//   - error: ErrExit for \exit, otherwise the failure of the command or send
func (h *Handler) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "\\\\") {
		return h.Send(ctx, line[1:])
	}
	if !strings.HasPrefix(line, "\\") {
		return h.Send(ctx, line)
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return &UsageError{Message: "empty command, type \\help for available commands"}
	}
	return h.Run(ctx, fields[0], fields[1:]...)
}

// Run executes the named command with args taken as they are, so arguments may contain
// whitespace that a shell line would split.
func (h *Handler) Run(ctx context.Context, name string, args ...string) error {
	cmd, ok := h.commands[name]
	if !ok {
		return &UsageError{Message: fmt.Sprintf("unknown command \\%s, type \\help for available commands", name)}
	}
	return cmd.run(h, ctx, args)
}

// Report prints err the way the shell shows failures.
func (h *Handler) Report(err error) {
	if err == nil || errors.Is(err, ErrExit) {
		return
	}
	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		h.printer.Error(usageErr.Message)
		return
	}
	h.printer.Error(services.UserMessage(err))
}

// ProcessInput returns the ishell handler for input that is not a registered shell command.
// Ctrl-C while a reply streams cancels that reply only.
func (h *Handler) ProcessInput(sh *ishell.Shell) func(c *ishell.Context) {
	if h.password == nil {
		h.password = func(prompt string) (string, error) {
			sh.Print(prompt)
			return sh.ReadPasswordErr()
		}
	}

	return func(c *ishell.Context) {
		rawInput := strings.TrimSpace(strings.Join(c.RawArgs, " "))
		if rawInput == "" {
			return
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		err := h.Execute(ctx, rawInput)
		if errors.Is(err, ErrExit) {
			sh.Close()
			return
		}
		if err != nil {
			h.log.Debug("Input failed", "input", rawInput, "error", err)
			h.Report(err)
		}
	}
}

// Send submits input to the active session as a message, whatever it starts with.
func (h *Handler) Send(ctx context.Context, input string) error {
	result, err := h.client.Send(ctx, input)
	if err != nil {
		return err
	}
	switch result.State {
	case chattypes.StreamCancelled:
		h.printer.Warning("Reply cancelled.")
	case chattypes.StreamFailed:
		h.printer.Error(services.UserMessage(result.Err))
	}
	return nil
}

func (h *Handler) onStreamEvent(event chattypes.StreamEvent) {
	switch {
	case event.Delta != "":
		h.printer.Print(event.Delta)
	case event.State.Terminal():
		h.printer.Print("\n")
	}
}

func (h *Handler) login(ctx context.Context, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return usage(h.commands["login"])
	}
	email := args[0]
	password := ""
	if len(args) == 2 {
		password = args[1]
	} else {
		if h.password == nil {
			return usage(h.commands["login"])
		}
		read, err := h.password("Password: ")
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = read
	}

	if err := h.client.Login(ctx, email, password); err != nil {
		return err
	}
	identity, _ := h.client.Identity.Identity()
	h.printer.Success("Signed in as " + identity.Email)
	h.printActive()
	return nil
}

func (h *Handler) logout(_ context.Context, _ []string) error {
	h.client.Logout()
	h.printer.Success("Signed out")
	return nil
}

func (h *Handler) whoami(_ context.Context, _ []string) error {
	identity, ok := h.client.Identity.Identity()
	if !ok {
		return services.ErrNotAuthenticated
	}
	h.printer.Info(fmt.Sprintf("%s (%s)", identity.Email, identity.ID))
	return nil
}

func (h *Handler) sessions(_ context.Context, _ []string) error {
	if !h.client.Identity.IsAuthenticated() {
		return services.ErrNotAuthenticated
	}
	list := h.client.Sessions.Sessions()
	if len(list) == 0 {
		h.printer.Muted("No sessions")
		return nil
	}
	active, _ := h.client.Sessions.Active()
	for _, session := range list {
		marker := " "
		if session.ID == active.ID {
			marker = "*"
		}
		h.printer.Println(fmt.Sprintf("%s %s  %s", marker, session.ID, session.DisplayName))
	}
	return nil
}

func (h *Handler) newSession(ctx context.Context, _ []string) error {
	session, err := h.client.NewSession(ctx)
	if err != nil {
		return err
	}
	h.printer.Success(fmt.Sprintf("Created %s (%s)", session.DisplayName, session.ID))
	return nil
}

func (h *Handler) use(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage(h.commands["use"])
	}
	if err := h.client.SwitchSession(ctx, args[0]); err != nil {
		return err
	}
	h.printActive()
	return nil
}

func (h *Handler) rename(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return usage(h.commands["rename"])
	}
	session, err := h.client.RenameSession(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	h.printer.Success(fmt.Sprintf("Renamed %s to %s", session.ID, session.DisplayName))
	return nil
}

func (h *Handler) delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage(h.commands["delete"])
	}
	if err := h.client.DeleteSession(ctx, args[0]); err != nil {
		return err
	}
	h.printer.Success("Deleted " + args[0])
	h.printActive()
	return nil
}

func (h *Handler) history(_ context.Context, _ []string) error {
	if _, ok := h.client.Sessions.Active(); !ok {
		return services.ErrNoActiveSession
	}
	messages := h.client.Conversation.Messages()
	if len(messages) == 0 {
		h.printer.Muted("No messages yet")
		return nil
	}
	for _, msg := range messages {
		h.printer.Message(msg)
	}
	return nil
}

func (h *Handler) clear(ctx context.Context, _ []string) error {
	if err := h.client.ClearHistory(ctx); err != nil {
		return err
	}
	h.printer.Success("History cleared")
	return nil
}

func (h *Handler) cancel(_ context.Context, _ []string) error {
	if !h.client.Stream.InFlight() {
		h.printer.Muted("Nothing to cancel")
		return nil
	}
	h.client.Stream.Cancel()
	return nil
}

func (h *Handler) help(_ context.Context, _ []string) error {
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	h.printer.Println("Commands:")
	for _, name := range names {
		cmd := h.commands[name]
		h.printer.Println(fmt.Sprintf("  %-22s %s", cmd.usage, cmd.help))
	}
	h.printer.Println("Anything else is sent to the active session. Start a message with \\\\ to send a leading backslash.")
	return nil
}

func (h *Handler) printActive() {
	active, ok := h.client.Sessions.Active()
	if !ok {
		h.printer.Muted("No active session")
		return
	}
	h.printer.Info(fmt.Sprintf("Active session: %s (%s)", active.DisplayName, active.ID))
}
