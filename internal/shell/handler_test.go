package shell

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatclient/internal/orchestration"
	"chatclient/internal/output"
	"chatclient/internal/testutils"
	"chatclient/pkg/chattypes"
)

type shellFixture struct {
	server  *testutils.ChatServer
	client  *orchestration.Client
	out     *output.CaptureBuffer
	handler *Handler
}

func newShellFixture(t *testing.T, password PasswordReader) *shellFixture {
	t.Helper()
	server := testutils.NewChatServer()
	client := orchestration.New(orchestration.Options{BaseURL: server.URL, Timeout: 5 * time.Second})
	out := output.NewCaptureBuffer()
	printer := output.NewPrinter(output.WithWriter(out), output.TestMode())
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})
	return &shellFixture{
		server:  server,
		client:  client,
		out:     out,
		handler: NewHandler(client, printer, password),
	}
}

func (f *shellFixture) run(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, f.handler.Execute(context.Background(), line))
}

func TestExecute_Login(t *testing.T) {
	f := newShellFixture(t, nil)

	f.run(t, "\\login ada@example.com secret")

	assert.True(t, f.client.Identity.IsAuthenticated())
	assert.Equal(t, []string{
		"✓ Signed in as ada@example.com",
		"ℹ Active session: New Chat (s-1)",
	}, f.out.Lines())
}

func TestExecute_LoginPromptsForPassword(t *testing.T) {
	var prompted string
	f := newShellFixture(t, func(prompt string) (string, error) {
		prompted = prompt
		return "secret", nil
	})

	f.run(t, "\\login ada@example.com")

	assert.Equal(t, "Password: ", prompted)
	assert.True(t, f.client.Identity.IsAuthenticated())
}

func TestExecute_LoginPasswordReadFails(t *testing.T) {
	f := newShellFixture(t, func(string) (string, error) { return "", errors.New("no tty") })

	err := f.handler.Execute(context.Background(), "\\login ada@example.com")

	assert.ErrorContains(t, err, "no tty")
	assert.False(t, f.client.Identity.IsAuthenticated())
}

func TestExecute_UsageErrors(t *testing.T) {
	f := newShellFixture(t, nil)

	tests := []struct {
		line string
		want string
	}{
		{line: "\\", want: "empty command, type \\help for available commands"},
		{line: "\\bogus", want: "unknown command \\bogus, type \\help for available commands"},
		{line: "\\login", want: "usage: \\login <email> [password]"},
		{line: "\\login ada@example.com", want: "usage: \\login <email> [password]"},
		{line: "\\use", want: "usage: \\use <id>"},
		{line: "\\rename s-1", want: "usage: \\rename <id> <name>"},
		{line: "\\delete", want: "usage: \\delete <id>"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			err := f.handler.Execute(context.Background(), tt.line)
			var usageErr *UsageError
			require.ErrorAs(t, err, &usageErr)
			assert.Equal(t, tt.want, usageErr.Message)
		})
	}
}

func TestExecute_SignedOut(t *testing.T) {
	f := newShellFixture(t, nil)

	tests := []string{"\\whoami", "\\sessions"}
	for _, line := range tests {
		f.handler.Report(f.handler.Execute(context.Background(), line))
	}
	f.handler.Report(f.handler.Execute(context.Background(), "hello"))

	assert.Equal(t, []string{
		"✗ You are not signed in.",
		"✗ You are not signed in.",
		"✗ No conversation is selected.",
	}, f.out.Lines())
}

func TestExecute_SessionCommands(t *testing.T) {
	f := newShellFixture(t, nil)
	f.server.SeedSession("Older")
	f.server.SeedSession("Newer")
	f.run(t, "\\login ada@example.com secret")
	f.out.Reset()

	f.run(t, "\\sessions")
	assert.Equal(t, []string{"  s-1  Older", "* s-2  Newer"}, f.out.Lines())
	f.out.Reset()

	f.run(t, "\\use s-1")
	assert.Equal(t, []string{"ℹ Active session: Older (s-1)"}, f.out.Lines())
	f.out.Reset()

	f.run(t, "\\rename s-1 Road trip plans")
	assert.Equal(t, []string{"✓ Renamed s-1 to Road trip plans"}, f.out.Lines())
	f.out.Reset()

	f.run(t, "\\new")
	assert.Equal(t, []string{"✓ Created New Chat (s-3)"}, f.out.Lines())
	f.out.Reset()

	f.run(t, "\\delete s-3")
	assert.Equal(t, "✓ Deleted s-3", f.out.Lines()[0])
	assert.Len(t, f.client.Sessions.Sessions(), 2)

	f.handler.Report(f.handler.Execute(context.Background(), "\\use s-9"))
	assert.Contains(t, f.out.String(), "✗ That conversation does not exist.")
}

func TestExecute_WhoamiAndLogout(t *testing.T) {
	f := newShellFixture(t, nil)
	f.run(t, "\\login ada@example.com secret")
	f.out.Reset()

	f.run(t, "\\whoami")
	f.run(t, "\\logout")

	assert.Equal(t, []string{"ℹ ada@example.com (user-1)", "✓ Signed out"}, f.out.Lines())
	assert.False(t, f.client.Identity.IsAuthenticated())
}

func TestExecute_SendStreamsReply(t *testing.T) {
	f := newShellFixture(t, nil)
	f.server.Configure(func(s *testutils.ChatServer) {
		s.StreamChunks = []string{"data: {\"content\":\"Hel\"}\n", "data: {\"content\":\"lo\"}\n"}
	})
	f.run(t, "\\login ada@example.com secret")
	f.out.Reset()

	f.run(t, "Hi there")

	assert.Equal(t, "Hello\n", f.out.String())
	f.out.Reset()

	f.run(t, "\\history")
	assert.Equal(t, []string{"user: Hi there", "assistant: Hello"}, f.out.Lines())
}

func TestExecute_SendFailureIsPrinted(t *testing.T) {
	f := newShellFixture(t, nil)
	f.server.Configure(func(s *testutils.ChatServer) { s.StreamStatus = 500 })
	f.run(t, "\\login ada@example.com secret")
	f.out.Reset()

	f.run(t, "Hi")

	lines := f.out.Lines()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "✗ ")
	assert.Equal(t, chattypes.RoleAssistant, f.client.Conversation.Messages()[1].Role)
}

func TestExecute_HistoryAndClear(t *testing.T) {
	f := newShellFixture(t, nil)
	f.run(t, "\\login ada@example.com secret")
	f.out.Reset()

	f.run(t, "\\history")
	assert.Equal(t, []string{"No messages yet"}, f.out.Lines())
	f.out.Reset()

	f.run(t, "\\clear")
	assert.Equal(t, []string{"✓ History cleared"}, f.out.Lines())
	f.out.Reset()

	f.run(t, "\\cancel")
	assert.Equal(t, []string{"Nothing to cancel"}, f.out.Lines())
}

func TestExecute_HelpAndExit(t *testing.T) {
	f := newShellFixture(t, nil)

	f.run(t, "\\help")
	assert.True(t, f.out.Contains("\\rename <id> <name>"))
	assert.True(t, f.out.Contains("Anything else is sent to the active session."))

	assert.ErrorIs(t, f.handler.Execute(context.Background(), "\\exit"), ErrExit)
	assert.NoError(t, f.handler.Execute(context.Background(), "   "))
}

func TestExecute_DoubleBackslashSendsMessage(t *testing.T) {
	f := newShellFixture(t, nil)
	f.server.Configure(func(s *testutils.ChatServer) {
		s.StreamChunks = []string{"data: {\"content\":\"ok\"}\n"}
	})
	f.run(t, "\\login ada@example.com secret")
	f.out.Reset()

	f.run(t, "\\\\help is not a command")

	assert.Equal(t, "ok\n", f.out.String())
	messages := f.server.LastStreamMessages()
	require.NotEmpty(t, messages)
	assert.Equal(t, "\\help is not a command", messages[len(messages)-1].Content)
}

func TestRun_KeepsArgumentsWhole(t *testing.T) {
	f := newShellFixture(t, nil)
	f.server.Configure(func(s *testutils.ChatServer) { s.Password = "correct horse" })

	require.NoError(t, f.handler.Run(context.Background(), "login", "ada@example.com", "correct horse"))
	assert.True(t, f.client.Identity.IsAuthenticated())
	f.out.Reset()

	require.NoError(t, f.handler.Run(context.Background(), "rename", "s-1", "   "))
	assert.Equal(t, []string{"✓ Renamed s-1 to New Chat"}, f.out.Lines())

	var usageErr *UsageError
	require.ErrorAs(t, f.handler.Run(context.Background(), "bogus"), &usageErr)
	assert.Equal(t, "unknown command \\bogus, type \\help for available commands", usageErr.Message)
}
