package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/shlex"
	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/fundchat/internal/chat"
	"github.com/inercia/fundchat/internal/client"
	"github.com/inercia/fundchat/internal/logging"
)

var (
	// chat-specific flags
	onceQuery string
	noWatch   bool
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat [conversation-id]",
	Short: "Ask questions about your fund documents",
	Long: `Start an interactive chat. Without an id a new conversation is started;
it is saved when the first answer completes.

Use --once to ask a single question and exit:
  fundchat chat 3f2a --once "What is the management fee?"

Commands (interactive mode only):
  /new               - Start a new conversation
  /list              - List stored conversations
  /open <id>         - Switch to a stored conversation (unique id prefix is enough)
  /delete <id>       - Delete a stored conversation
  /upload <files...> - Upload documents into the current conversation
  /sources           - Show the sources of the last answer
  /token <value>     - Use a different bearer token
  /help              - Show available commands
  /quit              - Exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&onceQuery, "once", "", "Ask a single question and exit (non-interactive mode)")
	chatCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not refresh when other processes change the conversation store")
}

// chatSession is everything the REPL and its slash commands operate on.
type chatSession struct {
	ctrl   *chat.Controller
	client *client.Client
	render *renderer
	out    io.Writer
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logging.CLI()

	st, watchPath, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	token, source, err := resolveToken()
	if err != nil {
		return err
	}
	log.Debug("token resolved", "source", string(source), "present", token != "")

	out := cmd.OutOrStdout()
	r := newRenderer(out)
	c := newClient()
	ctrl, err := newController(st, c, token, chat.Callbacks{
		OnStateChange: r.onState,
		OnError:       r.onError,
		OnAuthFailure: r.onAuthFailure,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	id := ""
	if len(args) == 1 {
		id, err = resolveStoredID(ctx, ctrl, args[0])
		if err != nil {
			return err
		}
	}
	if err := ctrl.Load(ctx, id); err != nil {
		return err
	}

	if cfg.Store.Watch && !noWatch && watchPath != "" {
		w, err := watchStore(ctx, watchPath, ctrl.Refresh)
		if err != nil {
			log.Warn("cannot watch conversation store", "path", watchPath, "error", err)
		} else {
			defer w.Close()
		}
	}

	s := &chatSession{ctrl: ctrl, client: c, render: r, out: out}
	if onceQuery != "" {
		return s.ask(ctx, onceQuery)
	}

	if token == "" {
		colorWarn.Fprintln(out, "🔑 No token configured. Use /token <value>, --token, $FUNDCHAT_TOKEN or 'fundchat login'.")
	}
	return s.repl(ctx)
}

// resolveStoredID expands a conversation id prefix against the store.
func resolveStoredID(ctx context.Context, ctrl *chat.Controller, ref string) (string, error) {
	if err := ctrl.Refresh(ctx); err != nil {
		return "", err
	}
	conv, err := matchConversation(ctrl.Snapshot().Conversations, ref)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// ask submits query and blocks until the answer is complete or fails.
func (s *chatSession) ask(ctx context.Context, query string) error {
	s.render.drainIdle()
	if err := s.ctrl.Submit(ctx, query); err != nil {
		return err
	}
	if !s.ctrl.Snapshot().Busy() {
		return nil
	}
	select {
	case <-s.render.idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e := s.ctrl.Snapshot().Err; e != nil && e.Kind != chat.KindProtocolDecode {
		return e
	}
	return nil
}

func (s *chatSession) prompt() string {
	snap := s.ctrl.Snapshot()
	title := snap.Active.Title()
	if !snap.Active.IsSaved() && !snap.Active.HasDocuments() {
		title = "new"
	}
	return truncate(title, 24) + "> "
}

func (s *chatSession) repl(ctx context.Context) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(s.prompt)
	rl.History.Add("default", readline.NewInMemoryHistory())
	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Fprintln(s.out, "📝 Ask a question and press Enter. Use /help for commands. Tab completes commands.")

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				fmt.Fprintln(s.out, "👋 Goodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := s.handleCommand(ctx, line)
			if err != nil {
				colorError.Fprintf(s.out, "❌ %v\n", err)
			}
			if quit {
				fmt.Fprintln(s.out, "👋 Goodbye!")
				return nil
			}
			continue
		}

		if err := s.ask(ctx, line); err != nil {
			// controller errors were already printed by the renderer
			var ce *chat.Error
			if !errors.As(err, &ce) {
				colorError.Fprintf(s.out, "❌ %v\n", describeSubmitError(err))
			}
		}
	}
}

// describeSubmitError turns controller sentinels into user-facing advice.
func describeSubmitError(err error) string {
	switch {
	case errors.Is(err, chat.ErrNoCredential):
		return "no token set; use /token <value>"
	case errors.Is(err, chat.ErrResponsePending):
		return "still waiting for the previous answer"
	case errors.Is(err, chat.ErrNotReady):
		return "conversations are still loading"
	default:
		return err.Error()
	}
}

type slashCommand struct {
	name        string
	description string
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []slashCommand{
	{"/new", "Start a new conversation"},
	{"/list", "List stored conversations"},
	{"/open", "Switch to a stored conversation"},
	{"/delete", "Delete a stored conversation"},
	{"/upload", "Upload documents into the current conversation"},
	{"/sources", "Show the sources of the last answer"},
	{"/token", "Use a different bearer token"},
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/quit", "Exit"},
	{"/exit", "Exit (alias)"},
	{"/q", "Exit (alias)"},
}

// parseCommand splits a slash command line with shell quoting rules, so
// /upload "Fund Prospectus.pdf" keeps the space in the file name.
func parseCommand(line string) (string, []string, error) {
	words, err := shlex.Split(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if err != nil {
		return "", nil, fmt.Errorf("cannot parse command: %w", err)
	}
	if len(words) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	return strings.ToLower(words[0]), words[1:], nil
}

// handleCommand runs one slash command and reports whether the REPL should exit.
func (s *chatSession) handleCommand(ctx context.Context, line string) (bool, error) {
	name, args, err := parseCommand(line)
	if err != nil {
		return false, err
	}

	switch name {
	case "quit", "exit", "q":
		return true, nil

	case "help", "h", "?":
		printHelp(s.out)

	case "new":
		if err := s.ctrl.NewConversation(ctx); err != nil {
			return false, err
		}
		colorOK.Fprintln(s.out, "✨ New conversation")

	case "list":
		snap := s.ctrl.Snapshot()
		printConversationList(s.out, snap.Conversations, snap.Active.ID)

	case "open":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /open <id>")
		}
		conv, err := matchConversation(s.ctrl.Snapshot().Conversations, args[0])
		if err != nil {
			return false, err
		}
		if err := s.ctrl.Select(ctx, conv.ID); err != nil {
			return false, err
		}
		printTranscript(s.out, conv)

	case "delete":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /delete <id>")
		}
		conv, err := matchConversation(s.ctrl.Snapshot().Conversations, args[0])
		if err != nil {
			return false, err
		}
		if err := s.ctrl.Delete(ctx, conv.ID); err != nil {
			return false, err
		}
		colorOK.Fprintf(s.out, "🗑  Deleted %s (%s)\n", shortID(conv.ID), conv.Title())

	case "upload":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /upload <files...>")
		}
		return false, s.upload(ctx, args)

	case "sources":
		t := s.render.last()
		if t == nil {
			fmt.Fprintln(s.out, "No answer yet.")
			return false, nil
		}
		printSources(s.out, t.Sources)

	case "token":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /token <value>")
		}
		if err := s.ctrl.SetCredential(args[0]); err != nil {
			return false, err
		}
		colorOK.Fprintln(s.out, "🔑 Token updated for this session")

	default:
		return false, fmt.Errorf("unknown command: /%s (use /help for available commands)", name)
	}
	return false, nil
}

func (s *chatSession) upload(ctx context.Context, files []string) error {
	fmt.Fprintf(s.out, "⏫ Uploading %d file(s), this can take a while...\n", len(files))
	res, err := s.client.Upload(ctx, client.UploadRequest{
		Settings: cfg.Models,
		Files:    files,
	})
	if err != nil {
		return err
	}
	if err := s.ctrl.CompleteUpload(ctx, *res); err != nil {
		return err
	}
	printUploadResult(s.out, res)
	return nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, `
Available commands:
  /new               - Start a new conversation
  /list              - List stored conversations
  /open <id>         - Switch to a stored conversation
  /delete <id>       - Delete a stored conversation
  /upload <files...> - Upload documents into the current conversation
  /sources           - Show the sources of the last answer
  /token <value>     - Use a different bearer token
  /help, /h, /?      - Show this help message
  /quit, /exit, /q   - Exit

Tips:
  - Quote file names with spaces: /upload "Fund Prospectus.pdf"
  - Use up/down arrows for history and Tab to complete commands`)
}

// completeInput provides tab completion for slash commands.
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]
	if !strings.HasPrefix(text, "/") || strings.ContainsAny(text, " \t") {
		return readline.Completions{}
	}

	pairs := make([]string, 0, len(slashCommands)*2)
	for _, cmd := range matchingCommands(text) {
		pairs = append(pairs, cmd.name, cmd.description)
	}
	if len(pairs) == 0 {
		return readline.Completions{}
	}
	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}

func matchingCommands(prefix string) []slashCommand {
	var out []slashCommand
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, prefix) {
			out = append(out, cmd)
		}
	}
	return out
}
