package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/harun/shopassist/internal/daemon"
	"github.com/harun/shopassist/pkg/assistant"
	"github.com/harun/shopassist/pkg/prompt"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	chatContext string
	chatName    string
	chatEmail   string
	chatPhone   string
	chatAccount string
	chatResume  string
	chatPlain   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	Long: `Open a conversation with the assistant in the terminal, using the same
provider, order directory and site profile as the daemon.

Commands inside the chat:
  /context <text>   set the page context sent with each message
  /context          clear the page context
  /image <path> [text]
                    send an image with an optional question
  /suggest          show suggested customer replies
  /quit             end the conversation

Press Ctrl+C while the assistant answers to cancel the turn.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatContext, "context", "", "page context snapshot, e.g. the product being viewed")
	chatCmd.Flags().StringVar(&chatName, "name", "", "customer name")
	chatCmd.Flags().StringVar(&chatEmail, "email", "", "customer email")
	chatCmd.Flags().StringVar(&chatPhone, "phone", "", "customer phone")
	chatCmd.Flags().StringVar(&chatAccount, "account", "", "customer account id")
	chatCmd.Flags().StringVar(&chatResume, "resume", "", "resume a saved conversation by id")
	chatCmd.Flags().BoolVar(&chatPlain, "plain", false, "stream plain text instead of rendered markdown")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	out := cmd.OutOrStdout()
	printer := newChatPrinter(out, !chatPlain && isTerminal(out))

	params := assistant.OpenParams{
		Identity: chatIdentity(),
		Observer: printer,
	}
	if chatResume != "" {
		store := d.Transcripts()
		if store == nil {
			return fmt.Errorf("transcripts are disabled, nothing to resume")
		}
		export, err := store.Load(cmd.Context(), chatResume)
		if err != nil {
			return fmt.Errorf("failed to load conversation %s: %w", chatResume, err)
		}
		params.ID = export.ConversationID
		params.PriorHistory = export.Messages
		if params.Identity == nil {
			params.Identity = export.Identity
		}
	}

	conv, err := d.Manager().Open(cmd.Context(), params)
	if err != nil {
		if errors.Is(err, assistant.ErrProviderUnavailable) {
			fmt.Fprintln(out, assistant.UnavailableText)
		}
		return err
	}
	defer conv.Close()

	if chatContext != "" {
		snapshot := chatContext
		conv.SetContext(&snapshot)
	}

	for _, msg := range params.PriorHistory {
		printer.replay(msg)
	}
	fmt.Fprintf(out, "Conversation %s. Type /quit to leave.\n", conv.ID())

	return chatLoop(cmd.Context(), cmd.InOrStdin(), out, conv)
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, conv *assistant.Conversation) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		input := assistant.TurnInput{Text: line}
		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/context":
			conv.SetContext(nil)
			fmt.Fprintln(out, "Context cleared.")
			continue
		case strings.HasPrefix(line, "/context "):
			snapshot := strings.TrimSpace(strings.TrimPrefix(line, "/context "))
			conv.SetContext(&snapshot)
			fmt.Fprintln(out, "Context set.")
			continue
		case line == "/suggest":
			suggestions, err := conv.SuggestReplies(ctx)
			if err != nil {
				fmt.Fprintln(out, assistant.UserNotice(err))
				continue
			}
			for i, s := range suggestions {
				fmt.Fprintf(out, "  %d. %s\n", i+1, s)
			}
			continue
		case strings.HasPrefix(line, "/image "):
			img, text, err := readImageCommand(strings.TrimPrefix(line, "/image "))
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			input = assistant.TurnInput{Text: text, Image: img}
		}

		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err := conv.SubmitTurn(turnCtx, input)
		stop()
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			// The observer already reported the withdrawal.
		case errors.Is(err, assistant.ErrConversationClosed):
			return err
		case errors.Is(err, assistant.ErrEmptyInput):
			fmt.Fprintln(out, "Nothing to send.")
		}
	}
}

// readImageCommand parses "<path> [text]".
func readImageCommand(arg string) (*assistant.Image, string, error) {
	path, text, _ := strings.Cut(strings.TrimSpace(arg), " ")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("cannot read image: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", fmt.Errorf("%s is not an image (%s)", path, mime)
	}
	return &assistant.Image{Data: data, MIMEType: mime}, strings.TrimSpace(text), nil
}

func chatIdentity() *prompt.Identity {
	id := &prompt.Identity{Name: chatName, Email: chatEmail, Phone: chatPhone, AccountID: chatAccount}
	if !id.Known() {
		return nil
	}
	return id
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// chatPrinter writes conversation events to the terminal. Without a renderer
// the assistant text streams as it arrives; with one, the committed message
// is rendered as markdown.
type chatPrinter struct {
	out      io.Writer
	renderer *glamour.TermRenderer

	mu      sync.Mutex
	current string
	printed int
}

func newChatPrinter(out io.Writer, render bool) *chatPrinter {
	p := &chatPrinter{out: out}
	if render {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err == nil {
			p.renderer = r
		}
	}
	return p
}

func (p *chatPrinter) OnMessage(_ string, msg assistant.ChatMessage, committed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Role {
	case assistant.RoleUser:
		return
	case assistant.RoleSystemError:
		p.finishLine()
		fmt.Fprintf(p.out, "! %s\n", msg.Text)
		return
	}

	if p.renderer != nil {
		if committed {
			fmt.Fprint(p.out, p.render(msg.Text))
		}
		return
	}

	if msg.ID != p.current {
		p.current = msg.ID
		p.printed = 0
		fmt.Fprint(p.out, "assistant> ")
	}
	if len(msg.Text) > p.printed {
		fmt.Fprint(p.out, msg.Text[p.printed:])
		p.printed = len(msg.Text)
	}
	if committed {
		fmt.Fprintln(p.out)
		p.current = ""
	}
}

func (p *chatPrinter) OnMessageWithdrawn(string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLine()
	fmt.Fprintln(p.out, "(cancelled)")
}

func (p *chatPrinter) OnStateChange(string, assistant.TurnState) {}

// replay prints a message from a resumed transcript.
func (p *chatPrinter) replay(msg assistant.ChatMessage) {
	switch msg.Role {
	case assistant.RoleUser:
		fmt.Fprintf(p.out, "you> %s\n", msg.Text)
	case assistant.RoleSystemError:
		fmt.Fprintf(p.out, "! %s\n", msg.Text)
	default:
		if p.renderer != nil {
			fmt.Fprint(p.out, p.render(msg.Text))
			return
		}
		fmt.Fprintf(p.out, "assistant> %s\n", msg.Text)
	}
}

func (p *chatPrinter) render(text string) string {
	rendered, err := p.renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return rendered
}

// finishLine ends a partially streamed assistant line. Callers hold p.mu.
func (p *chatPrinter) finishLine() {
	if p.current != "" {
		fmt.Fprintln(p.out)
		p.current = ""
	}
}
