package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/harun/mnemo/pkg/agent"
	"github.com/spf13/cobra"
)

// agentFlags are shared by chat and run.
type agentFlags struct {
	sessionID   string
	userID      string
	agentFile   string
	markdown    bool
	metricsAddr string
}

func (f *agentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "session id to continue (default: a new session)")
	cmd.Flags().StringVarP(&f.userID, "user", "u", "", "user id memories are kept for")
	cmd.Flags().StringVarP(&f.agentFile, "agent", "a", "", "YAML agent definition overriding the config file")
	cmd.Flags().BoolVar(&f.markdown, "markdown", true, "render responses as terminal markdown")
}

var chatFlags agentFlags

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent interactively",
	Long: `Start an interactive chat session with the agent.

Type a message and press Enter. Commands:
  /new            start a new session
  /session        show the current session
  /rename <name>  rename the current session
  /memories       show what the agent remembers about you
  /summary        show the session summary
  /exit           quit

Ctrl-C aborts a running response; press it again at the prompt to quit.`,
	RunE: runChat,
}

func init() {
	chatFlags.register(chatCmd)
	chatCmd.Flags().StringVar(&chatFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while chatting")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, appOptions{LLM: true, Storage: true, Memory: true, Knowledge: true, Watch: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ag, err := a.newAgent(chatFlags.agentFile, chatFlags.sessionID, chatFlags.userID)
	if err != nil {
		return err
	}
	defer ag.Close()

	if chatFlags.metricsAddr != "" {
		srv, err := startMetricsServer(chatFlags.metricsAddr, a.logger)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	if a.cfg.Maintenance.Enabled {
		sched, err := a.newScheduler()
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop(context.Background())
	}

	if chatFlags.sessionID != "" {
		if _, err := ag.LoadSession(ctx); err != nil && !errors.Is(err, agent.ErrNoStorage) {
			return err
		}
	}

	r := &repl{
		agent:    ag,
		in:       cmd.InOrStdin(),
		out:      cmd.OutOrStdout(),
		markdown: chatFlags.markdown,
	}
	return r.run(ctx)
}

// repl reads prompts line by line and prints the agent's responses.
type repl struct {
	agent    *agent.Agent
	in       io.Reader
	out      io.Writer
	markdown bool
}

func (r *repl) run(ctx context.Context) error {
	user := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)

	name := r.agent.Config().Name
	if name == "" {
		name = "mnemo"
	}
	dim.Fprintf(r.out, "Chatting with %s (%s). Type /exit to quit.\n", name, r.agent.Config().Model)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		user.Fprint(r.out, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			quit, err := r.command(ctx, input)
			if err != nil {
				color.New(color.FgRed).Fprintf(r.out, "Error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.respond(ctx, input); err != nil {
			if errors.Is(err, context.Canceled) {
				dim.Fprintln(r.out, "(aborted)")
				continue
			}
			color.New(color.FgRed).Fprintf(r.out, "Error: %v\n", err)
		}
	}
}

// respond runs one prompt. SIGINT while it runs aborts the run instead of
// killing the process.
func (r *repl) respond(ctx context.Context, input string) error {
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp, err := r.agent.Run(runCtx, input)
	if err != nil {
		return err
	}

	color.New(color.FgGreen, color.Bold).Fprintf(r.out, "%s:\n", agentLabel(r.agent))
	return agent.Render(r.out, resp.Content, r.markdown)
}

func (r *repl) command(ctx context.Context, input string) (bool, error) {
	fields := strings.Fields(input)
	arg := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))

	switch fields[0] {
	case "/exit", "/quit":
		return true, nil

	case "/new":
		id := r.agent.NewSession()
		fmt.Fprintf(r.out, "Started session %s\n", id)

	case "/session":
		id := r.agent.SessionID()
		if id == "" {
			fmt.Fprintln(r.out, "No session yet, send a message to start one.")
			return false, nil
		}
		fmt.Fprintf(r.out, "Session: %s\n", id)
		if n := r.agent.SessionName(); n != "" {
			fmt.Fprintf(r.out, "Name:    %s\n", n)
		}
		fmt.Fprintf(r.out, "Runs:    %d\n", len(r.agent.Memory().Runs()))

	case "/rename":
		if arg == "" {
			return false, fmt.Errorf("usage: /rename <name>")
		}
		if err := r.agent.RenameSession(ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Session renamed to %q\n", arg)

	case "/memories":
		mem := r.agent.Memory()
		if mem.DB != nil && !mem.MemoriesLoaded() {
			if err := mem.LoadUserMemories(ctx); err != nil {
				return false, err
			}
		}
		memories := mem.Memories()
		if len(memories) == 0 {
			fmt.Fprintln(r.out, "No memories yet.")
			return false, nil
		}
		for _, m := range memories {
			fmt.Fprintf(r.out, "- %s\n", m.Memory)
		}

	case "/summary":
		summary := r.agent.Memory().Summary()
		if summary == nil || summary.Summary == "" {
			fmt.Fprintln(r.out, "No summary yet.")
			return false, nil
		}
		fmt.Fprintln(r.out, summary.Summary)
		if len(summary.Topics) > 0 {
			fmt.Fprintf(r.out, "Topics: %s\n", strings.Join(summary.Topics, ", "))
		}

	case "/help":
		fmt.Fprintln(r.out, "Commands: /new, /session, /rename <name>, /memories, /summary, /exit")

	default:
		return false, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return false, nil
}

func agentLabel(ag *agent.Agent) string {
	if name := ag.Config().Name; name != "" {
		return name
	}
	return "Agent"
}
