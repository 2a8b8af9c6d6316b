package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/harun/mnemo/pkg/agent"
	"github.com/spf13/cobra"
)

var (
	runFlags   agentFlags
	runMetrics bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Send one prompt to the agent and print the response",
	Long: `Send a single prompt to the agent and print its response.

The prompt is read from the arguments, or from stdin when no arguments are
given. Pass --session to continue an existing conversation.`,
	RunE: runRun,
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().BoolVar(&runMetrics, "metrics", false, "print token usage and timing after the response")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	prompt, err := readPrompt(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{LLM: true, Storage: true, Memory: true, Knowledge: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ag, err := a.newAgent(runFlags.agentFile, runFlags.sessionID, runFlags.userID)
	if err != nil {
		return err
	}
	defer ag.Close()

	resp, err := ag.Run(ctx, prompt)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := agent.Render(out, resp.Content, runFlags.markdown); err != nil {
		return err
	}
	if runMetrics {
		fmt.Fprintf(out, "\nsession=%s run=%s input_tokens=%v output_tokens=%v tool_calls=%v time=%.2fs\n",
			resp.SessionID, resp.RunID,
			resp.Metrics["input_tokens"], resp.Metrics["output_tokens"], resp.Metrics["tool_calls"],
			resp.Metrics["time"])
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", resp.SessionID)
	}
	return nil
}

func readPrompt(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		prompt := strings.TrimSpace(strings.Join(args, " "))
		if prompt != "" {
			return prompt, nil
		}
	}
	if in == nil {
		in = os.Stdin
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}
	return prompt, nil
}
