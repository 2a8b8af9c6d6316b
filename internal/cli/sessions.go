package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	sessionsUser  string
	sessionsAgent string
	sessionsJSON  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently active first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the conversation and summary of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>...",
	Short: "Delete sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session-id> <name>",
	Short: "Rename a session",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSessionsRename,
}

func init() {
	sessionsCmd.PersistentFlags().StringVarP(&sessionsUser, "user", "u", "", "only sessions of this user")
	sessionsListCmd.Flags().StringVar(&sessionsAgent, "agent-id", "", "only sessions of this agent")
	sessionsShowCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print the stored session as JSON")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsRenameCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// openStorage builds an app with session storage, failing when storage is disabled.
func openStorage(ctx context.Context) (*app, error) {
	a, err := newApp(ctx, appOptions{Storage: true})
	if err != nil {
		return nil, err
	}
	if a.storage == nil {
		a.Close()
		return nil, fmt.Errorf("session storage is disabled (storage.backend: none)")
	}
	return a, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.storage.GetAllSessions(ctx, sessionsUser, sessionsAgent)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.SessionID,
			truncate(s.Name(), 32),
			s.UserID,
			strconv.Itoa(countRuns(s)),
			formatTime(s.LastActive()),
		})
	}
	return renderTable(out, []string{"SESSION", "NAME", "USER", "RUNS", "LAST ACTIVE"}, rows)
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.storage.Read(ctx, args[0], sessionsUser)
	if err != nil {
		return fmt.Errorf("failed to read session %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	if sessionsJSON {
		data, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	mem := memory.NewAgentMemory(memory.Options{})
	if err := mem.FromMap(sess.Memory); err != nil {
		return err
	}

	label := color.New(color.Bold)
	label.Fprint(out, "Session: ")
	fmt.Fprintln(out, sess.SessionID)
	if name := sess.Name(); name != "" {
		label.Fprint(out, "Name:    ")
		fmt.Fprintln(out, name)
	}
	if sess.UserID != "" {
		label.Fprint(out, "User:    ")
		fmt.Fprintln(out, sess.UserID)
	}
	label.Fprint(out, "Created: ")
	fmt.Fprintln(out, formatTime(sess.CreatedAt))
	label.Fprint(out, "Updated: ")
	fmt.Fprintln(out, formatTime(sess.UpdatedAt))

	if summary := mem.Summary(); summary != nil && summary.Summary != "" {
		fmt.Fprintln(out)
		label.Fprintln(out, "Summary")
		fmt.Fprintln(out, summary.Summary)
		if len(summary.Topics) > 0 {
			fmt.Fprintf(out, "Topics: %s\n", strings.Join(summary.Topics, ", "))
		}
	}

	pairs := mem.GetMessagePairs("", nil)
	if len(pairs) > 0 {
		fmt.Fprintln(out)
		label.Fprintln(out, "Conversation")
	}
	user := color.New(color.FgCyan, color.Bold)
	assistant := color.New(color.FgGreen, color.Bold)
	for _, p := range pairs {
		user.Fprint(out, "User: ")
		fmt.Fprintln(out, p.User.Content)
		assistant.Fprint(out, "Assistant: ")
		fmt.Fprintln(out, p.Assistant.Content)
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, id := range args {
		if err := a.storage.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", id, err)
		}
		observability.RecordSessionAudit(ctx, "delete", id, "success", map[string]interface{}{"source": "cli"})
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", id)
	}
	return nil
}

func runSessionsRename(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	name := strings.TrimSpace(strings.Join(args[1:], " "))
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}

	a, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.storage.Read(ctx, args[0], sessionsUser)
	if err != nil {
		return fmt.Errorf("failed to read session %s: %w", args[0], err)
	}
	sess.SetName(name)
	if err := a.storage.Upsert(ctx, sess); err != nil {
		return err
	}
	observability.RecordSessionAudit(ctx, "rename", sess.SessionID, "success", map[string]interface{}{"name": name, "source": "cli"})
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed session %s to %q\n", sess.SessionID, name)
	return nil
}

// countRuns reads the number of runs from a stored memory map without
// decoding the messages.
func countRuns(s *storage.AgentSession) int {
	runs, ok := s.Memory["runs"].([]interface{})
	if !ok {
		return 0
	}
	return len(runs)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
