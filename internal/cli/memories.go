package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/spf13/cobra"
)

var (
	memoriesUser  string
	memoriesLimit int
	memoriesTopic string
	memoriesYes   bool
)

var memoriesCmd = &cobra.Command{
	Use:   "memories",
	Short: "Inspect and edit what the agent remembers about users",
}

var memoriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's memories, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runMemoriesList,
}

var memoriesAddCmd = &cobra.Command{
	Use:   "add <memory>",
	Short: "Remember a fact about a user",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemoriesAdd,
}

var memoriesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget everything about a user",
	Args:  cobra.NoArgs,
	RunE:  runMemoriesClear,
}

func init() {
	memoriesCmd.PersistentFlags().StringVarP(&memoriesUser, "user", "u", "", "user id (empty is the anonymous user)")
	memoriesListCmd.Flags().IntVarP(&memoriesLimit, "limit", "n", 0, "show at most this many memories")
	memoriesAddCmd.Flags().StringVar(&memoriesTopic, "topic", "", "topic of the memory")
	memoriesClearCmd.Flags().BoolVarP(&memoriesYes, "yes", "y", false, "do not ask for confirmation")

	memoriesCmd.AddCommand(memoriesListCmd, memoriesAddCmd, memoriesClearCmd)
	rootCmd.AddCommand(memoriesCmd)
}

func runMemoriesList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{Memory: true})
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.memoryDb.ReadMemories(ctx, memoriesUser, memoriesLimit, memory.SortAsc)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No memories found.")
		return nil
	}

	table := make([][]string, 0, len(rows))
	for _, row := range rows {
		m := row.ToMemory()
		table = append(table, []string{row.ID[:min(8, len(row.ID))], truncate(m.Memory, 60), m.Topic, formatTime(row.CreatedAt)})
	}
	return renderTable(out, []string{"ID", "MEMORY", "TOPIC", "CREATED"}, table)
}

func runMemoriesAdd(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("memory cannot be empty")
	}

	a, err := newApp(ctx, appOptions{Memory: true})
	if err != nil {
		return err
	}
	defer a.Close()

	row := memory.NewMemoryRow(memoriesUser, memory.Memory{Memory: text, Topic: memoriesTopic})
	if _, err := a.memoryDb.UpsertMemory(ctx, row); err != nil {
		return err
	}
	observability.RecordMemoryAudit(ctx, "add_memory", memoriesUser, "success", map[string]interface{}{"source": "cli"})
	fmt.Fprintf(cmd.OutOrStdout(), "Remembered: %s\n", text)
	return nil
}

func runMemoriesClear(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	if !memoriesYes {
		who := memoriesUser
		if who == "" {
			who = "the anonymous user"
		}
		ok, err := confirm(cmd, fmt.Sprintf("Delete every memory of %s?", who))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	a, err := newApp(ctx, appOptions{Memory: true})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := memory.DeleteUserMemories(ctx, a.memoryDb, memoriesUser)
	if err != nil {
		return err
	}
	observability.RecordMemoryAudit(ctx, "clear_memory", memoriesUser, "success", map[string]interface{}{"deleted": n, "source": "cli"})
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d memories\n", n)
	return nil
}

// confirm asks a yes/no question on the command's input. Anything but an
// explicit yes is a no.
func confirm(cmd *cobra.Command, question string) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s (y/N): ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
