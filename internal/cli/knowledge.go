package cli

import (
	"fmt"
	"strconv"

	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/spf13/cobra"
)

var (
	knowledgeRecreate bool
	knowledgeLimit    int
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Index and search the knowledge base",
}

var knowledgeLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Index the documents of the knowledge directory",
	Long: `Index the markdown and text documents of knowledge.path. Unchanged files
are skipped unless --recreate is given.`,
	Args: cobra.NoArgs,
	RunE: runKnowledgeLoad,
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKnowledgeSearch,
}

var knowledgeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index statistics",
	Args:  cobra.NoArgs,
	RunE:  runKnowledgeStatus,
}

func init() {
	knowledgeLoadCmd.Flags().BoolVar(&knowledgeRecreate, "recreate", false, "drop the index and rebuild it")
	knowledgeSearchCmd.Flags().IntVarP(&knowledgeLimit, "limit", "n", 0, "maximum number of results (default from config)")

	knowledgeCmd.AddCommand(knowledgeLoadCmd, knowledgeSearchCmd, knowledgeStatusCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

func openKnowledge(cmd *cobra.Command) (*app, error) {
	a, err := newApp(commandContext(cmd), appOptions{Knowledge: true})
	if err != nil {
		return nil, err
	}
	if a.knowledge == nil {
		a.Close()
		return nil, fmt.Errorf("knowledge base is disabled (knowledge.enabled: false)")
	}
	return a, nil
}

func runKnowledgeLoad(cmd *cobra.Command, args []string) error {
	a, err := openKnowledge(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.knowledge.Load(commandContext(cmd), knowledgeRecreate); err != nil {
		return err
	}
	st := a.knowledge.Status()
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d files (%d chunks) from %s\n", st.TotalFiles, st.TotalChunks, a.knowledge.Dir())
	return nil
}

func runKnowledgeSearch(cmd *cobra.Command, args []string) error {
	a, err := openKnowledge(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	query := args[0]
	for _, arg := range args[1:] {
		query += " " + arg
	}
	var opts *knowledge.SearchOptions
	if knowledgeLimit > 0 {
		opts = &knowledge.SearchOptions{Limit: knowledgeLimit}
	}

	docs, err := a.knowledge.Search(commandContext(cmd), query, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(docs) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}

	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, []string{strconv.FormatFloat(d.Score, 'f', 3, 64), d.Name, truncate(d.Content, 70)})
	}
	return renderTable(out, []string{"SCORE", "DOCUMENT", "CONTENT"}, rows)
}

func runKnowledgeStatus(cmd *cobra.Command, args []string) error {
	a, err := openKnowledge(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.knowledge.Status()
	rows := [][]string{
		{"directory", a.knowledge.Dir()},
		{"files", strconv.Itoa(st.TotalFiles)},
		{"chunks", strconv.Itoa(st.TotalChunks)},
		{"vector search", strconv.FormatBool(st.VectorSearch)},
		{"keyword search", strconv.FormatBool(st.KeywordSearch)},
		{"pending changes", strconv.FormatBool(st.IsDirty)},
	}
	if st.LastSyncTime != nil {
		rows = append(rows, []string{"last sync", formatTime(*st.LastSyncTime)})
	}
	return renderTable(cmd.OutOrStdout(), []string{"", ""}, rows)
}
