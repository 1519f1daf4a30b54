package researchd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/6chenhua/research-agent-backend/pkg/search"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge graph",
	Long: `Search the acting user's namespace and the global namespace.

When local coverage is thin an external literature query is queued; it runs
the next time the server's workers are up.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().String("rerank", "rrf", "rerank mode (rrf, mmr, focal)")
	searchCmd.Flags().Int("limit", 0, "maximum results (default from config)")
	searchCmd.Flags().String("focal", "", "focal node uuid for focal reranking")
	searchCmd.Flags().Bool("json", false, "print the full response as JSON")
	searchCmd.Flags().Bool("context", false, "print the results as an LLM prompt block")
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	rerank, _ := cmd.Flags().GetString("rerank")
	limit, _ := cmd.Flags().GetInt("limit")
	focal, _ := cmd.Flags().GetString("focal")
	asJSON, _ := cmd.Flags().GetBool("json")
	asContext, _ := cmd.Flags().GetBool("context")

	resp, err := a.core.Search(cmd.Context(), search.Request{
		Query:         strings.Join(args, " "),
		UserID:        userFlag(cmd),
		RerankMode:    types.ParseRerankMode(rerank),
		Limit:         limit,
		FocalNodeUUID: focal,
	})
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	if asContext {
		block, err := search.ResultsToContextString(resp, false)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), block)
		return nil
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tTYPE\tNAME\tNAMESPACE\tUUID")
	for _, r := range resp.Results {
		fmt.Fprintf(w, "%.4f\t%s\t%s\t%s\t%s\n", r.Score, r.Node.Type, r.Node.Name, r.Namespace, r.Node.Uuid)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d results, coverage %d (ok=%t) over %s in %s\n",
		len(resp.Results), resp.Coverage, resp.CoverageOK, strings.Join(resp.Namespaces, ", "), resp.Took)
	if len(resp.Degraded) > 0 {
		fmt.Fprintf(out, "timed out: %s\n", strings.Join(resp.Degraded, ", "))
	}
	if resp.TriggeredExternal {
		fmt.Fprintf(out, "queued external literature search as job %s\n", resp.JobID)
	}
	return nil
}
