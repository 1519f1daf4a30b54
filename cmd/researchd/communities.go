package researchd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/6chenhua/research-agent-backend/pkg/namespace"
)

var communitiesCmd = &cobra.Command{
	Use:   "communities",
	Short: "Detect communities in a namespace",
	Long: `Recompute the communities of a namespace with label propagation and
print each community with its member count.`,
	Args: cobra.NoArgs,
	RunE: runCommunities,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize a namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		user := userFlag(cmd)
		stats, err := a.core.GraphStats(cmd.Context(), user, namespaceFlag(cmd, user))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

func init() {
	rootCmd.AddCommand(communitiesCmd, statsCmd)
	for _, cmd := range []*cobra.Command{communitiesCmd, statsCmd} {
		cmd.Flags().String("namespace", "", "namespace to use (default: the acting user's, or global)")
	}
}

func runCommunities(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	user := userFlag(cmd)
	ns := namespaceFlag(cmd, user)
	communities, err := a.core.DetectCommunities(cmd.Context(), user, ns)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d communities in %s\n", len(communities), ns)
	for _, c := range communities {
		summary := c.Summary
		if summary == "" {
			summary = strings.Join(c.MemberNodeUuids[:min(3, len(c.MemberNodeUuids))], ", ")
		}
		fmt.Fprintf(out, "  %s  %d members  %s\n", c.Uuid, len(c.MemberNodeUuids), summary)
	}
	return nil
}

func namespaceFlag(cmd *cobra.Command, user string) string {
	if ns, _ := cmd.Flags().GetString("namespace"); ns != "" {
		return ns
	}
	if user != "" {
		return namespace.UserPrefix + user
	}
	return namespace.Global
}
