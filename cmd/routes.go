package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/copperline/agentrelay/internal/config"
	"github.com/copperline/agentrelay/internal/routing"
)

func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect agent route resolution",
	}
	cmd.AddCommand(routesExplainCmd())
	return cmd
}

// routesExplainCmd resolves a hypothetical message context against the
// configured bindings and prints which binding won and why.
func routesExplainCmd() *cobra.Command {
	var (
		channel   string
		accountID string
		peerKind  string
		peerID    string
		guildID   string
		teamID    string
		roles     []string
	)

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain which agent a message context resolves to",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}

			rc := routing.RouteContext{
				Channel:       channel,
				AccountID:     accountID,
				GuildID:       guildID,
				TeamID:        teamID,
				MemberRoleIDs: roles,
			}
			if peerID != "" {
				rc.Peer = &routing.Peer{Kind: peerKind, ID: peerID}
			}

			snap := cfg.Snapshot()
			route := routing.ResolveAgentRoute(snap.Bindings, snap.ResolverConfig(), rc)

			out, _ := json.MarshalIndent(map[string]string{
				"agent_id":         route.AgentID,
				"channel":          route.Channel,
				"account_id":       route.AccountID,
				"session_key":      route.SessionKey,
				"main_session_key": route.MainSessionKey,
				"matched_by":       route.MatchedBy,
			}, "", "  ")
			fmt.Println(string(out))
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "channel name (required)")
	cmd.Flags().StringVar(&accountID, "account", "", "account id (default account when empty)")
	cmd.Flags().StringVar(&peerKind, "peer-kind", "direct", "peer kind: direct, group or channel")
	cmd.Flags().StringVar(&peerID, "peer-id", "", "peer id")
	cmd.Flags().StringVar(&guildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "member role id (repeatable)")
	cmd.MarkFlagRequired("channel")

	return cmd
}
