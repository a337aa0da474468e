package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rzbill/pagedtopic/internal/runtime"
	"github.com/rzbill/pagedtopic/internal/subscription"
	"github.com/rzbill/pagedtopic/pkg/log"
)

type groupLine struct {
	Name         string   `json:"name"`
	Filter       string   `json:"filter,omitempty"`
	ChannelCount int      `json:"channelCount"`
	Version      int64    `json:"version"`
	Live         []string `json:"live"`
	Allocation   []string `json:"allocation"`
}

func toGroupLine(g subscription.Group) groupLine {
	return groupLine{
		Name:         g.Name,
		Filter:       g.Filter,
		ChannelCount: g.ChannelCount,
		Version:      g.Version,
		Live:         g.Live(),
		Allocation:   g.Allocation,
	}
}

// newGroupsCommand constructs the `groups` command group.
func newGroupsCommand(logger log.Logger) *cobra.Command {
	groupsCmd := &cobra.Command{Use: "groups", Short: "Subscriber group operations"}
	groupsCmd.PersistentFlags().String("topic", "", "Topic")

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create a subscriber group if absent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := requireString(cmd, "topic")
			if err != nil {
				return err
			}
			group, err := requireString(cmd, "group")
			if err != nil {
				return err
			}
			filter, _ := cmd.Flags().GetString("filter")
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				_, mgr, err := rt.Topic(ctx, name)
				if err != nil {
					return err
				}
				g, err := mgr.EnsureGroup(ctx, group, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), toGroupLine(g))
			})
		},
	}
	ensureCmd.Flags().String("group", "", "Subscriber group")
	ensureCmd.Flags().String("filter", "", "CEL filter applied by the group's subscribers")

	destroyCmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy a subscriber group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := requireString(cmd, "topic")
			if err != nil {
				return err
			}
			group, err := requireString(cmd, "group")
			if err != nil {
				return err
			}
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				_, mgr, err := rt.Topic(ctx, name)
				if err != nil {
					return err
				}
				if err := mgr.DestroyGroup(ctx, group); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"destroyed": group})
			})
		},
	}
	destroyCmd.Flags().String("group", "", "Subscriber group")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriber groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := requireString(cmd, "topic")
			if err != nil {
				return err
			}
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				_, mgr, err := rt.Topic(ctx, name)
				if err != nil {
					return err
				}
				groups, err := mgr.Groups()
				if err != nil {
					return err
				}
				for _, g := range groups {
					if err := printJSON(cmd.OutOrStdout(), toGroupLine(g)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	groupsCmd.AddCommand(ensureCmd, destroyCmd, listCmd)
	return groupsCmd
}
