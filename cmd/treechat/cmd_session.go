package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"treechat/application/commands"
	"treechat/application/engine"
	"treechat/domain/core/valueobjects"
)

var sessionName string

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, inspect and delete sessions",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Start a new session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			res, err := a.container.Engine.CreateSession(cmd.Context(), commands.CreateSessionCommand{Name: sessionName})
			if err != nil {
				return err
			}
			return a.printSession(res)
		}),
	}
	create.Flags().StringVar(&sessionName, "name", "", "session name")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Load a session and print its tree",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			sid, err := valueobjects.NewSessionIDFromString(args[0])
			if err != nil {
				return err
			}
			res, err := a.container.Engine.LoadSession(cmd.Context(), sid)
			if err != nil {
				return err
			}
			tree, err := a.container.Engine.Tree(sid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return a.printJSON(tree)
			}
			printWarnings(a, res.Warnings)
			printTree(a, tree)
			return nil
		}),
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session everywhere",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			sid, err := valueobjects.NewSessionIDFromString(args[0])
			if err != nil {
				return err
			}
			if _, err := a.container.Engine.LoadSession(cmd.Context(), sid); err != nil {
				return err
			}
			res, err := a.container.Engine.DeleteSession(cmd.Context(), sid)
			if err != nil {
				return err
			}
			printWarnings(a, res.Warnings)
			fmt.Fprintf(a.out, "Deleted session %s (%d nodes)\n", sid, len(res.Removed))
			return nil
		}),
	}

	rebuild := &cobra.Command{
		Use:   "rebuild <session-id>",
		Short: "Rewrite the cached messages of every node in a session",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			sid, err := valueobjects.NewSessionIDFromString(args[0])
			if err != nil {
				return err
			}
			if _, err := a.container.Engine.LoadSession(cmd.Context(), sid); err != nil {
				return err
			}
			n, err := a.container.Engine.RebuildMessageCache(cmd.Context(), sid)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Rebuilt messages for %d nodes\n", n)
			return nil
		}),
	}

	cmd.AddCommand(create, show, del, rebuild)
	return cmd
}

// withApp builds the engine for one command invocation.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}

func (a *app) printSession(res *engine.SessionResult) error {
	if jsonOutput {
		return a.printJSON(map[string]interface{}{
			"session_id": res.Session.ID(),
			"name":       res.Session.Name(),
			"synced":     res.Session.Synced(),
			"context_id": res.Context.Key(),
		})
	}
	printWarnings(a, res.Warnings)
	fmt.Fprintf(a.out, "Session %s %q (synced: %t)\n", res.Session.ID(), res.Session.Name(), res.Session.Synced())
	return nil
}

func printWarnings(a *app, warnings []error) {
	for _, w := range warnings {
		fmt.Fprintf(a.out, "warning: %v\n", w)
	}
}

// printTree renders the tree indented by depth, forks marked with '>'.
func printTree(a *app, tree *engine.TreeView) {
	fmt.Fprintf(a.out, "%s %q\n", tree.SessionID, tree.Name)
	depth := map[valueobjects.NodeID]int{}
	for _, n := range tree.Nodes {
		d := 0
		if !n.ParentID.IsZero() {
			d = depth[n.ParentID] + 1
		}
		depth[n.ID] = d
		marker := "-"
		if n.IsFork {
			marker = ">"
		}
		label := n.Label
		if label == "" {
			label = "(empty)"
		}
		fmt.Fprintf(a.out, "%s%s %s [%s]\n", strings.Repeat("  ", d), marker, label, n.ID)
	}
}
