package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/lograg/internal/tui"
)

func newCollectionsCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "collections",
		Aliases: []string{"col"},
		Short:   "List, describe and delete collections",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON")

	printJSON := func(v any) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			infos, err := a.Pipeline.Collections(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(infos)
			}
			fmt.Println(tui.RenderCollections(tui.DefaultStyles(), infos))
			return nil
		},
	}

	describeCmd := &cobra.Command{
		Use:   "describe [name]",
		Short: "Show a collection and the documents ingested into it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			a, err := g.build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			d, err := a.Pipeline.DescribeCollection(cmd.Context(), g.collection(name))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(d)
			}
			fmt.Println(tui.RenderCollection(tui.DefaultStyles(), d))
			return nil
		},
	}

	var yes bool
	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a collection and its catalog entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete %q without --yes", args[0])
			}
			a, err := g.build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.Pipeline.DeleteCollection(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted collection %s\n", args[0])
			return nil
		},
	}
	deleteCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the deletion")

	cmd.AddCommand(listCmd, describeCmd, deleteCmd)
	return cmd
}
