package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/lograg/internal/server"
	"github.com/efebarandurmaz/lograg/internal/tui"
)

func newQueryCmd(g *globals) *cobra.Command {
	var (
		collection string
		k          int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from an ingested collection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), g, strings.Join(args, " "), g.collection(collection), k, asJSON)
		},
	}
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Collection to search (default vector.default_collection)")
	cmd.Flags().IntVarP(&k, "limit", "k", 0, "Number of chunks to retrieve (default rag.default_k)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the HTTP API response body instead of formatted text")
	return cmd
}

func runQuery(ctx context.Context, g *globals, query, collection string, k int, asJSON bool) error {
	if k < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	a, err := g.build(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ans, err := a.Pipeline.Answer(ctx, query, collection, k)
	if err != nil {
		return err
	}
	preview := g.cfg.RAG.SourcePreviewChars
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(server.NewQueryResponse(ans, preview))
	}
	fmt.Println(tui.RenderAnswer(tui.DefaultStyles(), ans, preview))
	return nil
}

func newChatCmd(g *globals) *cobra.Command {
	var (
		collection string
		k          int
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask follow-up questions interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			return tui.RunChat(a.Pipeline, tui.ChatConfig{
				Collection:   g.collection(collection),
				K:            k,
				PreviewChars: g.cfg.RAG.SourcePreviewChars,
				Timeout:      g.cfg.LLM.Timeout,
			})
		},
	}
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Collection to search (default vector.default_collection)")
	cmd.Flags().IntVarP(&k, "limit", "k", 0, "Number of chunks to retrieve (default rag.default_k)")
	return cmd
}
