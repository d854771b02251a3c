package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/IMBotPlatform/ChatMemory/pkg/retrieval"
	"github.com/spf13/cobra"
)

func newIngestCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Split text files into chunks and add them to the vector store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ix, err := a.newIndex(cmd.Context())
			if err != nil {
				return err
			}
			for _, path := range args {
				n, err := ingestFile(cmd.Context(), ix, path)
				if err != nil {
					return err
				}
				cmd.Printf("%s: %d chunks\n", path, n)
			}
			return nil
		},
	}
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var (
		k      int
		ingest []string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Print the chunks most similar to the query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ix, err := prepareIndex(cmd.Context(), a, ingest)
			if err != nil {
				return err
			}
			hits, err := ix.Search(cmd.Context(), strings.Join(args, " "), k)
			if err != nil {
				return err
			}
			for i, hit := range hits {
				cmd.Printf("[%d] score=%.3f source=%s\n%s\n\n", i+1, hit.Score, hit.Source, hit.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "number of results (default: retrieval.k)")
	cmd.Flags().StringSliceVar(&ingest, "ingest", nil, "files to ingest before searching")
	return cmd
}

func newAskCmd(opts *globalOptions) *cobra.Command {
	var (
		model  string
		dedupe bool
		ingest []string
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the ingested documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ix, err := prepareIndex(cmd.Context(), a, ingest)
			if err != nil {
				return err
			}
			llm, err := a.svc.Model(cmd.Context(), model)
			if err != nil {
				return err
			}
			answer, err := ix.Ask(cmd.Context(), llm, strings.Join(args, " "), dedupe)
			if err != nil {
				return err
			}
			cmd.Println(answer)
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name from the config")
	cmd.Flags().BoolVar(&dedupe, "dedupe", false, "drop near-duplicate chunks before answering")
	cmd.Flags().StringSliceVar(&ingest, "ingest", nil, "files to ingest before asking")
	return cmd
}

// prepareIndex 构建索引并先导入 --ingest 指定的文件。
// 未配置 Chroma 时进程内向量库为空，需要配合 --ingest 使用。
func prepareIndex(ctx context.Context, a *app, files []string) (*retrieval.Index, error) {
	ix, err := a.newIndex(ctx)
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		n, err := ingestFile(ctx, ix, path)
		if err != nil {
			return nil, err
		}
		a.logger.Info("ingested", "path", path, "chunks", n)
	}
	return ix, nil
}

func ingestFile(ctx context.Context, ix *retrieval.Index, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ix.Ingest(ctx, f, path)
}
