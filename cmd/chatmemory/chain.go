package main

import (
	"encoding/json"

	"github.com/IMBotPlatform/ChatMemory/pkg/chain"
	"github.com/spf13/cobra"
)

func newChainCmd(opts *globalOptions) *cobra.Command {
	var (
		language string
		task     string
		model    string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Generate a short function and a test for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			llm, err := a.svc.Model(cmd.Context(), model)
			if err != nil {
				return err
			}
			res, err := chain.NewCodeChain(llm).Run(cmd.Context(), language, task)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			cmd.Printf(">>>>>> GENERATED CODE (%s):\n%s\n\n", res.Language, res.Code)
			cmd.Printf(">>>>>> GENERATED TEST:\n%s\n", res.Test)
			return nil
		},
	}
	cmd.Flags().StringVar(&language, "language", chain.DefaultLanguage, "programming language")
	cmd.Flags().StringVar(&task, "task", chain.DefaultTask, "what the function should do")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name from the config")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}
