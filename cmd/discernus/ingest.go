package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/corpus"
	"github.com/discernus/discernus/tools/fetch"
)

func ingestCMD() *cobra.Command {
	var cfgPath string
	var out string
	var name string
	var description string

	var ingest = &cobra.Command{
		Use:   "ingest <url> [url...]",
		Short: "Fetch documents from URLs into a corpus manifest",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			fetcher := fetch.New(cfg.Ingest)

			c := &corpus.Corpus{Name: name, Description: description}
			for i, url := range args {
				res, err := fetcher.Fetch(ctx, url)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", url, err)
				}
				if res.Status != 200 || res.Text == "" {
					fmt.Fprintf(os.Stderr, "skip %s: status=%d chars=%d\n", url, res.Status, len(res.Text))
					continue
				}
				id := fmt.Sprintf("doc-%d", i+1)
				c.Documents = append(c.Documents, res.Document(id))
				fmt.Printf("fetched %s: %q (%d chars, %dms)\n", id, res.Title, len(res.Text), res.RenderMS)
			}
			if len(c.Documents) == 0 {
				return fmt.Errorf("no documents fetched")
			}
			if err := corpus.Save(out, c); err != nil {
				return err
			}
			fmt.Printf("wrote %s with %d documents\n", out, len(c.Documents))
			return nil
		},
	}
	ingest.Flags().StringVarP(&out, "out", "o", "corpus.yml", "corpus manifest to write")
	ingest.Flags().StringVar(&name, "name", "ingested", "corpus name")
	ingest.Flags().StringVar(&description, "description", "", "corpus description")
	ingest.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ingest
}
