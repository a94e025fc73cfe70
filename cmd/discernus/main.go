package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/provider"
	openai_provider "github.com/discernus/discernus/provider/openai"
)

func main() {
	var root = &cobra.Command{Use: "discernus"}

	root.AddCommand(runCMD(), workerCMD(), migrateCMD(), verifyCMD(), ingestCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRouter resolves the configured LLM provider into a phase router.
func buildRouter(cfg *config.Config) (*provider.Router, error) {
	for name, p := range cfg.LLM.Providers {
		if p.Type != "openai" {
			continue
		}
		apiKey := p.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("provider %q has no api key (set llm.providers.%s.api_key or OPENAI_API_KEY)", name, name)
		}
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client := openai_provider.NewOpenAIClient(apiKey, p.BaseURL, timeout)
		return provider.NewRouter(cfg.LLM, client), nil
	}
	return nil, fmt.Errorf("no openai provider configured under llm.providers")
}
