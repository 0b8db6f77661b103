package cmd

import (
	"context"
	"errors"
	"fmt"
	"github.com/arcward/bedrockbot/bedrockbot"
	"github.com/spf13/cobra"
	"log"
	"strings"
)

var modelsOutputFile string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List or refresh the available models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list [query]",
	Short: "List the models the bot will accept, optionally filtered by a query",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		catalog, err := bedrockbot.LoadModelCatalog(cfg.LLM)
		if err != nil {
			log.Fatalf("error loading models: %v", err)
		}
		var query string
		if len(args) > 0 {
			query = args[0]
		}
		out := cmd.OutOrStdout()
		for _, m := range catalog.Filter(query) {
			line := m.ModelID
			if m.ProviderName != "" || m.ModelName != "" {
				line = fmt.Sprintf("%s\t%s\t%s", m.ModelID, m.ProviderName, m.ModelName)
			}
			fmt.Fprintln(out, strings.TrimSpace(line))
		}
	},
}

var modelsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the text models available in the configured region and write the models file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.StartupTimeout)
		defer cancel()

		client, err := bedrockbot.NewBedrockModelLister(ctx, cfg.LLM)
		if err != nil {
			log.Fatalf("error creating bedrock client: %v", err)
		}
		if err = refreshModels(ctx, client, modelsOutputFile); err != nil {
			log.Fatalf("error refreshing models: %v", err)
		}
	},
}

// refreshModels fetches the available models and writes them to path,
// or the configured models file if path is empty
func refreshModels(ctx context.Context, client bedrockbot.BedrockModelLister, path string) error {
	if path == "" {
		path = cfg.LLM.ModelsFile
	}
	if path == "" {
		return errors.New("no output file (set --output or BWB_LLM_MODELS_FILE)")
	}
	models, err := bedrockbot.FetchFoundationModels(ctx, client)
	if err != nil {
		return err
	}
	if err = bedrockbot.WriteModelsFile(path, models); err != nil {
		return err
	}
	log.Printf("wrote %d models to %s", len(models), path)
	return nil
}

//nolint:gochecknoinits
func init() {
	modelsRefreshCmd.Flags().StringVarP(
		&modelsOutputFile,
		"output",
		"o",
		"",
		"File to write (default: the configured models file)",
	)
	modelsCmd.AddCommand(modelsListCmd, modelsRefreshCmd)
	rootCmd.AddCommand(modelsCmd)
}
