package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/posture/internal/api"
	"github.com/kalambet/posture/internal/config"
	"github.com/kalambet/posture/internal/orchestrator"
	"github.com/kalambet/posture/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about an organization's security posture",
	Long: `Ask a question about an organization's security posture.

By default the question is sent to a running "posture serve". With --local the
pipeline runs in-process against the local store.

Examples:
  posture ask "Which assets have critical findings?" --org acme
  posture ask "Are we SOC 2 compliant?" --org acme --tool Framework
  posture ask "What are our top risks?" --org acme --local`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")
		tool, _ := cmd.Flags().GetString("tool")
		local, _ := cmd.Flags().GetBool("local")

		req := api.QueryRequest{
			Query:          strings.Join(args, " "),
			OrganizationID: org,
			ToolName:       tool,
		}

		var (
			resp api.QueryResponse
			err  error
		)
		if local {
			resp, err = askLocal(cmd.Context(), req)
		} else {
			var client *apiClient
			client, err = newAPIClient()
			if err != nil {
				return err
			}
			resp, err = askRemote(cmd.Context(), client, req)
		}
		if err != nil {
			return err
		}

		printAnswer(resp)
		return nil
	},
}

func init() {
	askCmd.Flags().String("org", "", "organization ID the question is about")
	askCmd.Flags().String("tool", "", "retrieval tool to force on the first step (OrganizationAssets, Framework, Risk)")
	askCmd.Flags().Bool("local", false, "run the pipeline in-process instead of calling the server")
}

func askRemote(ctx context.Context, client *apiClient, req api.QueryRequest) (api.QueryResponse, error) {
	resp, err := client.post(ctx, "/chats/query", req)
	if err != nil {
		return api.QueryResponse{}, err
	}
	var out api.QueryResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.QueryResponse{}, err
	}
	return out, nil
}

func askLocal(ctx context.Context, req api.QueryRequest) (api.QueryResponse, error) {
	cfg, err := config.Load()
	if err != nil {
		return api.QueryResponse{}, err
	}
	setupLogging(cfg)

	flushTraces, err := setupTracing(ctx, cfg)
	if err != nil {
		return api.QueryResponse{}, err
	}
	defer flushTraces()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return api.QueryResponse{}, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	backend, model := newBackend(cfg)
	a, err := newApp(cfg, store, backend, model)
	if err != nil {
		return api.QueryResponse{}, err
	}

	ans, err := a.orchestrator.Run(ctx, orchestrator.Query{
		Text:           req.Query,
		OrganizationID: req.OrganizationID,
		ToolName:       req.ToolName,
	}, func(s orchestrator.Step) {
		printStep("%s", describeStep(s))
	})
	if err != nil {
		_, body := api.AssembleError(err)
		return api.QueryResponse{}, errors.New(body.Message)
	}
	return a.assembler.Assemble(ans), nil
}

func describeStep(s orchestrator.Step) string {
	if s.Final || len(s.Tools) == 0 {
		return fmt.Sprintf("step %d: answer", s.Index)
	}
	parts := make([]string, len(s.Tools))
	for i, t := range s.Tools {
		if t.OK {
			parts[i] = t.Name
		} else {
			parts[i] = fmt.Sprintf("%s (%s)", t.Name, t.Kind)
		}
	}
	return fmt.Sprintf("step %d: %s", s.Index, strings.Join(parts, ", "))
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load scan records, frameworks and risks from a JSON file",
	Long: `Load scan records, frameworks and risks into the local store.

The file is a JSON object with "frameworks", "framework_associations",
"scan_records" and "risks" arrays. Existing rows with the same id are replaced.

Examples:
  posture seed --file ./fixtures/acme.json
  cat acme.json | posture seed --file -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}

		cfg, err := config.LoadRaw()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		counts, err := seedFile(cmd.Context(), store, file, os.Stdin)
		if err != nil {
			return err
		}
		printSuccess("Seeded %d scan records, %d frameworks, %d framework associations, %d risks",
			counts.ScanRecords, counts.Frameworks, counts.FrameworkAssociations, counts.Risks)
		return nil
	},
}

func init() {
	seedCmd.Flags().String("file", "", `JSON seed file ("-" for stdin)`)
}

func seedFile(ctx context.Context, store *storage.Store, path string, stdin io.Reader) (storage.SeedCounts, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return storage.SeedCounts{}, fmt.Errorf("opening seed file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return store.Seed(ctx, r)
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Browse the log of answered questions",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/interactions?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}

		var interactions []storage.Interaction
		if err := decodeJSON(resp, &interactions); err != nil {
			return err
		}

		if len(interactions) == 0 {
			fmt.Fprintln(stdout, "No interactions found.")
			return nil
		}

		for _, ix := range interactions {
			fmt.Fprintln(stdout, formatInteractionLine(ix))
		}
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/interactions/"+args[0])
		if err != nil {
			return err
		}

		var interaction storage.Interaction
		if err := decodeJSON(resp, &interaction); err != nil {
			return err
		}

		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(interaction)
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsListCmd.Flags().Int("offset", 0, "number of interactions to skip")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)
}

func formatInteractionLine(ix storage.Interaction) string {
	id := ix.ID
	if len(id) > 8 {
		id = id[:8]
	}
	query := ix.UserQuery
	if utf8.RuneCountInString(query) > 80 {
		query = string([]rune(query)[:80]) + "..."
	}
	return fmt.Sprintf("%s  %s  %-9s  %s",
		colorize(colorCyan, id),
		ix.CreatedAt.Format("2006-01-02 15:04:05"),
		statusLabel(ix.Status),
		query,
	)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadRaw()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		if err := config.Validate(cfg); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
