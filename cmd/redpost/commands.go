package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yxzhu/redpost/internal/storage"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate [keyword]",
	Short: "Generate a draft post and queue it for review",
	Long: `Generate a draft post and queue it for review.

With no keyword, one of the configured keywords is picked at random.

Examples:
  redpost generate
  redpost generate "咖啡拉花"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyword := ""
		if len(args) == 1 {
			keyword = args[0]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/generate", map[string]any{"keyword": keyword})
		if err != nil {
			return err
		}

		var result struct {
			Item storage.WorkItem `json:"item"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Generated %s: %s", result.Item.ID, result.Item.Title)
		return nil
	},
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued items",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/queue"
		if status != "" {
			path += "?status=" + status
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Items []storage.WorkItem `json:"items"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Items) == 0 {
			fmt.Println("queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tTITLE")
		for _, item := range result.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				item.ID, item.Status,
				item.CreatedAt.Local().Format("01-02 15:04"),
				truncate(item.Title, 40))
		}
		return w.Flush()
	},
}

func init() {
	queueCmd.Flags().String("status", "", "filter by status (pending, approved, rejected, published, publish_failed)")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// --- approve / reject ---

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending item (also retries a failed publish)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyAction(cmd, args[0], "approve")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyAction(cmd, args[0], "reject")
	},
}

func applyAction(cmd *cobra.Command, id, action string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.post(cmd.Context(), "/api/queue/"+id+"/"+action, map[string]any{"actor": "cli"})
	if err != nil {
		return err
	}

	var result struct {
		Item             storage.WorkItem `json:"item"`
		AlreadyProcessed bool             `json:"already_processed"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	if result.AlreadyProcessed {
		printWarning("Item %s already processed (status: %s)", id, result.Item.Status)
		return nil
	}
	printSuccess("Item %s is now %s", id, result.Item.Status)
	return nil
}

// --- publish ---

var publishCmd = &cobra.Command{
	Use:   "publish [id]",
	Short: "Publish an approved item",
	Long: `Publish an approved item through the remote tool service.

With no id, the oldest approved item is published.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if len(args) == 1 {
			body["id"] = args[0]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/publish", body)
		if err != nil {
			return err
		}

		var result struct {
			Item             storage.WorkItem `json:"item"`
			AlreadyProcessed bool             `json:"already_processed"`
			Error            *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		// A failed publish comes back as 502 with the failure recorded on
		// the item, so decode that body instead of treating it as opaque.
		if resp.StatusCode == 502 {
			defer resp.Body.Close()
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("server returned 502 (undecodable body: %w)", err)
			}
		} else if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		switch {
		case result.Error != nil:
			printError("Publish failed: %s", result.Error.Message)
			return fmt.Errorf("publish failed")
		case result.AlreadyProcessed:
			printWarning("Item %s already processed (status: %s)", result.Item.ID, result.Item.Status)
		default:
			printSuccess("Published %s", result.Item.ID)
			if result.Item.ShareURL != "" {
				fmt.Println(result.Item.ShareURL)
			}
		}
		return nil
	},
}

// --- tools ---

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools exposed by the remote tool service",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/tools")
		if err != nil {
			return err
		}

		var result struct {
			Tools []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"tools"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for _, tool := range result.Tools {
			desc := tool.Description
			if i := strings.IndexByte(desc, '\n'); i >= 0 {
				desc = desc[:i]
			}
			fmt.Printf("%-20s %s\n", tool.Name, desc)
		}
		return nil
	},
}
