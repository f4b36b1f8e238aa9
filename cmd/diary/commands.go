package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremieb/developer-diary/internal/config"
)

// entry mirrors the record JSON served by the API.
type entry struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Note          string    `json:"note"`
	CreatedAt     time.Time `json:"created_at"`
	Scene         *string   `json:"scene"`
	PreviewURI    string    `json:"preview_uri"`
	PreviewStatus string    `json:"preview_status"`
}

// readScene returns the descriptor from --scene or --scene-file, if either is set.
func readScene(cmd *cobra.Command) (string, bool, error) {
	if path, _ := cmd.Flags().GetString("scene-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", false, fmt.Errorf("reading scene file: %w", err)
		}
		return string(data), true, nil
	}
	if cmd.Flags().Changed("scene") {
		s, _ := cmd.Flags().GetString("scene")
		return s, true, nil
	}
	return "", false, nil
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a diary entry",
	Long: `Add a diary entry. A scene attached with --scene or --scene-file is
rendered into a preview in the background.

Examples:
  diary add --title "Split the preview cache" --note "single-flight per record"
  diary add --title "Architecture sketch" --scene-file ./sketch.scene`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		note, _ := cmd.Flags().GetString("note")
		if title == "" {
			return fmt.Errorf("--title is required")
		}

		req := map[string]any{"title": title, "note": note}
		if s, ok, err := readScene(cmd); err != nil {
			return err
		} else if ok {
			req["scene"] = s
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/records", req)
		if err != nil {
			return err
		}

		var e entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}

		if e.Scene != nil {
			printSuccess("Added entry %s (preview queued)", e.ID)
		} else {
			printSuccess("Added entry %s", e.ID)
		}
		return nil
	},
}

func init() {
	addCmd.Flags().String("title", "", "entry title")
	addCmd.Flags().String("note", "", "entry note")
	addCmd.Flags().String("scene", "", "serialized scene descriptor")
	addCmd.Flags().String("scene-file", "", "file holding a serialized scene descriptor")
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		entries, err := listEntries(cmd.Context(), client, limit, offset)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No entries found.")
			return nil
		}
		for _, e := range entries {
			fmt.Println(formatEntryLine(e))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum number of entries")
	listCmd.Flags().Int("offset", 0, "number of entries to skip")
	listCmd.Flags().Bool("json", false, "print entries as JSON")
}

func listEntries(ctx context.Context, client *apiClient, limit, offset int) ([]entry, error) {
	path := fmt.Sprintf("/records?limit=%d&offset=%d", limit, offset)
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var entries []entry
	if err := decodeJSON(resp, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func formatEntryLine(e entry) string {
	id := e.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("  %s  %s  %-40s %s",
		colorize(colorBold, id),
		e.CreatedAt.Local().Format("2006-01-02 15:04"),
		truncate(e.Title, 40),
		previewBadge(e),
	)
}

func previewBadge(e entry) string {
	if e.Scene == nil {
		return ""
	}
	switch e.PreviewStatus {
	case "resolved":
		return colorize(colorGreen, "[preview]")
	case "generating":
		return colorize(colorCyan, "[rendering]")
	default:
		return colorize(colorYellow, "[no preview]")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/records/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var e entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}

		printStatus("ID", "%s", e.ID)
		printStatus("Title", "%s", e.Title)
		printStatus("Created", "%s", e.CreatedAt.Local().Format(time.RFC1123))
		if e.Scene != nil {
			printStatus("Scene", "%d bytes", len(*e.Scene))
			printStatus("Preview", "%s", e.PreviewStatus)
		} else {
			printStatus("Scene", "none")
		}
		if e.PreviewURI != "" {
			printStatus("Preview file", "%s", e.PreviewURI)
		}
		if e.Note != "" {
			fmt.Println()
			fmt.Println(e.Note)
		}
		return nil
	},
}

// --- edit ---

var editCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit an entry",
	Long: `Edit an entry. Only the given fields change. Replacing or clearing the
scene discards the current preview.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := buildPatch(cmd)
		if err != nil {
			return err
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to change: pass --title, --note, --scene, --scene-file or --clear-scene")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/records/"+url.PathEscape(args[0]), body)
		if err != nil {
			return err
		}
		var e entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}

		printSuccess("Updated entry %s", e.ID)
		return nil
	},
}

func init() {
	editCmd.Flags().String("title", "", "new title")
	editCmd.Flags().String("note", "", "new note")
	editCmd.Flags().String("scene", "", "new serialized scene descriptor")
	editCmd.Flags().String("scene-file", "", "file holding the new scene descriptor")
	editCmd.Flags().Bool("clear-scene", false, "remove the scene and its preview")
}

// buildPatch collects the changed flags into a PATCH body. A cleared scene
// is sent as null.
func buildPatch(cmd *cobra.Command) (map[string]any, error) {
	body := map[string]any{}
	if cmd.Flags().Changed("title") {
		v, _ := cmd.Flags().GetString("title")
		body["title"] = v
	}
	if cmd.Flags().Changed("note") {
		v, _ := cmd.Flags().GetString("note")
		body["note"] = v
	}

	clearScene, _ := cmd.Flags().GetBool("clear-scene")
	s, ok, err := readScene(cmd)
	if err != nil {
		return nil, err
	}
	switch {
	case clearScene && ok:
		return nil, fmt.Errorf("--clear-scene cannot be combined with --scene or --scene-file")
	case clearScene:
		body["scene"] = nil
	case ok:
		body["scene"] = s
	}
	return body, nil
}

// --- rm ---

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an entry and its preview",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/records/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted entry %s", args[0])
		return nil
	},
}

// --- preview ---

var errPreviewPending = errors.New("preview is still rendering")

var previewCmd = &cobra.Command{
	Use:   "preview <id>",
	Short: "Save an entry's preview image to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		width, _ := cmd.Flags().GetInt("width")
		wait, _ := cmd.Flags().GetDuration("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		data, mime, err := fetchPreview(cmd.Context(), client, args[0], width, wait, 500*time.Millisecond)
		if errors.Is(err, errPreviewPending) {
			printWarning("Preview for %s is still rendering; try again shortly", args[0])
			return nil
		}
		if err != nil {
			return err
		}

		if out == "" {
			out = args[0] + extensionFor(mime)
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("writing preview: %w", err)
		}
		printSuccess("Saved preview to %s (%d bytes)", out, len(data))
		return nil
	},
}

func init() {
	previewCmd.Flags().StringP("output", "o", "", "output file (default <id>.<ext>)")
	previewCmd.Flags().Int("width", 0, "scale the preview down to this width")
	previewCmd.Flags().Duration("wait", 30*time.Second, "how long to wait for rendering (0 to not wait)")
}

// fetchPreview downloads a preview, polling while the server reports it is
// still rendering. It returns errPreviewPending once wait has elapsed.
func fetchPreview(ctx context.Context, client *apiClient, id string, width int, wait, poll time.Duration) ([]byte, string, error) {
	path := "/records/" + url.PathEscape(id) + "/preview"
	if width > 0 {
		path += fmt.Sprintf("?w=%d", width)
	}

	deadline := time.Now().Add(wait)
	for {
		resp, err := client.get(ctx, path)
		if err != nil {
			return nil, "", err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, "", fmt.Errorf("reading preview: %w", err)
			}
			return data, resp.Header.Get("Content-Type"), nil
		case http.StatusAccepted:
			resp.Body.Close()
		default:
			defer resp.Body.Close()
			return nil, "", readAPIError(resp)
		}

		if !time.Now().Add(poll).Before(deadline) {
			return nil, "", errPreviewPending
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(poll):
		}
	}
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpeg"
	case "image/png":
		return ".png"
	default:
		return ".img"
	}
}

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh <id>",
	Short: "Render an entry's preview again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/records/"+url.PathEscape(args[0])+"/preview/refresh", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStep("Re-rendering preview for %s", args[0])
		return nil
	},
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete preview files that belong to no entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/maintenance/sweep", nil)
		if err != nil {
			return err
		}
		var result struct {
			Reclaimed int `json:"reclaimed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Reclaimed %d orphaned preview file(s)", result.Reclaimed)
		return nil
	},
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("Stored in", "%s", config.Location())
		for _, k := range config.ShowAll(cfg) {
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			if k.Source != config.SourceDefault {
				line += colorize(colorCyan, fmt.Sprintf("  (%s)", k.Source))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
