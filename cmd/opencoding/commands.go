package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/opencoding/internal/api"
	"github.com/kalambet/opencoding/internal/config"
	"github.com/kalambet/opencoding/internal/export"
	"github.com/kalambet/opencoding/internal/storage"
)

// --- import ---

// maxShownRowErrors caps how many row errors an import prints.
const maxShownRowErrors = 20

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import conversation traces from a CSV file",
	Long: `Import conversation traces from a CSV file.

The file needs the columns trace_id, flow_session, turn_number, total_turns,
user_message and ai_response. Rows whose trace_id already exists are skipped.

Examples:
  opencoding import traces.csv
  opencoding import big-export.csv --async`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		async, _ := cmd.Flags().GetBool("async")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/traces/import-csv"
		if async {
			path += "?async=true"
		}
		resp, err := client.upload(cmd.Context(), path, args[0])
		if err != nil {
			return err
		}

		if async {
			var queued api.QueuedImport
			if err := decodeJSON(resp, &queued); err != nil {
				return err
			}
			printSuccess("Queued import batch %s", queued.BatchID)
			printStep("Check progress with GET /api/imports/%s", queued.BatchID)
			return nil
		}

		var result api.ImportResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printImportResult(cmd.OutOrStdout(), result)
		return nil
	},
}

func printImportResult(w io.Writer, r api.ImportResponse) {
	if r.Cancelled || r.Failed > 0 {
		printWarning("%s", r.Message)
	} else {
		printSuccess("%s", r.Message)
	}
	printStatus("Batch", "%s", r.BatchID)
	printStatus("Rows", "%d total, %d imported, %d duplicates, %d failed", r.Total, r.Imported, r.Skipped, r.Failed)

	if len(r.ValidationErrors) == 0 {
		return
	}
	table := newTable(w, "Row", "Column", "Problem")
	for i, e := range r.ValidationErrors {
		if i == maxShownRowErrors {
			break
		}
		_ = table.Append([]string{strconv.Itoa(e.Row), e.Column, e.Message})
	}
	_ = table.Render()
	if n := len(r.ValidationErrors); n > maxShownRowErrors {
		fmt.Fprintf(w, "... and %d more\n", n-maxShownRowErrors)
	}
}

func init() {
	importCmd.Flags().Bool("async", false, "queue the import and return immediately")
}

// --- rubric ---

var rubricCmd = &cobra.Command{
	Use:   "rubric",
	Short: "Manage the failure-mode rubric",
}

var rubricImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a new rubric version (.csv, .json, .yaml or one id per line)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.upload(cmd.Context(), "/api/rubric/import", args[0])
		if err != nil {
			return err
		}
		var result api.RubricImportResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Imported rubric version %d with %d failure modes", result.Version, len(result.FailureModes))
		return nil
	},
}

var rubricShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current rubric",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if all {
			resp, err := client.get(cmd.Context(), "/api/rubric/versions")
			if err != nil {
				return err
			}
			var versions []storage.RubricVersion
			if err := decodeJSON(resp, &versions); err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "Version", "Created", "Failure modes")
			for _, v := range versions {
				_ = table.Append([]string{strconv.Itoa(v.Version), v.CreatedAt.Format("2006-01-02 15:04"), strings.Join(v.FailureModes, ", ")})
			}
			return table.Render()
		}

		resp, err := client.get(cmd.Context(), "/api/rubric")
		if err != nil {
			return err
		}
		var rb api.RubricResponse
		if err := decodeJSON(resp, &rb); err != nil {
			return err
		}
		if rb.Version == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No rubric imported yet.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", colorize(colorBold, fmt.Sprintf("Rubric version %d", rb.Version)))
		for _, id := range rb.FailureModes {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", id)
		}
		return nil
	},
}

func init() {
	rubricShowCmd.Flags().Bool("all", false, "show every rubric version")
	rubricCmd.AddCommand(rubricImportCmd)
	rubricCmd.AddCommand(rubricShowCmd)
}

// --- traces ---

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Browse imported traces",
}

var tracesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List traces in import order",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/traces?page=%d&page_size=%d", page, pageSize))
		if err != nil {
			return err
		}
		var tp api.TracePage
		if err := decodeJSON(resp, &tp); err != nil {
			return err
		}

		if len(tp.Traces) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No traces found.")
			return nil
		}
		table := newTable(cmd.OutOrStdout(), "Trace", "Session", "Turn", "User message")
		for _, t := range tp.Traces {
			_ = table.Append([]string{
				t.TraceID,
				t.FlowSession,
				fmt.Sprintf("%d/%d", t.TurnNumber, t.TotalTurns),
				truncate(strings.Join(strings.Fields(t.UserMessage), " "), 60),
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Page %d of %d (%d traces)\n", tp.Page, tp.TotalPages, tp.Total)
		return nil
	},
}

var tracesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a trace with your annotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/traces/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var trace any
		if err := decodeJSON(resp, &trace); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), trace)
	},
}

var tracesNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the next trace you have not annotated",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/traces/next/unannotated")
		if err != nil {
			return err
		}
		var trace *storage.Trace
		if err := decodeJSON(resp, &trace); err != nil {
			return err
		}
		if trace == nil {
			printSuccess("All traces are annotated")
			return nil
		}
		return printJSON(cmd.OutOrStdout(), trace)
	},
}

func init() {
	tracesListCmd.Flags().Int("page", 1, "page number")
	tracesListCmd.Flags().Int("page-size", 50, "traces per page (max 100)")
	tracesCmd.AddCommand(tracesListCmd)
	tracesCmd.AddCommand(tracesShowCmd)
	tracesCmd.AddCommand(tracesNextCmd)
}

// --- annotate ---

var annotateCmd = &cobra.Command{
	Use:   "annotate <trace-id>",
	Short: "Save your annotation for a trace",
	Long: `Save your annotation for a trace.

Failing annotations need at least one --failure-mode or a --notes text.

Examples:
  opencoding annotate t-17 --label pass --confidence 5 --agrees yes
  opencoding annotate t-18 --label fail --confidence 3 --agrees no \
    --failure-mode hallucination --set tone_ok=false --notes "made up a refund policy"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := annotationRequest(cmd, args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/annotations", body)
		if err != nil {
			return err
		}
		created := resp.StatusCode == http.StatusCreated
		var saved storage.Annotation
		if err := decodeJSON(resp, &saved); err != nil {
			return err
		}

		if created {
			printSuccess("Created annotation for %s (version %d)", saved.TraceID, saved.Version)
		} else {
			printSuccess("Updated annotation for %s (version %d)", saved.TraceID, saved.Version)
		}
		return nil
	},
}

// annotationRequest builds the save body from annotate's flags.
func annotationRequest(cmd *cobra.Command, traceID string) (map[string]any, error) {
	label, _ := cmd.Flags().GetString("label")
	confidence, _ := cmd.Flags().GetInt("confidence")
	agrees, _ := cmd.Flags().GetString("agrees")
	modes, _ := cmd.Flags().GetStringSlice("failure-mode")
	sets, _ := cmd.Flags().GetStringArray("set")
	notes, _ := cmd.Flags().GetString("notes")
	golden, _ := cmd.Flags().GetBool("golden")

	body := map[string]any{
		"trace_id":         traceID,
		"human_label":      label,
		"human_confidence": confidence,
		"evaluator_agrees": agrees,
		"is_golden_set":    golden,
	}
	if len(modes) > 0 {
		body["failure_modes"] = modes
	}
	if notes != "" {
		body["notes"] = notes
	}
	if len(sets) > 0 {
		labels := make(map[string]any, len(sets))
		for _, kv := range sets {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("--set %s: want id=true|false|n/a", kv)
			}
			switch strings.ToLower(v) {
			case "true", "yes":
				labels[k] = true
			case "false", "no":
				labels[k] = false
			case "n/a", "na":
				labels[k] = "n/a"
			default:
				return nil, fmt.Errorf("--set %s: value must be true, false or n/a", kv)
			}
		}
		body["dynamic_labels"] = labels
	}
	if cmd.Flags().Changed("expected-version") {
		v, _ := cmd.Flags().GetInt("expected-version")
		body["expected_version"] = v
	}
	return body, nil
}

func init() {
	annotateCmd.Flags().String("label", "", "pass, fail or na")
	annotateCmd.Flags().Int("confidence", 0, "confidence from 1 to 5")
	annotateCmd.Flags().String("agrees", "", "whether you agree with the automated evaluator: yes, no or n/a")
	annotateCmd.Flags().StringSlice("failure-mode", nil, "failure mode id from the current rubric (repeatable)")
	annotateCmd.Flags().StringArray("set", nil, "dynamic label as id=true|false|n/a (repeatable)")
	annotateCmd.Flags().String("notes", "", "free-text notes")
	annotateCmd.Flags().Bool("golden", false, "add the trace to the golden set")
	annotateCmd.Flags().Int("expected-version", 0, "fail instead of overwriting if the stored version differs (0: must not exist)")
	annotateCmd.MarkFlagRequired("label")
}

// --- annotations ---

var annotationsCmd = &cobra.Command{
	Use:   "annotations",
	Short: "Manage stored annotations",
}

var annotationsImportLegacyCmd = &cobra.Command{
	Use:   "import-legacy <file.json>",
	Short: "Import pass/fail annotations from a legacy JSON export",
	Long: `Import pass/fail annotations from a legacy JSON export.

The file holds a JSON array of objects with trace_id, holistic_pass_fail
(Pass|Fail) and optionally first_failure_note, open_codes,
comments_hypotheses, user_id and version. Records for unknown traces are
skipped; existing annotations are overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.send(cmd.Context(), http.MethodPost, "/api/annotations/import-legacy", "application/json", f)
		if err != nil {
			return err
		}
		var sum struct {
			Inserted       int      `json:"inserted"`
			Updated        int      `json:"updated"`
			SkippedNoTrace int      `json:"skipped_no_trace"`
			Invalid        []string `json:"invalid"`
		}
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}

		printSuccess("Inserted %d, updated %d, skipped %d (trace not found)", sum.Inserted, sum.Updated, sum.SkippedNoTrace)
		for _, msg := range sum.Invalid {
			printWarning("%s", msg)
		}
		return nil
	},
}

func init() {
	annotationsCmd.AddCommand(annotationsImportLegacyCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show your annotation statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/annotations/user/stats")
		if err != nil {
			return err
		}
		var st storage.AnnotationStats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %d\n", colorize(colorBold, "Annotations:"), st.TotalAnnotations)
		fmt.Fprintf(out, "%s %d pass, %d fail (%.2f%% pass)\n", colorize(colorBold, "Labels:"), st.PassCount, st.FailCount, st.PassRate)
		if len(st.RecentAnnotations) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		table := newTable(out, "Trace", "Label", "Failure modes", "Updated")
		for _, a := range st.RecentAnnotations {
			_ = table.Append([]string{a.TraceID, a.HumanLabel, strings.Join(a.FailureModes, ", "), a.UpdatedAt.Local().Format("2006-01-02 15:04")})
		}
		return table.Render()
	},
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export annotations as CSV or JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		golden, _ := cmd.Flags().GetBool("golden-set")
		meta, _ := cmd.Flags().GetBool("include-metadata")
		output, _ := cmd.Flags().GetString("output")

		if format != export.FormatCSV && format != export.FormatJSONL {
			return fmt.Errorf("--format must be csv or jsonl")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("golden_set", strconv.FormatBool(golden))
		q.Set("include_metadata", strconv.FormatBool(meta))
		resp, err := client.get(cmd.Context(), "/api/export/"+format+"?"+q.Encode())
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}

		writer := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}
		if _, err := io.Copy(writer, resp.Body); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}

		var sum export.Summary
		if json.Unmarshal([]byte(resp.Header.Get("X-Export-Summary")), &sum) == nil && output != "" {
			printSuccess("%s to %s", sum.Message, output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", export.FormatCSV, "csv or jsonl")
	exportCmd.Flags().Bool("golden-set", false, "only export golden set annotations")
	exportCmd.Flags().Bool("include-metadata", false, "prefix the export with # metadata lines")
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
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

		table := newTable(cmd.OutOrStdout(), "Key", "Value", "Source", "Env")
		for _, k := range config.ShowAll(cfg) {
			_ = table.Append([]string{k.Key, k.Value, k.Source, k.EnvVar})
		}
		return table.Render()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
	},
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
	Short: "Remove a value from the config file",
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
