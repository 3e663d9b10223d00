package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/opencoding/internal/annotation"
	"github.com/kalambet/opencoding/internal/api"
	"github.com/kalambet/opencoding/internal/csvimport"
	"github.com/kalambet/opencoding/internal/export"
	"github.com/kalambet/opencoding/internal/ingest"
	"github.com/kalambet/opencoding/internal/navigator"
	"github.com/kalambet/opencoding/internal/rubric"
	"github.com/kalambet/opencoding/internal/stats"
	"github.com/kalambet/opencoding/internal/storage"
)

// startTestServer serves the real API over an in-memory store and points the
// CLI at it.
func startTestServer(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := rubric.NewRegistry(store)
	statsMgr := stats.NewManager(store, time.Second)
	h := api.NewHandler(api.Deps{
		Store:          store,
		Rubrics:        reg,
		Annotations:    annotation.NewService(store, reg, statsMgr),
		Navigator:      navigator.New(store),
		Exporter:       export.NewExporter(store, reg),
		Importer:       ingest.NewImporter(store, csvimport.NewPipeline(store, 0, 2)),
		Stats:          statsMgr,
		MaxUploadBytes: 1 << 20,
		Token:          "test-token",
		DefaultUser:    "cli-user",
	})
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	old := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: ts.URL, token: "test-token", httpClient: ts.Client()}, nil
	}
	t.Cleanup(func() { newAPIClient = old })
	return store
}

// resetFlags restores every flag of cmd and its children to its default so
// that consecutive Execute calls do not leak values.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append(args, "--no-color"))
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

const cliTracesCSV = "trace_id,flow_session,turn_number,total_turns,user_message,ai_response\n" +
	"t1,s1,1,2,hi,hello\n" +
	"t2,s1,2,2,refund?,sure\n" +
	"t3,s2,1,1,bye,goodbye\n"

func TestImportAndListTraces(t *testing.T) {
	store := startTestServer(t)

	if _, err := runCLI(t, "import", writeFile(t, "traces.csv", cliTracesCSV)); err != nil {
		t.Fatalf("import: %v", err)
	}
	n, err := store.CountTraces(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("CountTraces = %d, %v; want 3", n, err)
	}

	out, err := runCLI(t, "traces", "list", "--page-size", "2")
	if err != nil {
		t.Fatalf("traces list: %v", err)
	}
	if !strings.Contains(out, "t1") || !strings.Contains(out, "t2") || strings.Contains(out, "t3") {
		t.Errorf("page 1 output missing or extra traces:\n%s", out)
	}
	if !strings.Contains(out, "Page 1 of 2 (3 traces)") {
		t.Errorf("output missing page footer:\n%s", out)
	}

	out, err = runCLI(t, "traces", "next")
	if err != nil {
		t.Fatalf("traces next: %v", err)
	}
	if !strings.Contains(out, `"trace_id": "t1"`) {
		t.Errorf("next output = %s", out)
	}
}

func TestImport_RejectsNonCSV(t *testing.T) {
	startTestServer(t)

	_, err := runCLI(t, "import", writeFile(t, "traces.txt", cliTracesCSV))
	if err == nil || !strings.Contains(err.Error(), "File must be a CSV") {
		t.Errorf("err = %v, want CSV extension error", err)
	}
}

func TestAnnotateFlow(t *testing.T) {
	startTestServer(t)
	if _, err := runCLI(t, "import", writeFile(t, "traces.csv", cliTracesCSV)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := runCLI(t, "rubric", "import", writeFile(t, "rubric.txt", "hallucination\ntone_ok\n")); err != nil {
		t.Fatalf("rubric import: %v", err)
	}

	_, err := runCLI(t, "annotate", "t1", "--label", "fail", "--confidence", "3", "--agrees", "no")
	if err == nil || !strings.Contains(err.Error(), "422") {
		t.Fatalf("fail without detail: err = %v, want 422", err)
	}

	_, err = runCLI(t, "annotate", "t1", "--label", "fail", "--confidence", "3", "--agrees", "no",
		"--failure-mode", "hallucination", "--set", "tone_ok=false")
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}

	_, err = runCLI(t, "annotate", "t1", "--label", "pass", "--confidence", "4", "--agrees", "yes", "--expected-version", "0")
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("stale annotate: err = %v, want 409", err)
	}

	out, err := runCLI(t, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "Annotations: 1") || !strings.Contains(out, "0 pass, 1 fail (0.00% pass)") {
		t.Errorf("stats output:\n%s", out)
	}

	out, err = runCLI(t, "traces", "next")
	if err != nil {
		t.Fatalf("traces next: %v", err)
	}
	if !strings.Contains(out, `"trace_id": "t2"`) {
		t.Errorf("next after annotating t1 = %s", out)
	}
}

func TestExportCommand(t *testing.T) {
	startTestServer(t)
	runCLI(t, "import", writeFile(t, "traces.csv", cliTracesCSV))
	if _, err := runCLI(t, "annotate", "t2", "--label", "pass", "--confidence", "5", "--agrees", "yes", "--golden"); err != nil {
		t.Fatalf("annotate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out.jsonl")
	if _, err := runCLI(t, "export", "--format", "jsonl", "--golden-set", "--output", path); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], `{"trace_id":"t2"`) {
		t.Errorf("export lines = %q", lines)
	}

	if _, err := runCLI(t, "export", "--format", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestAnnotationsImportLegacy(t *testing.T) {
	store := startTestServer(t)
	runCLI(t, "import", writeFile(t, "traces.csv", cliTracesCSV))

	file := writeFile(t, "legacy.json", `[{"trace_id":"t3","holistic_pass_fail":"Pass","user_id":"old-user","version":2}]`)
	if _, err := runCLI(t, "annotations", "import-legacy", file); err != nil {
		t.Fatalf("import-legacy: %v", err)
	}
	a, err := store.GetAnnotation(context.Background(), "t3", "old-user")
	if err != nil {
		t.Fatalf("GetAnnotation: %v", err)
	}
	if a.Version != 2 || a.HumanLabel != "pass" {
		t.Errorf("legacy annotation = %+v", a)
	}
}

func TestAnnotateCommand_BadDynamicLabel(t *testing.T) {
	startTestServer(t)

	_, err := runCLI(t, "annotate", "t1", "--label", "pass", "--set", "tone_ok=maybe")
	if err == nil || !strings.Contains(err.Error(), "value must be true, false or n/a") {
		t.Errorf("err = %v", err)
	}
}

func TestServerNotRunning(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: &http.Client{Timeout: time.Second}}
	_, err := client.get(context.Background(), "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestCheckStatus_ValidationErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteHeader(http.StatusUnprocessableEntity)
	rr.WriteString(`{"detail":"annotation failed validation","errors":[{"field":"human_confidence","message":"confidence must be between 1 and 5"}]}`)

	err := checkStatus(rr.Result())
	want := "server returned 422: annotation failed validation\n  human_confidence: confidence must be between 1 and 5"
	if err == nil || err.Error() != want {
		t.Errorf("err = %v, want %q", err, want)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("readPIDFile = %d, %v; want %d", pid, err, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestConfigSetShowUnset(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := runCLI(t, "config", "set", "server.port", "8123"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	out, err := runCLI(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "8123") || !strings.Contains(out, "file") {
		t.Errorf("config show output missing file-sourced port:\n%s", out)
	}

	if _, err := runCLI(t, "config", "unset", "server.port"); err != nil {
		t.Fatalf("config unset: %v", err)
	}
	out, _ = runCLI(t, "config", "show")
	if strings.Contains(out, "8123") {
		t.Errorf("port still set after unset:\n%s", out)
	}

	if _, err := runCLI(t, "config", "set", "server.api_token", "x"); err == nil {
		t.Error("expected config set to refuse the secret")
	}
}
