// Package e2e drives the built modelrun binary: the run command with real
// worker processes, and the HTTP service.
package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	runTimeout     = 30 * time.Second
	pollInterval   = 100 * time.Millisecond
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "modelrun-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "modelrun")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/modelrun")
		cmd.Dir = findModuleRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findModuleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find module root")
		}
		dir = parent
	}
}

// writeProject creates a pipeline whose QOI is the sample scaled by ten and a
// samples.txt holding n two-dimensional samples.
func writeProject(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"input.sh":  "#!/bin/sh\ncp run_$1.txt in_$1.txt\n",
		"model.sh":  "#!/bin/sh\nawk '{ print $1 * 10, $2 * 10 }' in_$1.txt > raw_$1.txt\necho \"model $1 done\"\n",
		"output.sh": "#!/bin/sh\nmv raw_$1.txt eval_$1.txt\n",
	}
	var samples strings.Builder
	for i := range n {
		fmt.Fprintf(&samples, "%d %d.5\n", i, i)
	}
	files["samples.txt"] = samples.String()

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o755); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func baseEnv(t *testing.T) []string {
	return append(os.Environ(),
		"MODELRUN_DB_PATH="+filepath.Join(t.TempDir(), "modelrun.db"),
		"MODELRUN_LOG_LEVEL=info",
		"TMPDIR="+t.TempDir(),
	)
}

type runOutput struct {
	Run struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Mode    string `json:"mode"`
		Workers int    `json:"workers"`
	} `json:"run"`
	QOI       [][]float64 `json:"qoi"`
	OutputDir string      `json:"output_dir"`
	Artifacts []string    `json:"artifacts"`
}

func TestRunCommandWithWorkerProcesses(t *testing.T) {
	binary := getBinary(t)
	project := writeProject(t, 7)
	outDir := t.TempDir()

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(binary, "run",
		"--project", project,
		"--input-script", "input.sh",
		"--model-script", "model.sh",
		"--output-script", "output.sh",
		"--workers", "3",
		"--output-dir", outDir,
	)
	cmd.Env = baseEnv(t)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("modelrun run: %v\nstderr:\n%s", err, stderr.String())
	}

	var out runOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout.String())
	}
	if out.Run.Status != "completed" || out.Run.Mode != "parallel" {
		t.Errorf("run = %+v, want completed parallel run", out.Run)
	}
	if len(out.QOI) != 7 {
		t.Fatalf("got %d results, want 7", len(out.QOI))
	}
	for i, q := range out.QOI {
		want := []float64{float64(i) * 10, (float64(i) + 0.5) * 10}
		if len(q) != 2 || q[0] != want[0] || q[1] != want[1] {
			t.Errorf("QOI[%d] = %v, want %v", i, q, want)
		}
	}
	if out.OutputDir != filepath.Join(outDir, out.Run.ID) {
		t.Errorf("output_dir = %q", out.OutputDir)
	}
	for i := range 7 {
		name := fmt.Sprintf("model_%d.txt", i)
		if _, err := os.Stat(filepath.Join(out.OutputDir, name)); err != nil {
			t.Errorf("artifact %s not retrieved: %v", name, err)
		}
	}
}

func TestRunCommandKeepsStoreOutOfWorkspaces(t *testing.T) {
	binary := getBinary(t)
	project := writeProject(t, 3)
	script := "#!/bin/sh\nfor f in modelrun.db*; do test -e \"$f\" && { echo \"staged $f\" >&2; exit 1; }; done\ncp run_$1.txt in_$1.txt\n"
	if err := os.WriteFile(filepath.Join(project, "input.sh"), []byte(script), 0o755); err != nil {
		t.Fatalf("write input.sh: %v", err)
	}

	var stderr bytes.Buffer
	cmd := exec.Command(binary, "run",
		"--input-script", "input.sh",
		"--model-script", "model.sh",
		"--output-script", "output.sh",
		"--workers", "2",
	)
	cmd.Dir = project
	cmd.Env = append(baseEnv(t), "MODELRUN_DB_PATH=modelrun.db")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("modelrun run: %v\nstderr:\n%s", err, stderr.String())
	}
	if _, err := os.Stat(filepath.Join(project, "modelrun.db")); err != nil {
		t.Errorf("store not created in the project dir: %v", err)
	}
}

func TestRunCommandReportsStageFailure(t *testing.T) {
	binary := getBinary(t)
	project := writeProject(t, 4)
	script := "#!/bin/sh\nif [ \"$1\" = 2 ]; then echo boom >&2; exit 3; fi\ncp in_$1.txt raw_$1.txt\n"
	if err := os.WriteFile(filepath.Join(project, "model.sh"), []byte(script), 0o755); err != nil {
		t.Fatalf("write model.sh: %v", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(binary, "run",
		"-p", project,
		"--input-script", "input.sh",
		"--model-script", "model.sh",
		"--output-script", "output.sh",
		"-n", "2",
	)
	cmd.Env = baseEnv(t)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err == nil || !errors.As(err, &exitErr) {
		t.Fatalf("expected non-zero exit, got %v", err)
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want no results", stdout.String())
	}
	if !strings.Contains(stderr.String(), "sample 2") {
		t.Errorf("stderr does not name the failing sample:\n%s", stderr.String())
	}
}

type serverProc struct {
	url    string
	stdout *lockedBuffer
}

func startServer(t *testing.T, binary string, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, "serve")
	cmd.Env = append(baseEnv(t), "MODELRUN_LISTEN_ADDR="+addr)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	sp := &serverProc{url: "http://" + addr, stdout: stdout}
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\noutput:\n%s", startupTimeout, stdout.String())
	return nil
}

func TestServeEvaluatesSubmittedRun(t *testing.T) {
	binary := getBinary(t)
	project := writeProject(t, 5)
	sp := startServer(t, binary, "MODELRUN_PROJECT_DIR="+project)

	outside := fmt.Sprintf(`{"config":{"project_dir":%q,"input_script":"input.sh","model_script":"model.sh"}}`, t.TempDir())
	resp, err := http.Post(sp.url+"/v1/runs", "application/json", strings.NewReader(outside))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("run outside the project root: status = %d, want 400", resp.StatusCode)
	}

	payload := `{"config":{"workers":2,"input_script":"input.sh","model_script":"model.sh","output_script":"output.sh","output_dir":"out"}}`
	resp, err = http.Post(sp.url+"/v1/runs", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	var created map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", resp.StatusCode, created)
	}
	id, ok := created["id"].(string)
	if !ok || len(id) != 26 {
		t.Fatalf("id = %v, expected 26-char ULID", created["id"])
	}

	status := ""
	deadline := time.Now().Add(runTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/v1/runs/" + id)
		if err != nil {
			t.Fatalf("GET run: %v", err)
		}
		var run map[string]any
		json.NewDecoder(resp.Body).Decode(&run)
		resp.Body.Close()
		status, _ = run["status"].(string)
		if status == "completed" || status == "failed" {
			break
		}
		time.Sleep(pollInterval)
	}
	if status != "completed" {
		t.Fatalf("run status = %q, want completed\noutput:\n%s", status, sp.stdout.String())
	}

	resp, err = http.Get(sp.url + "/v1/runs/" + id + "/results")
	if err != nil {
		t.Fatalf("GET results: %v", err)
	}
	defer resp.Body.Close()
	var results struct {
		Results []struct {
			Index int       `json:"index"`
			QOI   []float64 `json:"qoi"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results.Results) != 5 {
		t.Fatalf("got %d results, want 5", len(results.Results))
	}
	for i, r := range results.Results {
		if r.Index != i || len(r.QOI) != 2 || r.QOI[0] != float64(i)*10 {
			t.Errorf("results[%d] = %+v", i, r)
		}
	}

	histResp, err := http.Get(sp.url + "/v1/runs/" + id + "/logs/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer histResp.Body.Close()
	var history struct {
		Lines []struct {
			Line string `json:"line"`
		} `json:"lines"`
	}
	if err := json.NewDecoder(histResp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	found := 0
	for _, l := range history.Lines {
		if strings.Contains(l.Line, "done") {
			found++
		}
	}
	if found != 5 {
		t.Errorf("history has %d model lines, want 5: %+v", found, history.Lines)
	}
}

func TestServeWritesStructuredLogs(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(sp.stdout.String(), `"msg":"request"`) {
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] != "request" {
			continue
		}
		for _, key := range []string{"method", "path", "status", "duration_ms", "request_id"} {
			if _, ok := entry[key]; !ok {
				t.Errorf("request log missing %q: %v", key, entry)
			}
		}
		return
	}
	t.Errorf("no structured request log found in:\n%s", sp.stdout.String())
}
