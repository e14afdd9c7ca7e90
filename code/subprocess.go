package code

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/nevindra/loom"
)

//go:embed prelude.js
var preludeSource string

// resultMarker prefixes the line carrying the final result on stdout.
const resultMarker = "__LOOM_RESULT__"

// SubprocessRunner executes JavaScript in a Node.js subprocess. Globals
// from the run are injected through the environment; the code reports its
// output by calling set_result(value). Implements loom.CodeRunner.
type SubprocessRunner struct {
	nodeBin string
	cfg     runnerConfig
}

var _ loom.CodeRunner = (*SubprocessRunner)(nil)

// NewSubprocessRunner creates a SubprocessRunner that executes code via the
// given Node.js binary (e.g., "node").
func NewSubprocessRunner(nodeBin string, opts ...Option) *SubprocessRunner {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &SubprocessRunner{nodeBin: nodeBin, cfg: cfg}
}

// Run executes source with globals injected and returns the JSON value the
// code produced via set_result. Code that never calls set_result yields
// JSON null. Execution errors carry the stderr tail for diagnosis.
func (r *SubprocessRunner) Run(ctx context.Context, source string, globals map[string]any) (json.RawMessage, error) {
	globalsJSON, err := json.Marshal(globals)
	if err != nil {
		return nil, fmt.Errorf("code runner: encode globals: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout)
	defer cancel()

	// Write temp script: prelude + user code. The .cjs extension keeps
	// Node in CommonJS mode regardless of nearby package.json files.
	tmpFile, err := os.CreateTemp("", "loom-code-*.cjs")
	if err != nil {
		return nil, fmt.Errorf("code runner: create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	script := preludeSource + "\n" + source + "\n"
	if _, err := tmpFile.WriteString(script); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("code runner: write script: %w", err)
	}
	tmpFile.Close()

	cmd := exec.CommandContext(ctx, r.nodeBin, tmpFile.Name())
	cmd.Dir = r.resolveWorkspace()
	cmd.Env = r.buildEnv(string(globalsJSON))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("code runner: stdout pipe: %w", err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &boundedWriter{w: &stderrBuf, max: r.cfg.maxOutput}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("code runner: start subprocess: %w", err)
	}

	// Everything on stdout before the marker is log output; the marker
	// line carries the result.
	var resultJSON json.RawMessage
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, r.cfg.maxOutput), r.cfg.maxOutput)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, resultMarker) {
			continue
		}
		var payload struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, resultMarker)), &payload); err == nil {
			resultJSON = payload.Result
		}
	}

	err = cmd.Wait()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("code runner: execution timed out after %s", r.cfg.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("code runner: exit code %d: %s", exitErr.ExitCode(), stderrTail(stderrBuf.String()))
		}
		return nil, fmt.Errorf("code runner: %w", err)
	}

	if resultJSON == nil {
		return json.RawMessage("null"), nil
	}
	return resultJSON, nil
}

// resolveWorkspace returns the working directory for the subprocess.
func (r *SubprocessRunner) resolveWorkspace() string {
	if r.cfg.workspace != "" {
		return r.cfg.workspace
	}
	return os.TempDir()
}

// buildEnv constructs a minimal environment plus the injected globals.
func (r *SubprocessRunner) buildEnv(globalsJSON string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=en_US.UTF-8",
		"LOOM_GLOBALS=" + globalsJSON,
	}
	for k, v := range r.cfg.envVars {
		env = append(env, k+"="+v)
	}
	return env
}

// stderrTail returns the last few lines of stderr for an error message.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 6 {
		lines = lines[len(lines)-6:]
	}
	return strings.Join(lines, "\n")
}

// boundedWriter limits capture to a maximum size.
type boundedWriter struct {
	w   *strings.Builder
	max int
}

func (bw *boundedWriter) Write(p []byte) (int, error) {
	if bw.w.Len() < bw.max {
		remaining := bw.max - bw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		bw.w.Write(p)
	}
	return len(p), nil
}
