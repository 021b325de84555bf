package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labforge/labforge/internal/bundle"
	"github.com/labforge/labforge/internal/config"
	"github.com/labforge/labforge/internal/model"
	"github.com/labforge/labforge/internal/state"
)

// Per-subcommand timeouts. Apply and destroy dominate run duration; output
// retrieval only reads state and should never take long.
const (
	initTimeout    = 5 * time.Minute
	applyTimeout   = 30 * time.Minute
	destroyTimeout = 30 * time.Minute
	outputTimeout  = 60 * time.Second
)

// phaseManifestName is the optional per-bundle manifest that splits an apply
// into ordered targeted phases.
const phaseManifestName = "labforge-deploy.json"

// Result is the outcome of one apply or destroy run.
type Result struct {
	Success       bool
	Error         string
	StateAddress  string
	Outputs       map[string]any
	OutputDisplay []model.OutputEntry
}

func failure(err error) Result {
	return Result{Error: err.Error()}
}

// RunInput describes one apply or destroy run.
type RunInput struct {
	OperationID  string
	WorkshopID   string
	TemplateID   string
	TemplateName string
	Provider     string
	Bundle       []byte
	Variables    map[string]any
	Sink         LogSink
}

// Executor runs the IaC tool for one operation and reports the outcome.
type Executor interface {
	Apply(ctx context.Context, in RunInput) Result
	Destroy(ctx context.Context, in RunInput) Result
}

// TerraformExecutor runs terraform as managed subprocesses. Each run gets an
// isolated working directory that is removed afterward regardless of outcome.
type TerraformExecutor struct {
	toolPath    string
	workRoot    string
	statePrefix string
	locator     *state.Locator
	registry    *Registry
	creds       config.Credentials
	logger      *slog.Logger
}

var _ Executor = (*TerraformExecutor)(nil)

// NewTerraformExecutor creates an executor that invokes the tool at toolPath
// and keeps per-run working directories under workRoot.
func NewTerraformExecutor(toolPath, workRoot, statePrefix string, locator *state.Locator, registry *Registry, creds config.Credentials, logger *slog.Logger) *TerraformExecutor {
	return &TerraformExecutor{
		toolPath:    toolPath,
		workRoot:    workRoot,
		statePrefix: statePrefix,
		locator:     locator,
		registry:    registry,
		creds:       creds,
		logger:      logger,
	}
}

// workspace is the on-disk context for a single run.
type workspace struct {
	root   string
	srcDir string
	key    string
	env    []string
}

func (ws *workspace) cleanup(logger *slog.Logger) {
	if err := os.RemoveAll(ws.root); err != nil {
		logger.Warn("failed to remove working directory", "dir", ws.root, "error", err)
	}
}

// Apply provisions a template bundle: materialize sources, configure the
// remote backend, init, apply (phased when the bundle carries a phase
// manifest), then collect outputs. Each stage short-circuits on failure.
func (e *TerraformExecutor) Apply(ctx context.Context, in RunInput) Result {
	ws, err := e.prepare(in)
	if err != nil {
		return failure(err)
	}
	defer ws.cleanup(e.logger)

	in.Sink.Ingest([]string{fmt.Sprintf("Preparing %s deployment for template %s", in.Provider, in.TemplateName)})

	// Existing state means the backend was initialized before; init must
	// reconfigure rather than fail on the backend block we rewrite below.
	reconfigure := e.locator.Exists(ctx, ws.key)

	if err := e.writeBackendConfig(ws); err != nil {
		return failure(err)
	}
	if err := writeVarsFile(ws.srcDir, in.Variables); err != nil {
		return failure(err)
	}
	if err := e.runInit(ctx, ws, in.Sink, reconfigure); err != nil {
		return failure(err)
	}
	if err := e.runApply(ctx, in, ws); err != nil {
		return failure(err)
	}

	outputs, display := e.readOutputs(ctx, ws, in.Sink)
	return Result{
		Success:       true,
		StateAddress:  ws.key,
		Outputs:       outputs,
		OutputDisplay: display,
	}
}

// Destroy tears down previously provisioned infrastructure. It fails fast
// when no remote state exists for the (workshop, template) pair: destroying
// nothing is a caller mistake, not a no-op.
func (e *TerraformExecutor) Destroy(ctx context.Context, in RunInput) Result {
	key := state.Address(e.statePrefix, in.WorkshopID, in.TemplateID)
	if !e.locator.Exists(ctx, key) {
		return failure(fmt.Errorf("no remote state found for template %s, nothing to destroy", in.TemplateName))
	}

	ws, err := e.prepare(in)
	if err != nil {
		return failure(err)
	}
	defer ws.cleanup(e.logger)

	in.Sink.Ingest([]string{fmt.Sprintf("Destroying %s resources for template %s", in.Provider, in.TemplateName)})

	if err := e.writeBackendConfig(ws); err != nil {
		return failure(err)
	}
	if err := writeVarsFile(ws.srcDir, in.Variables); err != nil {
		return failure(err)
	}
	if err := e.runInit(ctx, ws, in.Sink, true); err != nil {
		return failure(err)
	}

	args := []string{"destroy", "-auto-approve", "-input=false", "-no-color", "-var-file=terraform.tfvars.json"}
	if err := e.runStreamed(ctx, in.OperationID, ws, destroyTimeout, in.Sink, args...); err != nil {
		return failure(err)
	}
	return Result{Success: true, StateAddress: key}
}

// prepare materializes the bundle into a fresh working directory and resolves
// the source directory, state key, and subprocess environment.
func (e *TerraformExecutor) prepare(in RunInput) (*workspace, error) {
	root, err := os.MkdirTemp(e.workRoot, "run-"+in.OperationID+"-")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	ws := &workspace{
		root: root,
		key:  state.Address(e.statePrefix, in.WorkshopID, in.TemplateID),
	}

	if err := bundle.Materialize(in.Bundle, root); err != nil {
		ws.cleanup(e.logger)
		return nil, err
	}
	srcDir, err := bundle.FindSourceDir(root)
	if err != nil {
		ws.cleanup(e.logger)
		return nil, err
	}
	if srcDir == "" {
		ws.cleanup(e.logger)
		return nil, fmt.Errorf("bundle for template %s contains no .tf files", in.TemplateName)
	}
	ws.srcDir = srcDir

	env, err := e.runEnv(in.Provider)
	if err != nil {
		ws.cleanup(e.logger)
		return nil, err
	}
	ws.env = env
	return ws, nil
}

// runEnv builds a minimal subprocess environment: a small host allowlist plus
// provider and state-store credentials. The parent environment is never
// passed through wholesale.
func (e *TerraformExecutor) runEnv(provider string) ([]string, error) {
	providerEnv, err := e.creds.ForProvider(provider)
	if err != nil {
		return nil, err
	}
	stateEnv, err := e.creds.StateStoreEnv()
	if err != nil {
		return nil, err
	}

	var env []string
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range stateEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range providerEnv {
		env = append(env, k+"="+v)
	}
	return env, nil
}

func (e *TerraformExecutor) writeBackendConfig(ws *workspace) error {
	backend := fmt.Sprintf(`terraform {
  backend "s3" {
    bucket  = %q
    key     = %q
    region  = %q
    encrypt = true
  }
}
`, e.locator.Bucket(), ws.key, e.locator.Region())

	if err := os.WriteFile(filepath.Join(ws.srcDir, "backend.tf"), []byte(backend), 0o644); err != nil {
		return fmt.Errorf("write backend config: %w", err)
	}
	return nil
}

// writeVarsFile writes the tool's JSON variables file. Variables are
// sanitized again here so credential-shaped keys can never reach a var file
// regardless of what callers pass.
func writeVarsFile(dir string, vars map[string]any) error {
	data, err := json.MarshalIndent(model.SanitizeVariables(vars), "", "  ")
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "terraform.tfvars.json"), data, 0o644); err != nil {
		return fmt.Errorf("write variables file: %w", err)
	}
	return nil
}

func (e *TerraformExecutor) runInit(ctx context.Context, ws *workspace, sink LogSink, reconfigure bool) error {
	args := []string{"init", "-input=false", "-no-color"}
	if reconfigure {
		sink.Ingest([]string{"Existing remote state found, reconfiguring backend"})
		args = append(args, "-reconfigure")
	}
	_, err := e.runCaptured(ctx, ws, initTimeout, sink, args...)
	return err
}

// applyPhase is one entry of the bundle's phase manifest. A phase without a
// target runs a full apply.
type applyPhase struct {
	Target string `json:"target"`
}

// loadApplyPhases reads the optional phase manifest. Missing, unparsable, or
// empty manifests all mean a single unphased apply.
func loadApplyPhases(srcDir string, logger *slog.Logger) []applyPhase {
	data, err := os.ReadFile(filepath.Join(srcDir, phaseManifestName))
	if err != nil {
		return nil
	}
	var manifest struct {
		ApplyPhases []applyPhase `json:"apply_phases"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		logger.Warn("could not parse phase manifest", "file", phaseManifestName, "error", err)
		return nil
	}
	return manifest.ApplyPhases
}

func (e *TerraformExecutor) runApply(ctx context.Context, in RunInput, ws *workspace) error {
	base := []string{"apply", "-auto-approve", "-input=false", "-no-color", "-var-file=terraform.tfvars.json"}

	phases := loadApplyPhases(ws.srcDir, e.logger)
	if len(phases) == 0 {
		return e.runStreamed(ctx, in.OperationID, ws, applyTimeout, in.Sink, base...)
	}

	for i, phase := range phases {
		target := strings.TrimSpace(phase.Target)
		args := base
		if target != "" {
			in.Sink.Ingest([]string{fmt.Sprintf("Phase %d/%d: apply -target=%s", i+1, len(phases), target)})
			args = append(append([]string{}, base...), "-target="+target)
		} else {
			in.Sink.Ingest([]string{fmt.Sprintf("Phase %d/%d: full apply", i+1, len(phases))})
		}
		if err := e.runStreamed(ctx, in.OperationID, ws, applyTimeout, in.Sink, args...); err != nil {
			return fmt.Errorf("apply phase %d/%d: %w", i+1, len(phases), err)
		}
	}
	return nil
}

// readOutputs runs the output subcommand and normalizes the result. Output
// retrieval is best effort once the apply has succeeded: a failure here is
// logged but never fails the run.
func (e *TerraformExecutor) readOutputs(ctx context.Context, ws *workspace, sink LogSink) (map[string]any, []model.OutputEntry) {
	raw, err := e.runCaptured(ctx, ws, outputTimeout, nil, "output", "-json")
	if err != nil {
		e.logger.Warn("output retrieval failed", "error", err)
		sink.Ingest([]string{"Warning: could not retrieve outputs: " + err.Error()})
		return map[string]any{}, nil
	}

	decoded, err := parseOutputs(bytes.TrimSpace(raw))
	if err != nil {
		e.logger.Warn("output parse failed", "error", err)
		sink.Ingest([]string{"Warning: could not parse outputs"})
		return map[string]any{}, nil
	}
	return flattenOutputs(decoded), displayOutputs(decoded)
}

// runCaptured runs a subcommand to completion, buffering its output. Stdout
// is forwarded to the sink when one is given. Used for init and output, which
// are short and not cancellable through the registry.
func (e *TerraformExecutor) runCaptured(ctx context.Context, ws *workspace, timeout time.Duration, sink LogSink, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.toolPath, args...)
	cmd.Dir = ws.srcDir
	cmd.Env = ws.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if sink != nil {
		sink.Ingest(strings.Split(stdout.String(), "\n"))
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s timed out after %s", args[0], timeout)
		}
		if sink != nil {
			sink.Ingest(strings.Split(stderr.String(), "\n"))
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s failed: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}

// runStreamed runs a long subcommand with combined output streamed line by
// line into the sink. The process is registered under the operation ID for
// the duration so cancellation can reach it.
func (e *TerraformExecutor) runStreamed(ctx context.Context, operationID string, ws *workspace, timeout time.Duration, sink LogSink, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.toolPath, args...)
	cmd.Dir = ws.srcDir
	cmd.Env = ws.env

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("start %s: %w", e.toolPath, err)
	}

	h := &cmdHandle{cmd: cmd, done: make(chan struct{})}
	e.registry.Register(operationID, h)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if line := strings.TrimRight(scanner.Text(), " \t"); strings.TrimSpace(line) != "" {
				sink.Ingest([]string{line})
			}
		}
		// A line over the scanner's limit aborts the loop. Keep draining so
		// the subprocess copy into pw never blocks on a missing reader, which
		// would wedge cmd.Wait.
		io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	close(h.done)
	pw.Close()
	<-readerDone
	pr.Close()
	e.registry.Unregister(operationID)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s", args[0], timeout)
		}
		return fmt.Errorf("%s %s failed: %w", e.toolPath, args[0], err)
	}
	return nil
}

// cmdHandle adapts an exec.Cmd to the registry's Handle interface.
type cmdHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *cmdHandle) Terminate() error {
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *cmdHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *cmdHandle) Done() <-chan struct{} {
	return h.done
}
