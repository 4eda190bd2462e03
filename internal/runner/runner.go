// Package runner drives simulator containers through the docker CLI. One
// Run call is one container playing a fixed block of games; the worker
// runtime owns scheduling and state reporting.
package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"podsim/internal/config"
	"podsim/internal/model"

	"github.com/rs/zerolog/log"
)

// Exit codes reported for runs the worker ended itself. 124 and 137 follow
// the coreutils timeout and SIGKILL conventions.
const (
	ExitTimeout   = 124
	ExitCancelled = 137

	// exitRunnerError covers failures before the container produced an exit
	// code of its own, matching docker's own daemon-error code.
	exitRunnerError = 125

	// maxErrorLen caps how much stderr travels into the simulation row.
	maxErrorLen = 500

	MsgTimedOut  = "Container timed out"
	MsgCancelled = "Cancelled"
)

// Params describes one container run. Abort is the per-job cancellation
// signal; a closed channel stops the container with ExitCancelled.
type Params struct {
	JobID string
	SimID string
	Index int
	Games int
	Decks []model.Deck
	Abort <-chan struct{}
}

// Result is the outcome of one run. AlreadyRunning means a container with
// this name is live, which happens when the broker redelivers a task whose
// first delivery is still executing; callers ack and drop.
type Result struct {
	SimID          string
	Index          int
	ExitCode       int
	DurationMs     int64
	LogText        string
	ErrorMessage   string
	AlreadyRunning bool
}

// Runner executes simulator containers.
type Runner interface {
	// Run blocks until the container exits, times out, or is aborted.
	Run(ctx context.Context, params Params) Result

	// Prune removes orphaned simulation containers and dangling images.
	// Called once at worker boot before subscribing.
	Prune(ctx context.Context)
}

type dockerRunner struct {
	bin     string
	image   string
	ramMB   int
	cpus    int
	timeout time.Duration
}

// NewDocker builds the CLI-backed runner from the worker config.
func NewDocker(cfg config.WorkerConfig) Runner {
	bin := cfg.DockerBin
	if bin == "" {
		bin = "docker"
	}
	timeout := time.Duration(cfg.ContainerTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	return &dockerRunner{
		bin:     bin,
		image:   cfg.SimulationImage,
		ramMB:   cfg.RamPerSimMB,
		cpus:    cfg.CPUsPerSim,
		timeout: timeout,
	}
}

func (r *dockerRunner) Run(ctx context.Context, params Params) Result {
	res := Result{SimID: params.SimID, Index: params.Index}
	// Deterministic names make duplicate deliveries of one task collide.
	name := model.ContainerName(params.JobID, params.SimID)

	running, err := r.isRunning(ctx, name)
	if err != nil {
		res.ExitCode = exitRunnerError
		res.ErrorMessage = truncateError(err.Error())
		return res
	}
	if running {
		log.Warn().Str("container", name).Msg("Container already running, dropping duplicate task")
		res.AlreadyRunning = true
		return res
	}
	// A stopped leftover of the same name blocks the new run.
	r.forceRemove(ctx, name)

	args, err := r.runArgs(name, params)
	if err != nil {
		res.ExitCode = exitRunnerError
		res.ErrorMessage = truncateError(err.Error())
		return res
	}

	cmd := exec.Command(r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		res.ExitCode = exitRunnerError
		res.ErrorMessage = truncateError(err.Error())
		return res
	}

	log.Info().
		Str("container", name).
		Str("jobID", params.JobID).
		Int("games", params.Games).
		Msg("Started simulation container")

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		res.DurationMs = time.Since(started).Milliseconds()
		res.LogText = stdout.String()
		if err == nil {
			return res
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = exitRunnerError
		}
		res.ErrorMessage = truncateError(stderr.String())
		if res.ErrorMessage == "" {
			res.ErrorMessage = truncateError(err.Error())
		}
		return res

	case <-timer.C:
		r.stop(cmd, name, waitErr)
		res.DurationMs = time.Since(started).Milliseconds()
		res.LogText = stdout.String()
		res.ExitCode = ExitTimeout
		res.ErrorMessage = MsgTimedOut
		log.Warn().Str("container", name).Dur("after", r.timeout).Msg("Killed timed out container")
		return res

	case <-params.Abort:
	case <-ctx.Done():
	}

	// Job cancellation and worker shutdown look the same to the container.
	r.stop(cmd, name, waitErr)
	res.DurationMs = time.Since(started).Milliseconds()
	res.LogText = stdout.String()
	res.ExitCode = ExitCancelled
	res.ErrorMessage = MsgCancelled
	log.Info().Str("container", name).Msg("Aborted simulation container")
	return res
}

// runArgs builds the docker run invocation. Decks travel base64-encoded in
// DECK_1..DECK_4 so newlines in deck contents survive the environment.
func (r *dockerRunner) runArgs(name string, params Params) ([]string, error) {
	args := []string{
		"run",
		"--name", name,
		"--memory", fmt.Sprintf("%dm", r.ramMB),
		"--cpus", fmt.Sprintf("%d", r.cpus),
		"-e", fmt.Sprintf("GAMES=%d", params.Games),
		"-e", fmt.Sprintf("SIM_INDEX=%d", params.Index),
	}
	if len(params.Decks) != 4 {
		return nil, fmt.Errorf("expected 4 decks, got %d", len(params.Decks))
	}
	for i, deck := range params.Decks {
		payload, err := json.Marshal(deck)
		if err != nil {
			return nil, fmt.Errorf("failed to encode deck %q: %w", deck.Name, err)
		}
		args = append(args, "-e", fmt.Sprintf("DECK_%d=%s", i+1, base64.StdEncoding.EncodeToString(payload)))
	}
	return append(args, r.image), nil
}

// stop tears one run down: SIGTERM the CLI client, force-remove the
// container so the daemon kills the workload, then reap the process.
func (r *dockerRunner) stop(cmd *exec.Cmd, name string, waitErr <-chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.forceRemove(ctx, name)

	select {
	case <-waitErr:
	case <-time.After(10 * time.Second):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitErr
	}
}

func (r *dockerRunner) isRunning(ctx context.Context, name string) (bool, error) {
	out, err := exec.CommandContext(ctx, r.bin, "ps", "-q", "--filter", "name=^"+name+"$").Output()
	if err != nil {
		return false, fmt.Errorf("failed to list containers: %w", err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

func (r *dockerRunner) forceRemove(ctx context.Context, name string) {
	if err := exec.CommandContext(ctx, r.bin, "rm", "-f", name).Run(); err != nil {
		// Missing containers land here too; only worth a trace.
		log.Debug().Err(err).Str("container", name).Msg("Failed to remove container")
	}
}

// Prune clears leftovers of crashed workers: every sim-* container
// regardless of state, then dangling images from superseded simulator tags.
func (r *dockerRunner) Prune(ctx context.Context) {
	out, err := exec.CommandContext(ctx, r.bin, "ps", "-aq", "--filter", "name=sim-").Output()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list orphaned containers")
		return
	}

	ids := strings.Fields(string(out))
	if len(ids) > 0 {
		args := append([]string{"rm", "-f"}, ids...)
		if err := exec.CommandContext(ctx, r.bin, args...).Run(); err != nil {
			log.Warn().Err(err).Int("containers", len(ids)).Msg("Failed to remove orphaned containers")
		} else {
			log.Info().Int("containers", len(ids)).Msg("Pruned orphaned simulation containers")
		}
	}

	if err := exec.CommandContext(ctx, r.bin, "image", "prune", "-f").Run(); err != nil {
		log.Warn().Err(err).Msg("Failed to prune dangling images")
	}
}

func truncateError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}
