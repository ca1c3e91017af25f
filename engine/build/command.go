package build

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildsmith/buildsmith/engine/platform"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

// Stream identifies which pipe a captured line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Outcome classifies how a command run ended short of a hard failure.
type Outcome int

const (
	// OutcomeOK is a zero exit.
	OutcomeOK Outcome = iota
	// OutcomeSkipped marks a tool that reported an unknown target; pipeline
	// steps may name optional targets.
	OutcomeSkipped
	// OutcomeCancelled means the cancel flag fired and the process group was
	// torn down.
	OutcomeCancelled
)

// LineSink receives every captured output line. isProgress marks compiler
// progress counters, which are streamed live but never persisted.
type LineSink func(line string, stream Stream, isProgress bool)

// Runner executes one shell command with live line capture and cooperative
// cancel. A non-zero exit is reported through the error return with a tail of
// stderr; cancellation and unknown-target skips come back as outcomes.
type Runner interface {
	Run(ctx context.Context, command, dir string, cancelled *atomic.Bool, sink LineSink) (Outcome, error)
}

// progressRe matches ninja-style progress counters like [123/4567].
var progressRe = regexp.MustCompile(`^\[\d+/\d+\]`)

// IsProgressLine reports whether line is a compiler progress counter.
func IsProgressLine(line string) bool {
	return progressRe.MatchString(strings.TrimLeft(line, " \t"))
}

// cancelPollInterval is how often the watcher re-reads the cancel flag while
// the process runs. Compilations run for hours, so this stays coarse.
const cancelPollInterval = 100 * time.Millisecond

// stderrTailLines bounds the stderr excerpt attached to failure errors.
const stderrTailLines = 20

// ExecRunner runs commands through the platform shell in their own process
// group so compiler worker trees die with the parent.
type ExecRunner struct {
	plat platform.Platform
}

func NewExecRunner(plat platform.Platform) *ExecRunner {
	return &ExecRunner{plat: plat}
}

func (r *ExecRunner) Run(ctx context.Context, command, dir string, cancelled *atomic.Bool, sink LineSink) (Outcome, error) {
	if cancelled != nil && cancelled.Load() {
		return OutcomeCancelled, nil
	}
	cmd := exec.Command(r.plat.Shell, r.plat.ShellFlag, command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return OutcomeOK, fmt.Errorf("build: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return OutcomeOK, fmt.Errorf("build: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return OutcomeOK, fmt.Errorf("build: start %q: %w", command, err)
	}

	var (
		wg            sync.WaitGroup
		tailMu        sync.Mutex
		stderrTail    []string
		unknownTarget atomic.Bool
		wasCancelled  atomic.Bool
	)

	readLines := func(stream Stream, scan *bufio.Scanner) {
		defer wg.Done()
		for scan.Scan() {
			if cancelled != nil && cancelled.Load() {
				wasCancelled.Store(true)
				return
			}
			line := scan.Text()
			if stream == Stderr {
				tailMu.Lock()
				stderrTail = append(stderrTail, line)
				if len(stderrTail) > stderrTailLines {
					stderrTail = stderrTail[1:]
				}
				tailMu.Unlock()
				if strings.Contains(line, "unknown target") {
					unknownTarget.Store(true)
				}
			}
			if sink != nil {
				sink(line, stream, stream == Stdout && IsProgressLine(line))
			}
		}
	}

	wg.Add(2)
	go readLines(Stdout, newLineScanner(stdout))
	go readLines(Stderr, newLineScanner(stderr))

	// Watch the cancel flag and the context; either tears the group down.
	watchDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ctx.Done():
				wasCancelled.Store(true)
				killProcessGroup(cmd)
				return
			case <-ticker.C:
				if cancelled != nil && cancelled.Load() {
					wasCancelled.Store(true)
					killProcessGroup(cmd)
					return
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	close(watchDone)
	wg.Wait()

	if wasCancelled.Load() || (cancelled != nil && cancelled.Load()) {
		// The group may still be winding down; make sure nothing lingers.
		killProcessGroup(cmd)
		logger.Info("command cancelled", "command", command)
		return OutcomeCancelled, nil
	}
	if waitErr != nil {
		if unknownTarget.Load() {
			return OutcomeSkipped, nil
		}
		tailMu.Lock()
		tail := strings.Join(stderrTail, "\n")
		tailMu.Unlock()
		return OutcomeOK, fmt.Errorf("build: %q failed: %w\n%s", command, waitErr, tail)
	}
	if unknownTarget.Load() {
		return OutcomeSkipped, nil
	}
	return OutcomeOK, nil
}

// newLineScanner sizes the scanner for compiler output, which can emit very
// long single lines (link command echoes).
func newLineScanner(r interface{ Read([]byte) (int, error) }) *bufio.Scanner {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64*1024), 1024*1024)
	return scan
}
