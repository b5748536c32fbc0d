//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/spec"
	"arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultStdoutStderrMaxBytes int64 = 64 * 1024
	scrubRetryDelay                   = 200 * time.Millisecond
)

type linuxDriver struct {
	cfg Config

	mu   sync.Mutex
	busy map[int]bool
}

// NewDriver creates the Linux sandbox driver.
func NewDriver(cfg Config) (sandbox.Driver, error) {
	if cfg.BoxRoot == "" {
		return nil, errors.New(errors.SandboxSetupFailed).WithMessage("box root is required")
	}
	if cfg.StdoutStderrMaxBytes <= 0 {
		cfg.StdoutStderrMaxBytes = defaultStdoutStderrMaxBytes
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	return &linuxDriver{
		cfg:  cfg,
		busy: make(map[int]bool),
	}, nil
}

// Acquire scrubs box boxID and marks it busy. A scrub that fails is
// retried once after a short delay; a second failure is returned to the
// caller, who must treat the slot as lost.
func (d *linuxDriver) Acquire(ctx context.Context, boxID int) (*sandbox.Box, error) {
	if boxID < 0 {
		return nil, errors.Newf(errors.SandboxSetupFailed, "invalid box id %d", boxID)
	}

	d.mu.Lock()
	if d.busy[boxID] {
		d.mu.Unlock()
		return nil, errors.Newf(errors.SandboxSlotBusy, "box %d is already acquired", boxID)
	}
	d.busy[boxID] = true
	d.mu.Unlock()

	dir := d.boxDir(boxID)
	if err := scrubBox(dir); err != nil {
		logger.Warn(ctx, "box scrub failed, retrying", zap.Int("box", boxID), zap.Error(err))
		time.Sleep(scrubRetryDelay)
		if err := scrubBox(dir); err != nil {
			d.mu.Lock()
			delete(d.busy, boxID)
			d.mu.Unlock()
			return nil, errors.Wrapf(err, errors.SandboxSetupFailed, "box %d scrub failed twice", boxID)
		}
	}

	return &sandbox.Box{ID: boxID, Dir: dir}, nil
}

// Release scrubs the box and returns it to the free pool.
func (d *linuxDriver) Release(box *sandbox.Box) error {
	if box == nil {
		return errors.New(errors.SandboxSetupFailed).WithMessage("box is nil")
	}

	d.mu.Lock()
	delete(d.busy, box.ID)
	d.mu.Unlock()

	if err := scrubBox(box.Dir); err != nil {
		return errors.Wrapf(err, errors.SandboxSetupFailed, "box %d release scrub failed", box.ID)
	}
	return nil
}

func (d *linuxDriver) Run(ctx context.Context, box *sandbox.Box, runSpec spec.RunSpec) (sandbox.Report, error) {
	if box == nil {
		return internalReport(), errors.New(errors.SandboxRunFailed).WithMessage("box is nil")
	}
	if err := validateRunSpec(runSpec); err != nil {
		return internalReport(), err
	}
	if d.cfg.SeccompDir != "" && runSpec.Isolation.SeccompProfile != "" && !filepath.IsAbs(runSpec.Isolation.SeccompProfile) {
		runSpec.Isolation.SeccompProfile = filepath.Join(d.cfg.SeccompDir, runSpec.Isolation.SeccompProfile)
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	var err error
	if d.cfg.EnableCgroup {
		cgroupPath, cgroupCleanup, err = createRunCgroup(d.cfg.CgroupRoot, runSpec.SubmissionID, runSpec.Phase)
		if err != nil {
			return internalReport(), errors.Wrap(err, errors.SandboxSetupFailed)
		}
		if err := applyCgroupLimits(cgroupPath, runSpec.Limits); err != nil {
			cgroupCleanup()
			return internalReport(), errors.Wrap(err, errors.SandboxSetupFailed)
		}
	}
	defer cgroupCleanup()

	initReq := initRequest{
		RunSpec:       runSpec,
		EnableSeccomp: d.cfg.EnableSeccomp,
		EnableNs:      d.cfg.EnableNamespaces,
	}
	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return internalReport(), errors.Wrap(err, errors.SandboxRunFailed)
	}
	defer stdinPipe.Close()

	cmd := exec.CommandContext(ctx, d.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(runSpec.Isolation, d.cfg.EnableNamespaces)
	cmd.Stdin = stdinPipe

	// Program stdout/stderr are redirected to files inside the box by the
	// helper, so anything on the helper's own streams is setup noise.
	var helperStderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return internalReport(), errors.Wrap(err, errors.SandboxRunFailed)
	}

	if d.cfg.EnableCgroup {
		if err := addProcessToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if runSpec.Limits.WallTimeMs > 0 {
			wallTimer = time.After(time.Duration(runSpec.Limits.WallTimeMs) * time.Millisecond)
		}
		select {
		case <-ctx.Done():
			killProcessGroup(cmd.Process.Pid)
		case <-wallTimer:
			timedOut.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	wallMs := time.Since(start).Milliseconds()

	stdout, stdoutTrunc := readLimitedFile(runSpec.StdoutPath, d.cfg.StdoutStderrMaxBytes)
	stderr, stderrTrunc := readLimitedFile(runSpec.StderrPath, d.cfg.StdoutStderrMaxBytes)

	report := sandbox.Report{
		WallTimeMs:      wallMs,
		CPUTimeMs:       cpuTimeMs(cmd.ProcessState),
		PeakMemoryKB:    memoryPeakKB(cgroupPath, cmd.ProcessState),
		OutputKB:        fileSizeKB(runSpec.StdoutPath),
		Stdout:          stdout,
		Stderr:          stderr,
		StdoutTruncated: stdoutTrunc,
		StderrTruncated: stderrTrunc,
	}

	classifyExit(&report, cmd.ProcessState, waitErr, timedOut.Load(), wasOomKilled(cgroupPath), helperStderr.Len() > 0)

	if report.Kind == sandbox.ExitInternal && helperStderr.Len() > 0 {
		logger.Warn(ctx, "sandbox helper failed",
			zap.String("submission", runSpec.SubmissionID),
			zap.String("phase", runSpec.Phase),
			zap.String("stderr", helperStderr.String()))
	}

	return report, nil
}

// classifyExit orders termination causes: timeout beats memory beats
// signal; helper noise with a nonzero exit means the sandbox itself
// broke before the program ran.
func classifyExit(report *sandbox.Report, state *os.ProcessState, waitErr error, timedOut, oomKilled, helperNoise bool) {
	report.ExitCode = exitCode(state, waitErr)

	var signaled bool
	var sig syscall.Signal
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signaled = true
			sig = ws.Signal()
		}
	}

	switch {
	case timedOut:
		report.Kind = sandbox.ExitTimeout
	case oomKilled:
		report.Kind = sandbox.ExitMemory
	case signaled:
		report.Kind = sandbox.ExitSignal
		report.Signal = int(sig)
	case report.ExitCode == 0:
		report.Kind = sandbox.ExitOK
	case helperNoise:
		report.Kind = sandbox.ExitInternal
	default:
		report.Kind = sandbox.ExitRuntime
	}
}

func internalReport() sandbox.Report {
	return sandbox.Report{Kind: sandbox.ExitInternal}
}

func exitCode(state *os.ProcessState, waitErr error) int {
	if state != nil {
		return state.ExitCode()
	}
	if waitErr == nil {
		return 0
	}
	return -1
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		user := time.Duration(usage.Utime.Nano())
		sys := time.Duration(usage.Stime.Nano())
		return (user + sys).Milliseconds()
	}
	return 0
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func (d *linuxDriver) boxDir(boxID int) string {
	return filepath.Join(d.cfg.BoxRoot, fmt.Sprintf("box-%02d", boxID))
}

func scrubBox(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0750)
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.SubmissionID == "" {
		return errors.New(errors.SandboxRunFailed).WithMessage("submission id is required")
	}
	if runSpec.Phase == "" {
		return errors.New(errors.SandboxRunFailed).WithMessage("phase is required")
	}
	if runSpec.WorkDir == "" {
		return errors.New(errors.SandboxRunFailed).WithMessage("work dir is required")
	}
	if len(runSpec.Cmd) == 0 {
		return errors.New(errors.SandboxRunFailed).WithMessage("command is required")
	}
	return nil
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func readLimitedFile(path string, maxBytes int64) (string, bool) {
	if path == "" {
		return "", false
	}
	file, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return "", false
	}
	truncated := false
	if info, err := file.Stat(); err == nil && info.Size() > maxBytes {
		truncated = true
	}
	return string(data), truncated
}

func fileSizeKB(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size() / 1024
}

func buildSysProcAttr(isolation spec.Isolation, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if isolation.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
