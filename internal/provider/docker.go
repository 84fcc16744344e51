package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	dockerDefaultImage     = "sanduku-runtime:latest"
	dockerDefaultMemoryMB  = 512
	dockerDefaultCPUCores  = 1.0
	dockerDefaultPIDsLimit = 128
	dockerDefaultWorkDir   = "/home/sandbox"
	dockerDefaultTimeout   = 2 * time.Minute
	dockerOpTimeout        = 15 * time.Second
)

// DockerConfig configures the local Docker adapter.
type DockerConfig struct {
	Image          string  // Container image. Default: "sanduku-runtime:latest".
	MemoryMB       int     // --memory hard limit. Default: 512.
	CPUCores       float64 // --cpus rate limit. Default: 1.0.
	PIDsLimit      int     // --pids-limit (prevents fork bombs). Default: 128.
	NetworkAllowed bool    // false = --network=none (no network stack at all).
	PublishPorts   bool    // true = -P so ExposePort can resolve host mappings.
}

// Docker runs sandboxes as long-lived local containers driven through the
// docker CLI.
//
// Security posture per container:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit and CPU rate limit
//   - stdout/stderr capped to prevent OOM on the host
type Docker struct {
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDocker creates the Docker adapter.
func NewDocker(cfg DockerConfig, logger *slog.Logger) *Docker {
	if cfg.Image == "" {
		cfg.Image = dockerDefaultImage
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = dockerDefaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = dockerDefaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = dockerDefaultPIDsLimit
	}
	return &Docker{cfg: cfg, logger: logger}
}

func (p *Docker) Name() string { return NameDocker }

// Create starts a detached container that idles until commands are
// exec'd into it.
func (p *Docker) Create(ctx context.Context, req CreateRequest) (*Handle, error) {
	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("docker: generating container name: %w", err)
	}

	image := p.cfg.Image
	if req.Template != "" {
		image = req.Template
	}

	args := p.buildRunArgs(name, req.Env)
	args = append(args, image, "sleep", "infinity")

	out, err := p.docker(ctx, args...)
	if err != nil {
		return nil, &Error{
			Provider:  NameDocker,
			Op:        "create",
			Message:   strings.TrimSpace(string(out)),
			Retryable: false,
			Err:       err,
		}
	}

	p.logger.InfoContext(ctx, "docker sandbox created",
		slog.String("container", name),
		slog.String("image", image),
		slog.Int("memory_mb", p.cfg.MemoryMB),
		slog.Float64("cpu_cores", p.cfg.CPUCores),
	)

	return &Handle{
		ProviderID: name,
		Provider:   NameDocker,
		WorkDir:    dockerDefaultWorkDir,
	}, nil
}

// buildRunArgs constructs the docker run argument list with the hardening
// flags. Image and command are NOT included, the caller appends them.
func (p *Docker) buildRunArgs(name string, env map[string]string) []string {
	memoryFlag := strconv.Itoa(p.cfg.MemoryMB) + "m"

	args := []string{
		"run", "-d",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // same as memory = swap disabled
		"--cpus=" + strconv.FormatFloat(p.cfg.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(p.cfg.PIDsLimit),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", dockerDefaultWorkDir + ":rw,nosuid,size=256m",

		"--env", "HOME=" + dockerDefaultWorkDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--workdir", dockerDefaultWorkDir,
	}

	if p.cfg.NetworkAllowed {
		args = append(args, "--network=bridge")
		if p.cfg.PublishPorts {
			args = append(args, "-P")
		}
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range env {
		args = append(args, "--env", k+"="+v)
	}
	return args
}

// Connect verifies the container exists and is running or paused.
// A missing container surfaces as ErrNotFound.
func (p *Docker) Connect(ctx context.Context, providerID string) (*Handle, error) {
	out, err := p.docker(ctx, "inspect", "--format", "{{.State.Status}}", providerID)
	if err != nil {
		if isNoSuchContainer(out) {
			return nil, fmt.Errorf("docker connect %s: %w", providerID, ErrNotFound)
		}
		return nil, &Error{
			Provider: NameDocker,
			Op:       "connect",
			Message:  strings.TrimSpace(string(out)),
			Err:      err,
		}
	}

	status := strings.TrimSpace(string(out))
	switch status {
	case "running":
	case "paused":
		if unpauseOut, err := p.docker(ctx, "unpause", providerID); err != nil {
			return nil, &Error{
				Provider: NameDocker,
				Op:       "connect",
				Message:  strings.TrimSpace(string(unpauseOut)),
				Err:      err,
			}
		}
	case "exited", "created":
		if startOut, err := p.docker(ctx, "start", providerID); err != nil {
			return nil, &Error{
				Provider: NameDocker,
				Op:       "connect",
				Message:  strings.TrimSpace(string(startOut)),
				Err:      err,
			}
		}
	default:
		return nil, fmt.Errorf("docker connect %s: container in state %q: %w", providerID, status, ErrNotFound)
	}

	return &Handle{
		ProviderID: providerID,
		Provider:   NameDocker,
		WorkDir:    dockerDefaultWorkDir,
	}, nil
}

// RunCommand executes a command inside the container via docker exec.
func (p *Docker) RunCommand(ctx context.Context, h *Handle, req CommandRequest) (*CommandResult, error) {
	if req.Command == "" {
		return nil, &Error{Provider: NameDocker, Op: "run_command", Message: "empty command"}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = dockerDefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"exec"}
	if req.Background {
		args = append(args, "-d")
	}
	workdir := req.WorkDir
	if workdir == "" {
		workdir = h.WorkDir
	}
	args = append(args, "--workdir", workdir)
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, h.ProviderID, "sh", "-c", req.Command)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			p.logger.Warn("docker exec timed out",
				slog.String("container", h.ProviderID),
				slog.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("docker run_command after %s: %w", timeout, ErrTimedOut)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, &Error{Provider: NameDocker, Op: "run_command", Message: "docker exec failed", Err: runErr}
		}
	}

	return &CommandResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// ReadFile reads a file from the container via docker exec cat.
func (p *Docker) ReadFile(ctx context.Context, h *Handle, filePath string) (string, error) {
	res, err := p.RunCommand(ctx, h, CommandRequest{Command: fmt.Sprintf("cat %q", filePath)})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "No such file") {
			return "", fmt.Errorf("docker read_file %s: %w", filePath, ErrNotFound)
		}
		return "", &Error{Provider: NameDocker, Op: "read_file", Message: strings.TrimSpace(res.Stderr)}
	}
	return res.Stdout, nil
}

// WriteFile writes a file into the container by piping content through
// docker exec stdin.
func (p *Docker) WriteFile(ctx context.Context, h *Handle, filePath, content string) error {
	ctx, cancel := context.WithTimeout(ctx, dockerDefaultTimeout)
	defer cancel()

	script := fmt.Sprintf("mkdir -p %q && cat > %q", dirOf(filePath), filePath)
	cmd := exec.CommandContext(ctx, "docker", "exec", "-i", h.ProviderID, "sh", "-c", script)
	cmd.Stdin = strings.NewReader(content)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return &Error{Provider: NameDocker, Op: "write_file", Message: strings.TrimSpace(string(out)), Err: err}
	}
	return nil
}

// Pause freezes all processes in the container.
func (p *Docker) Pause(ctx context.Context, h *Handle) error {
	if out, err := p.docker(ctx, "pause", h.ProviderID); err != nil {
		return &Error{Provider: NameDocker, Op: "pause", Message: strings.TrimSpace(string(out)), Err: err}
	}
	return nil
}

// Stop halts the container but keeps its filesystem.
func (p *Docker) Stop(ctx context.Context, h *Handle) error {
	if out, err := p.docker(ctx, "stop", "--time", "5", h.ProviderID); err != nil {
		return &Error{Provider: NameDocker, Op: "stop", Message: strings.TrimSpace(string(out)), Err: err}
	}
	return nil
}

// Delete force-removes the container. "No such container" counts as
// success.
func (p *Docker) Delete(ctx context.Context, providerID string) error {
	out, err := p.docker(ctx, "rm", "-f", providerID)
	if err != nil && !isNoSuchContainer(out) {
		return &Error{Provider: NameDocker, Op: "delete", Message: strings.TrimSpace(string(out)), Err: err}
	}
	p.logger.InfoContext(ctx, "docker sandbox removed", slog.String("container", providerID))
	return nil
}

// ExposePort resolves the host mapping for a container port. Requires the
// container to have been created with port publishing enabled.
func (p *Docker) ExposePort(ctx context.Context, h *Handle, port int) (string, error) {
	if !p.cfg.NetworkAllowed || !p.cfg.PublishPorts {
		return "", &Error{Provider: NameDocker, Op: "expose_port", Message: "port publishing disabled (network_allowed and publish_ports must both be set)"}
	}
	out, err := p.docker(ctx, "port", h.ProviderID, strconv.Itoa(port))
	if err != nil {
		return "", &Error{Provider: NameDocker, Op: "expose_port", Message: strings.TrimSpace(string(out)), Err: err}
	}
	// docker port prints one mapping per line, e.g. "0.0.0.0:32768".
	mapping := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if mapping == "" {
		return "", &Error{Provider: NameDocker, Op: "expose_port", Message: fmt.Sprintf("port %d is not published", port)}
	}
	return "http://" + strings.Replace(mapping, "0.0.0.0", "127.0.0.1", 1), nil
}

// Health verifies the docker daemon is reachable.
func (p *Docker) Health(ctx context.Context) error {
	if out, err := p.docker(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
		return &Error{Provider: NameDocker, Op: "health", Message: strings.TrimSpace(string(out)), Err: err}
	}
	return nil
}

// docker runs one docker CLI invocation with a bounded timeout and
// returns the combined output.
func (p *Docker) docker(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, dockerOpTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "docker", args...).CombinedOutput()
}

func isNoSuchContainer(out []byte) bool {
	return bytes.Contains(bytes.ToLower(out), []byte("no such container")) ||
		bytes.Contains(bytes.ToLower(out), []byte("no such object"))
}

func dirOf(filePath string) string {
	idx := strings.LastIndex(filePath, "/")
	if idx <= 0 {
		return "."
	}
	return filePath[:idx]
}

// limitedWriter caps the bytes written to w, silently discarding the rest.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > l.remaining {
		n = l.remaining
	}
	written, err := l.w.Write(p[:n])
	l.remaining -= written
	if err != nil {
		return written, err
	}
	return len(p), nil
}

// generateContainerName returns a unique container name: sanduku-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sanduku-sbx-" + hex.EncodeToString(b), nil
}
