package session

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
)

// SpawnRequest describes one agent process launch.
type SpawnRequest struct {
	Command string
	Args    []string
	Dir     string
	// Env entries are appended to the parent environment.
	Env  []string
	Mode Mode
}

// Process is the manager's handle on a spawned agent. Wait is called exactly
// once, by the manager's exit watcher.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Stdin() io.WriteCloser
	Signal(sig os.Signal) error
	Wait() error
}

// Spawner launches agent processes. The default implementation execs the
// configured binary; tests substitute a fake.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

type execSpawner struct{}

func newExecSpawner() Spawner { return execSpawner{} }

// Spawn starts the agent. The command deliberately does not inherit ctx:
// the process must outlive the call that started it, and termination is the
// manager's job.
func (execSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, apperrors.MissingRequiredField("command")
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)

	if req.Mode == ModeInteractive {
		return spawnPTY(cmd)
	}
	return spawnPipes(cmd)
}

type pipeProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func spawnPipes(cmd *exec.Cmd) (Process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(err, "failed to start agent process")
	}
	return &pipeProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *pipeProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *pipeProcess) Stdout() io.Reader          { return p.stdout }
func (p *pipeProcess) Stderr() io.Reader          { return p.stderr }
func (p *pipeProcess) Stdin() io.WriteCloser      { return p.stdin }
func (p *pipeProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *pipeProcess) Wait() error                { return p.cmd.Wait() }

// ptyProcess runs the agent under a pseudo-terminal. Stdout and stdin share
// the pty master; stderr is merged into the stream by the terminal itself.
type ptyProcess struct {
	cmd    *exec.Cmd
	master *os.File
}

func spawnPTY(cmd *exec.Cmd) (Process, error) {
	master, err := pty.Start(cmd)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to start agent under pty")
	}
	return &ptyProcess{cmd: cmd, master: master}, nil
}

func (p *ptyProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *ptyProcess) Stdout() io.Reader          { return p.master }
func (p *ptyProcess) Stderr() io.Reader          { return strings.NewReader("") }
func (p *ptyProcess) Stdin() io.WriteCloser      { return p.master }
func (p *ptyProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *ptyProcess) Wait() error {
	err := p.cmd.Wait()
	p.master.Close()
	return err
}

// Resize adjusts the pseudo-terminal dimensions for interactive sessions.
func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.master, &pty.Winsize{Cols: cols, Rows: rows})
}

// exitCodeFromWait maps a Wait error to a process exit code: 0 on clean
// exit, the reported code on failure, -1 when the process was killed or the
// error carries no code.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}
