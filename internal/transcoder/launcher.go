package transcoder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running worker.
type Process interface {
	Pid() int
	// Stdout carries MPEG-TS. The caller reads it; the supervisor closes it
	// once the process has exited.
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Interrupt() error
	Kill() error
	Wait() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, args []string) (Process, error)
}

// ExecLauncher runs Path (normally ffmpeg) as a child process.
type ExecLauncher struct {
	Path string
}

// Launch starts the child with stdout and stderr on os pipes so Wait never
// closes a reader the caller is still draining.
func (l ExecLauncher) Launch(ctx context.Context, args []string) (Process, error) {
	path := l.Path
	if path == "" {
		path = "ffmpeg"
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	// Termination is driven by the supervisor (interrupt, grace, kill), not ctx.
	cmd := exec.Command(path, args...)
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	outW.Close()
	errW.Close()
	return &execProcess{cmd: cmd, stdout: outR, stderr: errR}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *execProcess) Interrupt() error      { return p.cmd.Process.Signal(os.Interrupt) }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
