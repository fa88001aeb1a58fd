//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type unixPty struct {
	f   *os.File
	cmd *exec.Cmd
}

func osStartPty(argv []string, cols, rows uint16) (PtyHandle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start %s under pty: %w", argv[0], err)
	}
	return &unixPty{f: f, cmd: cmd}, nil
}

func (p *unixPty) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPty) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *unixPty) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *unixPty) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *unixPty) Close() error {
	return p.f.Close()
}

// watchResize propagates SIGWINCH to the child and the screen tracker for
// as long as the session runs.
func (s *Supervisor) watchResize(ctx context.Context) {
	f, ok := s.opts.Stdout.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				cols, rows, err := term.GetSize(int(f.Fd()))
				if err != nil {
					continue
				}
				if err := s.Resize(uint16(cols), uint16(rows)); err != nil {
					s.log.Warn("resize failed", zap.Error(err))
				}
			}
		}
	}()
}
