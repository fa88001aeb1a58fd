//go:build windows

package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/UserExistsError/conpty"
)

type windowsPty struct {
	cpty *conpty.ConPty
}

func osStartPty(argv []string, cols, rows uint16) (PtyHandle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmdLine := strings.Join(argv, " ")
	cpty, err := conpty.Start(cmdLine, conpty.ConPtyDimensions(int(cols), int(rows)))
	if err != nil {
		return nil, fmt.Errorf("start %s under conpty: %w", argv[0], err)
	}
	return &windowsPty{cpty: cpty}, nil
}

func (p *windowsPty) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPty) Write(b []byte) (int, error) { return p.cpty.Write(b) }

func (p *windowsPty) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

func (p *windowsPty) Wait() (int, error) {
	code, err := p.cpty.Wait(context.Background())
	return int(code), err
}

func (p *windowsPty) Close() error {
	return p.cpty.Close()
}

// watchResize is a no-op: conpty sessions have no SIGWINCH equivalent.
func (s *Supervisor) watchResize(ctx context.Context) {}
