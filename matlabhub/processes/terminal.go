package processes

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Terminal is the stdin device handed to the engine.
type Terminal struct {
	Controller *os.File // kept by the supervisor until the engine exits
	Device     *os.File // handed to the child as stdin
	// Controlling makes Device the child's controlling terminal.
	Controlling bool
}

// TerminalOpener allocates a Terminal for one engine run.
type TerminalOpener func() (*Terminal, error)

// OpenPTY allocates a pseudo-terminal pair.
func OpenPTY() (*Terminal, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &Terminal{Controller: ptmx, Device: tty, Controlling: true}, nil
}

// attach wires the terminal to cmd as stdin.
func (t *Terminal) attach(cmd *exec.Cmd) {
	cmd.Stdin = t.Device
	if t.Controlling {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	}
}

// releaseDevice closes the child's end once the child holds its own copy.
func (t *Terminal) releaseDevice() {
	if t.Device != nil {
		t.Device.Close()
		t.Device = nil
	}
}

func (t *Terminal) Close() {
	t.releaseDevice()
	if t.Controller != nil {
		t.Controller.Close()
		t.Controller = nil
	}
}
