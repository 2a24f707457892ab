package trigger

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Restarter is the primitive that restarts the host. Implementations must not sync
// filesystems or notify init; the point is to work when userspace is wedged.
type Restarter interface {
	Name() string
	Restart() error
}

// DefaultSysRqPath is the procfs file that accepts magic SysRq commands.
const DefaultSysRqPath = "/proc/sysrq-trigger"

// SysRq restarts the host by writing 'b' to the SysRq trigger file.
type SysRq struct {
	Path string
}

func (s SysRq) Name() string { return "sysrq" }

func (s SysRq) Restart() error {
	path := s.Path
	if path == "" {
		path = DefaultSysRqPath
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte{'b'}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// RebootSyscall restarts the host with reboot(2).
type RebootSyscall struct{}

func (RebootSyscall) Name() string { return "reboot" }

func (RebootSyscall) Restart() error {
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot(2): %w", err)
	}
	return nil
}

// Recorder counts restarts instead of performing them. Err, when set, is returned
// from every call.
type Recorder struct {
	mu    sync.Mutex
	calls int
	Err   error
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Restart() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.Err
}

// Calls returns how many times Restart was invoked.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// NewRestarter maps a configured method name to its Restarter.
func NewRestarter(method, sysrqPath string) (Restarter, error) {
	switch method {
	case "sysrq", "":
		return SysRq{Path: sysrqPath}, nil
	case "reboot":
		return RebootSyscall{}, nil
	default:
		return nil, fmt.Errorf("unknown restart method %q", method)
	}
}
