package machine

import (
	"errors"
	"fmt"

	"github.com/tinyrange/cc/internal/hv"
)

// ErrGuestBreakpoint is the termination reason used by the seed test
// guests: a BRK instruction with no debugger attached means "the program
// is done, inspect registers." Real Linux guests never hit this path;
// they terminate via PSCI SYSTEM_OFF/SYSTEM_RESET instead.
var ErrGuestBreakpoint = errors.New("guest executed brk")

// TerminalError reports that Machine.Run stopped because the guest asked
// to stop, via PSCI CPU_OFF/SYSTEM_OFF/SYSTEM_RESET or a BRK, rather than because
// of a host-side failure. Err is one of hv.ErrVMHalted,
// hv.ErrGuestRequestedReboot, or ErrGuestBreakpoint; callers use
// errors.Is/errors.As against it to choose an exit code.
type TerminalError struct {
	Err       error
	PC        uint64
	Registers map[hv.Register]uint64
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("machine: guest terminated (%v) at pc=0x%x", e.Err, e.PC)
}

func (e *TerminalError) Unwrap() error { return e.Err }
