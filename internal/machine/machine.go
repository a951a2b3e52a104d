// Package machine implements the exit-handler loop and exception decoder
// that ties the GIC, Generic Timer, MMIO bus, and PSCI surface together
// into a running single-vCPU guest.
package machine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/cc/internal/gic"
	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/mmiobus"
	"github.com/tinyrange/cc/internal/timer"
)

// generalRegisters lists every register a guest-visible snapshot (the one
// attached to a TerminalError, or read back by a seed test) captures.
var generalRegisters = []hv.Register{
	hv.RegisterARM64X0, hv.RegisterARM64X1, hv.RegisterARM64X2, hv.RegisterARM64X3,
	hv.RegisterARM64X4, hv.RegisterARM64X5, hv.RegisterARM64X6, hv.RegisterARM64X7,
	hv.RegisterARM64X8, hv.RegisterARM64X9, hv.RegisterARM64X10, hv.RegisterARM64X11,
	hv.RegisterARM64X12, hv.RegisterARM64X13, hv.RegisterARM64X14, hv.RegisterARM64X15,
	hv.RegisterARM64X16, hv.RegisterARM64X17, hv.RegisterARM64X18, hv.RegisterARM64X19,
	hv.RegisterARM64X20, hv.RegisterARM64X21, hv.RegisterARM64X22, hv.RegisterARM64X23,
	hv.RegisterARM64X24, hv.RegisterARM64X25, hv.RegisterARM64X26, hv.RegisterARM64X27,
	hv.RegisterARM64X28, hv.RegisterARM64X29, hv.RegisterARM64X30,
	hv.RegisterARM64Sp, hv.RegisterARM64Pc, hv.RegisterARM64Pstate,
}

// Quiescent values for the guest's virtual-timer comparator: disabled,
// masked, compare value saturated. The exit loop writes these into the
// hardware registers before every vCPU entry so the hardware comparator
// can never raise a FIQ behind the emulated GIC's back; reading them back
// afterwards doubles as a sentinel meaning "the guest did not reprogram
// its timer during this run".
const (
	vtimerCTLQuiescent  = uint64(0x2) // ENABLE clear, IMASK set
	vtimerCVALQuiescent = uint64(1<<63 - 1)
)

// WFI sleep bounds: cap how long the host thread naps so a device raising
// an interrupt off-loop is seen promptly, and idle briefly when the guest
// waits with no timer armed at all.
const (
	wfiMaxSleep  = 10 * time.Millisecond
	wfiIdleSleep = 100 * time.Microsecond
)

// Machine runs one vCPU's exit loop against a fixed set of emulated
// devices. It owns no devices directly; the GIC, Timer, and MMIO bus are
// constructed by the caller (cmd/cc) and shared with it so device wiring
// stays outside this package.
type Machine struct {
	vm    hv.VirtualMachine
	vcpu  hv.VirtualCPU
	bus   *mmiobus.Bus
	gic   *gic.GIC
	timer *timer.Timer

	facade *Facade
	log    *slog.Logger
	start  time.Time
}

// New returns a Machine ready to Run. It masks the host primitive's
// hardware virtual-timer FIQ delivery and parks the guest's comparator at
// its quiescent values: timer expiry is detected by the software
// Timer's predicate and delivered through the GIC as IRQ 27, never as a
// hardware FIQ.
func New(vm hv.VirtualMachine, vcpu hv.VirtualCPU, bus *mmiobus.Bus, g *gic.GIC, tm *timer.Timer, log *slog.Logger) (*Machine, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	m := &Machine{
		vm:     vm,
		vcpu:   vcpu,
		bus:    bus,
		gic:    g,
		timer:  tm,
		facade: NewFacade(g, tm),
		log:    log,
		start:  time.Now(),
	}
	if err := vcpu.SetVtimerMask(true); err != nil {
		return nil, fmt.Errorf("machine: mask hardware vtimer: %w", err)
	}
	if err := vcpu.SetTrapDebugExceptions(true); err != nil {
		return nil, fmt.Errorf("machine: trap debug exceptions: %w", err)
	}
	if err := m.disarmHardwareTimer(); err != nil {
		return nil, err
	}
	return m, nil
}

// Facade returns the interrupt-controller facade this machine drives over
// the same GIC/Timer pair the exit loop polls. It has no method for raising
// an arbitrary IRQ; device code such as virtio's notify handler raises IRQs
// on the shared GIC directly.
func (m *Machine) Facade() *Facade { return m.facade }

// Run drives the exit loop until the guest terminates (PSCI CPU_OFF /
// SYSTEM_OFF / SYSTEM_RESET, or a BRK in the seed-test guests) or ctx is canceled.
// A *TerminalError return means the guest asked to stop; a plain error
// means a host-side failure.
//
// The per-iteration order is fixed: poll the timer into the GIC,
// assert the vCPU's interrupt lines, shadow the guest's timer programming
// into software, disarm the hardware comparator, run, capture the guest's
// timer writes back, detect a software-timer fire, then decode the exit.
func (m *Machine) Run(ctx context.Context) (*TerminalError, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.tick()
		if err := m.assertInterruptLines(); err != nil {
			return nil, err
		}
		if err := m.syncGuestTimer(); err != nil {
			return nil, err
		}
		if err := m.disarmHardwareTimer(); err != nil {
			return nil, err
		}

		info, err := m.vcpu.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("machine: vcpu run: %w", err)
		}

		if err := m.syncGuestTimer(); err != nil {
			return nil, err
		}
		m.tick()

		switch info.Reason {
		case hv.ExitReasonCanceled:
			return nil, ctx.Err()

		case hv.ExitReasonVTimerActivated:
			// The hardware comparator fired while masked. The shadow state
			// captured above makes the software predicate agree, but set the
			// PPI explicitly rather than trusting the race-free path alone.
			m.gic.SetPending(uint32(timer.VirtTimerIRQ), true)
			continue

		case hv.ExitReasonVTimerDeactivated:
			continue

		case hv.ExitReasonException:
			term, err := m.handleException(ctx, info)
			if err != nil {
				return nil, err
			}
			if term != nil {
				m.log.Info("guest terminated", "reason", term.Err, "pc", fmt.Sprintf("0x%x", term.PC))
				return term, nil
			}

		default:
			return nil, fmt.Errorf("machine: unknown exit reason %v", info.Reason)
		}
	}
}

// tick advances the software timer to the current host time and pushes any
// comparator that is now firing into the GIC's pending state.
func (m *Machine) tick() {
	m.timer.Advance(uint64(time.Since(m.start).Nanoseconds()))
	m.facade.PollTimerIRQs()
}

// assertInterruptLines raises or lowers the vCPU's IRQ line from the GIC's
// current deliverable state, ahead of entry, and keeps the FIQ line
// permanently deasserted: nothing in this machine delivers FIQs (the
// hardware vtimer, the one FIQ source the host primitive has, is masked).
func (m *Machine) assertInterruptLines() error {
	pending := m.facade.HasPendingDeliverable()
	if err := m.vcpu.SetPendingInterrupt(true, pending); err != nil {
		return fmt.Errorf("machine: set pending IRQ: %w", err)
	}
	if err := m.vcpu.SetPendingInterrupt(false, false); err != nil {
		return fmt.Errorf("machine: clear pending FIQ: %w", err)
	}
	return nil
}

// syncGuestTimer copies the guest's virtual-timer programming out of the
// hardware registers into the software Timer. Reading back the quiescent
// sentinel means the guest has not touched the comparator since the last
// disarm, in which case the software state is left alone.
func (m *Machine) syncGuestTimer() error {
	ctl, err := m.vcpu.GetSysReg("CNTV_CTL_EL0")
	if err != nil {
		return fmt.Errorf("machine: read CNTV_CTL_EL0: %w", err)
	}
	cval, err := m.vcpu.GetSysReg("CNTV_CVAL_EL0")
	if err != nil {
		return fmt.Errorf("machine: read CNTV_CVAL_EL0: %w", err)
	}
	if ctl == vtimerCTLQuiescent && cval == vtimerCVALQuiescent {
		return nil
	}
	m.timer.WriteVirtualControl(ctl)
	m.timer.WriteVirtualCompareValue(cval)
	return nil
}

// disarmHardwareTimer parks the guest-visible comparator at its quiescent
// values so no hardware FIQ can arise during the next run; expiry is
// detected purely by the software Timer's predicate instead.
func (m *Machine) disarmHardwareTimer() error {
	if err := m.vcpu.SetSysReg("CNTV_CTL_EL0", vtimerCTLQuiescent); err != nil {
		return fmt.Errorf("machine: quiesce CNTV_CTL_EL0: %w", err)
	}
	if err := m.vcpu.SetSysReg("CNTV_CVAL_EL0", vtimerCVALQuiescent); err != nil {
		return fmt.Errorf("machine: quiesce CNTV_CVAL_EL0: %w", err)
	}
	return nil
}

func (m *Machine) advancePC() error {
	pc, err := m.readRegister(hv.RegisterARM64Pc)
	if err != nil {
		return err
	}
	return m.writeRegister(hv.RegisterARM64Pc, pc+4)
}

func (m *Machine) readRegister(reg hv.Register) (uint64, error) {
	regs := map[hv.Register]hv.RegisterValue{reg: hv.Register64(0)}
	if err := m.vcpu.GetRegisters(regs); err != nil {
		return 0, fmt.Errorf("machine: read register %s: %w", reg, err)
	}
	return uint64(regs[reg].(hv.Register64)), nil
}

func (m *Machine) writeRegister(reg hv.Register, value uint64) error {
	if reg == hv.RegisterARM64Xzr {
		return nil
	}
	regs := map[hv.Register]hv.RegisterValue{reg: hv.Register64(value)}
	if err := m.vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("machine: write register %s: %w", reg, err)
	}
	return nil
}

// snapshot reads every general-purpose register plus PC, for attaching to
// a TerminalError or inspecting after a seed test's guest finishes.
func (m *Machine) snapshot() (map[hv.Register]uint64, uint64, error) {
	regs := make(map[hv.Register]hv.RegisterValue, len(generalRegisters))
	for _, r := range generalRegisters {
		regs[r] = hv.Register64(0)
	}
	if err := m.vcpu.GetRegisters(regs); err != nil {
		return nil, 0, fmt.Errorf("machine: read register snapshot: %w", err)
	}
	out := make(map[hv.Register]uint64, len(regs))
	for r, v := range regs {
		out[r] = uint64(v.(hv.Register64))
	}
	return out, out[hv.RegisterARM64Pc], nil
}
