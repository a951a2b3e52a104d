package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/timer"
)

// ESR_EL2 Exception Class values this core decodes (ARMv8 ARM D17.2.33).
const (
	ecWFIWFE    = 0x01
	ecHVC       = 0x16
	ecMSRMRS    = 0x18
	ecDataAbort = 0x24
	ecBRK       = 0x3C
)

// handleException dispatches a single ExitReasonException exit by its EC
// field. A non-nil *TerminalError means the guest asked to stop; a non-nil
// error means a host-side failure the caller should propagate.
func (m *Machine) handleException(ctx context.Context, info hv.ExitInfo) (*TerminalError, error) {
	switch info.ExceptionClass() {
	case ecDataAbort:
		return nil, m.handleDataAbort(ctx, info)
	case ecMSRMRS:
		return nil, m.handleSysReg(info)
	case ecHVC:
		return m.handleHVC()
	case ecWFIWFE:
		return nil, m.handleWFI(ctx)
	case ecBRK:
		regs, pc, err := m.snapshot()
		if err != nil {
			return nil, err
		}
		return &TerminalError{Err: ErrGuestBreakpoint, PC: pc, Registers: regs}, nil
	default:
		return nil, fmt.Errorf("machine: unhandled exception class 0x%x (esr=0x%x)", info.ExceptionClass(), info.Syndrome)
	}
}

// --- data abort (EC 0x24) ----------------------------------------------

const (
	issDataAbortISVBit = 1 << 24
	issDataAbortWnRBit = 1 << 6
)

func issDataAbortSAS(iss uint64) uint64 { return (iss >> 22) & 0x3 }
func issDataAbortSRT(iss uint64) uint64 { return (iss >> 16) & 0x1F }

// handleDataAbort services a Stage 2 data abort against the MMIO bus: a
// synchronous fault means the faulting address belongs to no backed RAM,
// which for this machine means it is a device register.
func (m *Machine) handleDataAbort(ctx context.Context, info hv.ExitInfo) error {
	iss := info.Syndrome & 0x01FF_FFFF
	if iss&issDataAbortISVBit == 0 {
		return fmt.Errorf("machine: data abort with ISV=0 is not decodable (esr=0x%x)", info.Syndrome)
	}

	size := uint64(1) << issDataAbortSAS(iss)
	rt := int(issDataAbortSRT(iss))
	reg, ok := hv.ArchRegisterFromIndex(rt)
	if !ok {
		return fmt.Errorf("machine: data abort names invalid register index %d", rt)
	}

	addr := info.PhysicalAddress
	write := iss&issDataAbortWnRBit != 0

	if write {
		value, err := m.readRegister(reg)
		if err != nil {
			return err
		}
		buf := make([]byte, size)
		for i := uint64(0); i < size; i++ {
			buf[i] = byte(value >> (8 * i))
		}
		if err := m.bus.Write(hv.NewExitContext(), addr, buf); err != nil {
			return fmt.Errorf("machine: mmio write at 0x%x: %w", addr, err)
		}
	} else {
		buf := make([]byte, size)
		if err := m.bus.Read(hv.NewExitContext(), addr, buf); err != nil {
			return fmt.Errorf("machine: mmio read at 0x%x: %w", addr, err)
		}
		var value uint64
		for i := uint64(0); i < size; i++ {
			value |= uint64(buf[i]) << (8 * i)
		}
		if reg != hv.RegisterARM64Xzr {
			if err := m.writeRegister(reg, value); err != nil {
				return err
			}
		}
	}

	return m.advancePC()
}

// --- WFI/WFE (EC 0x01) ----------------------------------------------------

// handleWFI implements the idle strategy: if an interrupt is
// already deliverable the guest resumes immediately; otherwise the host
// thread naps until the next timer deadline, capped at wfiMaxSleep, or for
// wfiIdleSleep when no timer is armed at all. PC advances either way —
// Linux's idle loop re-issues WFI on its next pass, so a spurious wake
// costs one loop iteration, not correctness.
func (m *Machine) handleWFI(ctx context.Context) error {
	m.tick()
	if !m.facade.HasPendingDeliverable() {
		sleep := wfiIdleSleep
		if ns, ok := m.facade.TimeUntilNextEvent(); ok {
			sleep = min(time.Duration(ns), wfiMaxSleep)
		}
		if sleep > 0 {
			t := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		m.tick()
	}
	return m.advancePC()
}

// --- trapped MSR/MRS (EC 0x18) ------------------------------------------

// sysregKey identifies a system register by its Op0/Op1/CRn/CRm/Op2
// quintuple, exactly as ESR_EL2.ISS encodes it for EC=0x18 (Linux's
// ESR_ELx_SYS64_ISS_* layout: Op0[21:20], Op2[19:17], Op1[16:14],
// CRn[13:10], Rt[9:5], CRm[4:1], Direction[0]).
type sysregKey struct{ op0, op1, crn, crm, op2 uint8 }

var (
	sysregCNTFRQ   = sysregKey{3, 3, 14, 0, 0}
	sysregCNTPCT   = sysregKey{3, 3, 14, 0, 1}
	sysregCNTVCT   = sysregKey{3, 3, 14, 0, 2}
	sysregCNTPTVAL = sysregKey{3, 3, 14, 2, 0}
	sysregCNTPCTL  = sysregKey{3, 3, 14, 2, 1}
	sysregCNTPCVAL = sysregKey{3, 3, 14, 2, 2}
	sysregCNTVTVAL = sysregKey{3, 3, 14, 3, 0}
	sysregCNTVCTL  = sysregKey{3, 3, 14, 3, 1}
	sysregCNTVCVAL = sysregKey{3, 3, 14, 3, 2}
	sysregCNTVOFF  = sysregKey{3, 4, 14, 0, 3}
)

func decodeSysregISS(iss uint64) (key sysregKey, rt int, isRead bool) {
	key = sysregKey{
		op0: uint8((iss >> 20) & 0x3),
		op1: uint8((iss >> 14) & 0x7),
		crn: uint8((iss >> 10) & 0xF),
		crm: uint8((iss >> 1) & 0xF),
		op2: uint8((iss >> 17) & 0x7),
	}
	rt = int((iss >> 5) & 0x1F)
	isRead = iss&1 != 0
	return key, rt, isRead
}

// handleSysReg emulates the timer's ten CNT*-family registers entirely in
// software, falling back to "MRS reads 0, MSR is a no-op" for
// every other trapped register (confirmed against an unmapped ID register
// by the original implementation's sysreg test).
func (m *Machine) handleSysReg(info hv.ExitInfo) error {
	iss := info.Syndrome & 0x01FF_FFFF
	key, rt, isRead := decodeSysregISS(iss)

	reg, ok := hv.ArchRegisterFromIndex(rt)
	if !ok {
		return fmt.Errorf("machine: trapped sysreg names invalid register index %d", rt)
	}

	if isRead {
		value := m.readTimerSysReg(key)
		if reg != hv.RegisterARM64Xzr {
			if err := m.writeRegister(reg, value); err != nil {
				return err
			}
		}
	} else if isTimerSysReg(key) {
		value, err := m.readRegister(reg)
		if err != nil {
			return err
		}
		m.writeTimerSysReg(key, value)
	}
	// Unrecognized MSR target: no-op, matching the "writes as no-op"
	// fallback.

	return m.advancePC()
}

func isTimerSysReg(key sysregKey) bool {
	switch key {
	case sysregCNTFRQ, sysregCNTPCT, sysregCNTVCT, sysregCNTPTVAL, sysregCNTPCTL,
		sysregCNTPCVAL, sysregCNTVTVAL, sysregCNTVCTL, sysregCNTVCVAL, sysregCNTVOFF:
		return true
	default:
		return false
	}
}

func (m *Machine) readTimerSysReg(key sysregKey) uint64 {
	switch key {
	case sysregCNTFRQ:
		return timer.FrequencyHz
	case sysregCNTPCT:
		return m.timer.PhysicalCount()
	case sysregCNTVCT:
		return m.timer.VirtualCount()
	case sysregCNTPTVAL:
		return uint64(m.timer.ReadPhysicalTimerValue())
	case sysregCNTPCTL:
		return m.timer.ReadPhysicalControl()
	case sysregCNTPCVAL:
		return m.timer.ReadPhysicalCompareValue()
	case sysregCNTVTVAL:
		return uint64(m.timer.ReadVirtualTimerValue())
	case sysregCNTVCTL:
		return m.timer.ReadVirtualControl()
	case sysregCNTVCVAL:
		return m.timer.ReadVirtualCompareValue()
	case sysregCNTVOFF:
		return m.timer.VirtualOffset()
	default:
		return 0
	}
}

func (m *Machine) writeTimerSysReg(key sysregKey, value uint64) {
	switch key {
	case sysregCNTPTVAL:
		m.timer.WritePhysicalTimerValue(uint32(value))
	case sysregCNTPCTL:
		m.timer.WritePhysicalControl(value)
	case sysregCNTPCVAL:
		m.timer.WritePhysicalCompareValue(value)
	case sysregCNTVTVAL:
		m.timer.WriteVirtualTimerValue(uint32(value))
	case sysregCNTVCTL:
		m.timer.WriteVirtualControl(value)
	case sysregCNTVCVAL:
		m.timer.WriteVirtualCompareValue(value)
	case sysregCNTVOFF:
		m.timer.SetVirtualOffset(value)
	default:
		// CNTFRQ/CNTPCT/CNTVCT are read-only; a guest write is ignored.
	}
}

// --- HVC / PSCI (EC 0x16) ------------------------------------------------

func (m *Machine) handleHVC() (*TerminalError, error) {
	args := map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64X0: hv.Register64(0),
		hv.RegisterARM64X1: hv.Register64(0),
		hv.RegisterARM64X2: hv.Register64(0),
		hv.RegisterARM64X3: hv.Register64(0),
	}
	if err := m.vcpu.GetRegisters(args); err != nil {
		return nil, fmt.Errorf("machine: read HVC arguments: %w", err)
	}
	x0 := uint64(args[hv.RegisterARM64X0].(hv.Register64))
	x1 := uint64(args[hv.RegisterARM64X1].(hv.Register64))
	x2 := uint64(args[hv.RegisterARM64X2].(hv.Register64))
	x3 := uint64(args[hv.RegisterARM64X3].(hv.Register64))

	result, terminate := psciDispatch(x0, x1, x2, x3)
	if terminate != nil {
		regs, pc, err := m.snapshot()
		if err != nil {
			return nil, err
		}
		return &TerminalError{Err: terminate, PC: pc, Registers: regs}, nil
	}

	if err := m.writeRegister(hv.RegisterARM64X0, result); err != nil {
		return nil, err
	}
	// Unlike the other synchronous exceptions, HVC's preferred return
	// address already points past the instruction; do not advance PC.
	return nil, nil
}
