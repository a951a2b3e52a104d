package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/cc/internal/gic"
	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/mmiobus"
	"github.com/tinyrange/cc/internal/timer"
)

func newTestMachine(t *testing.T, vcpu *fakeVCPU) *Machine {
	t.Helper()
	bus := mmiobus.New(nil)
	g := gic.New()
	tm := timer.New()
	m, err := New(nil, vcpu, bus, g, tm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !vcpu.vtimerMasked {
		t.Fatal("expected New to mask the hardware vtimer")
	}
	return m
}

func TestHandleDataAbortWrite(t *testing.T) {
	vcpu := newFakeVCPU()
	bus := mmiobus.New(nil)

	var got []byte
	dev := hv.SimpleMMIODevice{
		Regions: []hv.MMIORegion{{Address: 0x9000000, Size: 0x1000}},
		WriteFunc: func(ctx hv.ExitContext, addr uint64, data []byte) error {
			got = append([]byte(nil), data...)
			return nil
		},
	}
	if err := bus.Register("uart", dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	g := gic.New()
	tm := timer.New()
	m, err := New(nil, vcpu, bus, g, tm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vcpu.regs[hv.RegisterARM64Pc] = 0x1000
	vcpu.regs[hv.RegisterARM64X0] = 0x41 // 'A'

	// SAS=2 (4 bytes), SRT=0 (X0), WnR=1 (write)
	iss := uint64(issDataAbortISVBit) | (2 << 22) | (0 << 16) | issDataAbortWnRBit
	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecDataAbort, iss), PhysicalAddress: 0x9000000}

	term, err := m.handleException(context.Background(), info)
	if err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if term != nil {
		t.Fatalf("unexpected terminal error: %v", term)
	}
	if len(got) != 4 || binary.LittleEndian.Uint32(got) != 0x41 {
		t.Fatalf("device received %v, want 4-byte 0x41", got)
	}
	if vcpu.regs[hv.RegisterARM64Pc] != 0x1004 {
		t.Fatalf("PC = 0x%x, want 0x1004", vcpu.regs[hv.RegisterARM64Pc])
	}
}

func TestHandleDataAbortRead(t *testing.T) {
	vcpu := newFakeVCPU()
	bus := mmiobus.New(nil)

	dev := hv.SimpleMMIODevice{
		Regions: []hv.MMIORegion{{Address: 0x9000000, Size: 0x1000}},
		ReadFunc: func(ctx hv.ExitContext, addr uint64, data []byte) error {
			binary.LittleEndian.PutUint32(data, 0xCAFEBABE)
			return nil
		},
	}
	if err := bus.Register("dev", dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	m := newTestMachine(t, vcpu)
	m.bus = bus

	vcpu.regs[hv.RegisterARM64Pc] = 0x2000

	// SAS=2 (4 bytes), SRT=2 (X2), WnR=0 (read)
	iss := uint64(issDataAbortISVBit) | (2 << 22) | (2 << 16)
	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecDataAbort, iss), PhysicalAddress: 0x9000000}

	if _, err := m.handleException(context.Background(), info); err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if vcpu.regs[hv.RegisterARM64X2] != 0xCAFEBABE {
		t.Fatalf("X2 = 0x%x, want 0xCAFEBABE", vcpu.regs[hv.RegisterARM64X2])
	}
	if vcpu.regs[hv.RegisterARM64Pc] != 0x2004 {
		t.Fatalf("PC = 0x%x, want 0x2004", vcpu.regs[hv.RegisterARM64Pc])
	}
}

func TestHandleSysRegCNTFRQRead(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)
	vcpu.regs[hv.RegisterARM64Pc] = 0x1000

	iss := buildSysregISS(sysregCNTFRQ, 0, true)
	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecMSRMRS, iss)}

	if _, err := m.handleException(context.Background(), info); err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if vcpu.regs[hv.RegisterARM64X0] != timer.FrequencyHz {
		t.Fatalf("X0 = %d, want %d", vcpu.regs[hv.RegisterARM64X0], uint64(timer.FrequencyHz))
	}
	if vcpu.regs[hv.RegisterARM64Pc] != 0x1004 {
		t.Fatalf("PC did not advance")
	}
}

func TestHandleSysRegVirtualCompareRoundTrip(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)

	vcpu.regs[hv.RegisterARM64X0] = 0x5678
	writeISS := buildSysregISS(sysregCNTVCVAL, 0, false)
	if _, err := m.handleException(context.Background(), hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecMSRMRS, writeISS)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	readISS := buildSysregISS(sysregCNTVCVAL, 1, true)
	if _, err := m.handleException(context.Background(), hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecMSRMRS, readISS)}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if vcpu.regs[hv.RegisterARM64X1] != 0x5678 {
		t.Fatalf("X1 = 0x%x, want 0x5678", vcpu.regs[hv.RegisterARM64X1])
	}
}

func TestHandleSysRegUnmappedReadsZero(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)
	vcpu.regs[hv.RegisterARM64X0] = 0xFFFFFFFFFFFFFFFF

	// ID_AA64PFR0_EL1: Op0=3, Op1=0, CRn=0, CRm=4, Op2=0.
	unmapped := sysregKey{op0: 3, op1: 0, crn: 0, crm: 4, op2: 0}
	iss := buildSysregISS(unmapped, 0, true)
	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecMSRMRS, iss)}

	if _, err := m.handleException(context.Background(), info); err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if vcpu.regs[hv.RegisterARM64X0] != 0 {
		t.Fatalf("X0 = 0x%x, want 0 for unmapped register fallback", vcpu.regs[hv.RegisterARM64X0])
	}
}

func TestHandleWFIAdvancesPC(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)
	vcpu.regs[hv.RegisterARM64Pc] = 0x4000_0000

	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecWFIWFE, 0)}
	term, err := m.handleException(context.Background(), info)
	if err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if term != nil {
		t.Fatalf("unexpected terminal error for WFI: %v", term)
	}
	if vcpu.regs[hv.RegisterARM64Pc] != 0x4000_0004 {
		t.Fatalf("PC = 0x%x, want 0x4000_0004", vcpu.regs[hv.RegisterARM64Pc])
	}
}

func TestHandleBRKReturnsTerminal(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)
	vcpu.regs[hv.RegisterARM64Pc] = 0x4000_0004
	vcpu.regs[hv.RegisterARM64X0] = 55

	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecBRK, 0)}
	term, err := m.handleException(context.Background(), info)
	if err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if term == nil {
		t.Fatal("expected terminal error on BRK")
	}
	if !errors.Is(term, ErrGuestBreakpoint) {
		t.Fatalf("term.Err = %v, want ErrGuestBreakpoint", term.Err)
	}
	if term.PC != 0x4000_0004 {
		t.Fatalf("term.PC = 0x%x, want 0x4000_0004", term.PC)
	}
	if term.Registers[hv.RegisterARM64X0] != 55 {
		t.Fatalf("term.Registers[X0] = %d, want 55", term.Registers[hv.RegisterARM64X0])
	}
}

func TestHandleHVCPSCIVersion(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)
	vcpu.regs[hv.RegisterARM64Pc] = 0x1000
	vcpu.regs[hv.RegisterARM64X0] = psciVersion

	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecHVC, 0)}
	term, err := m.handleException(context.Background(), info)
	if err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if term != nil {
		t.Fatalf("unexpected terminal error: %v", term)
	}
	if vcpu.regs[hv.RegisterARM64X0] != psciVersionReturned {
		t.Fatalf("X0 = 0x%x, want 0x%x", vcpu.regs[hv.RegisterARM64X0], uint64(psciVersionReturned))
	}
	if vcpu.regs[hv.RegisterARM64Pc] != 0x1000 {
		t.Fatalf("PC = 0x%x, want 0x1000: HVC's return address already points past the instruction", vcpu.regs[hv.RegisterARM64Pc])
	}
}

func TestHandleHVCSystemOffTerminates(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)
	vcpu.regs[hv.RegisterARM64X0] = psciSystemOff

	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecHVC, 0)}
	term, err := m.handleException(context.Background(), info)
	if err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if term == nil || !errors.Is(term, hv.ErrVMHalted) {
		t.Fatalf("expected terminal ErrVMHalted, got %v", term)
	}
}

func TestHandleHVCUnknownFunctionNotSupported(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)
	vcpu.regs[hv.RegisterARM64X0] = 0xFFFFFFFF

	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecHVC, 0)}
	if _, err := m.handleException(context.Background(), info); err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if vcpu.regs[hv.RegisterARM64X0] != psciNotSupported {
		t.Fatalf("X0 = 0x%x, want PSCI_NOT_SUPPORTED", vcpu.regs[hv.RegisterARM64X0])
	}
}

func TestHandleHVCAffinityInfo(t *testing.T) {
	// AFFINITY_INFO is parameterized by target affinity (X1): affinity 0 is
	// the one running vCPU (ON = 0), every other affinity is OFF (1).
	for _, tc := range []struct {
		affinity uint64
		want     uint64
	}{
		{affinity: 0, want: 0},
		{affinity: 1, want: 1},
	} {
		vcpu := newFakeVCPU()
		m := newTestMachine(t, vcpu)
		vcpu.regs[hv.RegisterARM64X0] = psciAffinityInfo64
		vcpu.regs[hv.RegisterARM64X1] = tc.affinity

		info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecHVC, 0)}
		if _, err := m.handleException(context.Background(), info); err != nil {
			t.Fatalf("handleException(affinity=%d): %v", tc.affinity, err)
		}
		if got := vcpu.regs[hv.RegisterARM64X0]; got != tc.want {
			t.Fatalf("AFFINITY_INFO(%d): X0 = %d, want %d", tc.affinity, got, tc.want)
		}
	}
}

func TestHandleHVCCPUOnAlreadyOn(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)
	vcpu.regs[hv.RegisterARM64X0] = 0xC4000003 // PSCI_CPU_ON (SMC64)

	info := hv.ExitInfo{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecHVC, 0)}
	if _, err := m.handleException(context.Background(), info); err != nil {
		t.Fatalf("handleException: %v", err)
	}
	if vcpu.regs[hv.RegisterARM64X0] != psciAlreadyOn {
		t.Fatalf("X0 = 0x%x, want PSCI_ALREADY_ON", vcpu.regs[hv.RegisterARM64X0])
	}
}

func TestRunDisarmsHardwareTimerBeforeEntry(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)

	if got := vcpu.sysregs["CNTV_CTL_EL0"]; got != vtimerCTLQuiescent {
		t.Fatalf("CNTV_CTL_EL0 = 0x%x after New, want quiescent 0x%x", got, vtimerCTLQuiescent)
	}
	if got := vcpu.sysregs["CNTV_CVAL_EL0"]; got != vtimerCVALQuiescent {
		t.Fatalf("CNTV_CVAL_EL0 = 0x%x after New, want quiescent 0x%x", got, vtimerCVALQuiescent)
	}

	vcpu.exits = []hv.ExitInfo{{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecBRK, 0)}}
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := vcpu.sysregs["CNTV_CTL_EL0"]; got != vtimerCTLQuiescent {
		t.Fatalf("CNTV_CTL_EL0 = 0x%x going into the run, want quiescent 0x%x", got, vtimerCTLQuiescent)
	}
}

func TestRunCapturesGuestTimerWrites(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)

	// Simulate a guest that has armed its virtual timer: the fake "hardware"
	// registers hold non-quiescent values when Run starts, and the shadow
	// step before the disarm copies them into the software timer.
	vcpu.exits = []hv.ExitInfo{{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecBRK, 0)}}
	vcpu.sysregs["CNTV_CTL_EL0"] = 1 // ENABLE, unmasked
	vcpu.sysregs["CNTV_CVAL_EL0"] = 0

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctl := m.timer.ReadVirtualControl(); ctl&1 == 0 {
		t.Fatalf("software timer did not capture the guest's ENABLE write: ctl=0x%x", ctl)
	}
	if !m.gic.Pending(uint32(timer.VirtTimerIRQ)) {
		t.Fatal("expired virtual timer was not injected into the GIC")
	}
}

func TestRunVTimerActivatedSetsPendingPPI(t *testing.T) {
	vcpu := newFakeVCPU()
	m := newTestMachine(t, vcpu)

	vcpu.exits = []hv.ExitInfo{
		{Reason: hv.ExitReasonVTimerActivated},
		{Reason: hv.ExitReasonException, Syndrome: syndromeFor(ecBRK, 0)},
	}
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.gic.Pending(uint32(timer.VirtTimerIRQ)) {
		t.Fatal("expected IRQ 27 pending after a vtimer-activated exit")
	}
}

func TestFacadePollTimerIRQsRaisesPending(t *testing.T) {
	g := gic.New()
	tm := timer.New()
	f := NewFacade(g, tm)

	f.Enable()
	f.EnableTimerIRQs(0x80)

	tm.WritePhysicalCompareValue(0) // fires once enabled, since counter starts at 0
	tm.WritePhysicalControl(1)      // ENABLE, IMASK clear
	tm.Advance(1_000_000)           // 1ms of host time elapsed

	f.PollTimerIRQs()
	if !g.Pending(uint32(timer.PhysTimerIRQ)) {
		t.Fatal("expected physical timer IRQ pending after PollTimerIRQs")
	}

	if id := f.Acknowledge(); id != uint32(timer.PhysTimerIRQ) {
		t.Fatalf("Acknowledge() = %d, want %d", id, timer.PhysTimerIRQ)
	}
	f.EndOfInterrupt(uint32(timer.PhysTimerIRQ))
	if id := f.Acknowledge(); id != gic.SpuriousIRQ {
		t.Fatalf("Acknowledge() after EOI = %d, want spurious", id)
	}
}
