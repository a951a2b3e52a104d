package machine

import (
	"context"

	"github.com/tinyrange/cc/internal/hv"
)

// fakeVCPU is a software-only stand-in for a real hv.VirtualCPU, used to
// exercise the exception decoder and PSCI dispatch without Hypervisor.framework.
// It never actually executes guest code; Run returns whatever ExitInfo
// values were queued, in order.
type fakeVCPU struct {
	regs            map[hv.Register]uint64
	sysregs         map[string]uint64
	vtimerMasked    bool
	vtimerOffset    uint64
	trapDebug       bool
	pendingIRQ      bool
	pendingAsserted bool

	exits  []hv.ExitInfo
	runIdx int
}

func newFakeVCPU() *fakeVCPU {
	return &fakeVCPU{
		regs:    make(map[hv.Register]uint64),
		sysregs: make(map[string]uint64),
	}
}

func (f *fakeVCPU) VirtualMachine() hv.VirtualMachine { return nil }
func (f *fakeVCPU) ID() int                           { return 0 }

func (f *fakeVCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for r, v := range regs {
		f.regs[r] = uint64(v.(hv.Register64))
	}
	return nil
}

func (f *fakeVCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for r := range regs {
		regs[r] = hv.Register64(f.regs[r])
	}
	return nil
}

func (f *fakeVCPU) GetSysReg(name string) (uint64, error) { return f.sysregs[name], nil }
func (f *fakeVCPU) SetSysReg(name string, value uint64) error {
	f.sysregs[name] = value
	return nil
}

func (f *fakeVCPU) SetPendingInterrupt(irq bool, pending bool) error {
	f.pendingIRQ = irq
	f.pendingAsserted = pending
	return nil
}

func (f *fakeVCPU) SetVtimerMask(masked bool) error     { f.vtimerMasked = masked; return nil }
func (f *fakeVCPU) SetVtimerOffset(offset uint64) error { f.vtimerOffset = offset; return nil }
func (f *fakeVCPU) SetTrapDebugExceptions(enabled bool) error {
	f.trapDebug = enabled
	return nil
}

func (f *fakeVCPU) Run(ctx context.Context) (hv.ExitInfo, error) {
	if f.runIdx >= len(f.exits) {
		return hv.ExitInfo{Reason: hv.ExitReasonCanceled}, nil
	}
	info := f.exits[f.runIdx]
	f.runIdx++
	return info, nil
}

var _ hv.VirtualCPU = (*fakeVCPU)(nil)

// buildSysregISS encodes an ISS value for EC=0x18, inverse of decodeSysregISS.
func buildSysregISS(key sysregKey, rt int, isRead bool) uint64 {
	iss := uint64(key.op0&0x3) << 20
	iss |= uint64(key.op1&0x7) << 14
	iss |= uint64(key.crn&0xF) << 10
	iss |= uint64(key.crm&0xF) << 1
	iss |= uint64(key.op2&0x7) << 17
	iss |= uint64(rt&0x1F) << 5
	if isRead {
		iss |= 1
	}
	return iss
}

func syndromeFor(ec uint8, iss uint64) uint64 {
	return uint64(ec)<<26 | (iss & 0x01FF_FFFF)
}
