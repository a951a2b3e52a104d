package machine

import (
	"encoding/binary"

	"github.com/tinyrange/cc/internal/gic"
	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/timer"
)

// GIC register offsets the facade programs. Enable and EnableTimerIRQs go
// through the same MMIO register path a guest driver uses, so the GIC's own
// write-1-to-set state machine is exercised rather than bypassed.
const (
	gicdCTLR       = 0x000
	gicdISENABLER  = 0x100
	gicdIPRIORITYR = 0x400
	giccCTLR       = 0x000
	giccPMR        = 0x004
)

// Facade couples the GIC and the Generic Timer behind the single surface
// the exit loop drives: timer expiry becomes GIC pending state, and GIC
// ack/EOI is exposed without either package needing to know about the
// other.
type Facade struct {
	gic   *gic.GIC
	timer *timer.Timer
}

// NewFacade returns a Facade over an already-constructed GIC and Timer.
// Both are shared, mutable state: the same pointers are registered on the
// MMIO bus and polled here.
func NewFacade(g *gic.GIC, tm *timer.Timer) *Facade {
	return &Facade{gic: g, timer: tm}
}

func (f *Facade) writeReg32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	// The emulated GIC's register writes cannot fail.
	_ = f.gic.WriteMMIO(hv.NewExitContext(), addr, buf[:])
}

// Enable turns on the distributor and CPU interface and opens the priority
// mask, as if the guest's boot code had already programmed them. Used by
// callers that skip the guest-side GIC driver.
func (f *Facade) Enable() {
	f.writeReg32(gic.DistributorBase+gicdCTLR, 1)
	f.writeReg32(gic.CPUInterfaceBase+giccCTLR, 1)
	f.writeReg32(gic.CPUInterfaceBase+giccPMR, 0xFF)
}

// EnableTimerIRQs enables the physical and virtual timer PPIs at the given
// priority, mirroring what a guest's irq-gic/arm_arch_timer driver probe
// does during boot.
func (f *Facade) EnableTimerIRQs(priority byte) {
	for _, irq := range []uint32{timer.PhysTimerIRQ, timer.VirtTimerIRQ} {
		f.writeReg32(gic.DistributorBase+gicdISENABLER+uint64(irq/32)*4, 1<<(irq%32))
		prio := [1]byte{priority}
		_ = f.gic.WriteMMIO(hv.NewExitContext(), gic.DistributorBase+gicdIPRIORITYR+uint64(irq), prio[:])
	}
}

// PollTimerIRQs pushes every currently-firing comparator's PPI into the
// GIC's pending state. Called once per exit-loop iteration, after the
// timer has been advanced to the current host time.
func (f *Facade) PollTimerIRQs() {
	for _, irq := range f.timer.PendingIRQs() {
		f.gic.SetPending(uint32(irq), true)
	}
}

// HasPendingDeliverable reports whether the GIC currently has an IRQ it
// would hand out on the next IAR read, without side effects.
func (f *Facade) HasPendingDeliverable() bool {
	return f.gic.HasPendingDeliverable()
}

// Acknowledge performs the IAR read side effect: returns the
// highest-priority deliverable IRQ and marks it active.
func (f *Facade) Acknowledge() uint32 {
	return f.gic.Ack()
}

// EndOfInterrupt performs the EOIR write side effect for id.
func (f *Facade) EndOfInterrupt(id uint32) {
	f.gic.EndOfInterrupt(id)
}

// TimeUntilNextEvent forwards to the Timer, letting a host loop that wants
// to sleep between exits know how long it safely can.
func (f *Facade) TimeUntilNextEvent() (ns uint64, ok bool) {
	return f.timer.TimeUntilNextEvent()
}
