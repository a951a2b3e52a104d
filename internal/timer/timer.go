// Package timer emulates the ARM Generic Timer's physical and virtual
// comparators in software, independent of any hardware timer the host
// primitive may expose. The exit loop reconciles this state against the
// host's real counter before and after every vCPU run.
package timer

import "sync"

const (
	// FrequencyHz is the fixed counter frequency this core reports via
	// CNTFRQ_EL0, matching the design's 24MHz choice.
	FrequencyHz = 24_000_000

	// PhysTimerIRQ and VirtTimerIRQ are the PPI numbers the GIC delivers
	// timer interrupts on.
	PhysTimerIRQ = 30
	VirtTimerIRQ = 27

	ctlEnable  = 1 << 0
	ctlIMask   = 1 << 1
	ctlIStatus = 1 << 2
)

// comparator models one CNTx_CTL/CNTx_CVAL pair.
type comparator struct {
	ctl  uint64 // only ENABLE/IMASK bits are stored; ISTATUS is computed
	cval uint64
}

func (c *comparator) readCTL(counter uint64) uint64 {
	v := c.ctl & (ctlEnable | ctlIMask)
	if v&ctlEnable != 0 && counter >= c.cval {
		v |= ctlIStatus
	}
	return v
}

func (c *comparator) writeCTL(value uint64) {
	c.ctl = value & (ctlEnable | ctlIMask)
}

func (c *comparator) readTVAL(counter uint64) uint32 {
	return uint32(int64(c.cval) - int64(counter))
}

func (c *comparator) writeTVAL(counter uint64, value uint32) {
	c.cval = counter + uint64(int64(int32(value)))
}

func (c *comparator) firing(counter uint64) bool {
	return c.ctl&ctlEnable != 0 && c.ctl&ctlIMask == 0 && counter >= c.cval
}

// Timer tracks the physical and virtual timer comparators plus the
// virtual counter's offset from the physical counter.
type Timer struct {
	mu sync.Mutex

	physElapsedNs uint64 // host-reported elapsed nanoseconds since construction
	virtOffset    uint64 // subtracted from the physical counter to form CNTVCT_EL0

	phys comparator
	virt comparator
}

// New returns a Timer with both comparators quiescent (disabled, compare
// value saturated) and a zeroed virtual offset; callers that rebase the
// virtual counter to a host value should call SetVirtualOffset afterward.
func New() *Timer {
	t := &Timer{}
	t.phys.cval = ^uint64(0)
	t.virt.cval = ^uint64(0)
	return t
}

// Advance records elapsed host time, driving the counters forward.
func (t *Timer) Advance(elapsedNs uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.physElapsedNs = elapsedNs
}

// SetVirtualOffset sets virt_counter = phys_counter - offset.
func (t *Timer) SetVirtualOffset(offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.virtOffset = offset
}

// VirtualOffset returns the current CNTVOFF_EL2 value.
func (t *Timer) VirtualOffset() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.virtOffset
}

func nsToTicks(ns uint64) uint64 {
	return ns * FrequencyHz / 1_000_000_000
}

func (t *Timer) physCounterLocked() uint64 {
	return nsToTicks(t.physElapsedNs)
}

func (t *Timer) virtCounterLocked() uint64 {
	return t.physCounterLocked() - t.virtOffset
}

// PhysicalCount returns the current CNTPCT_EL0 value.
func (t *Timer) PhysicalCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.physCounterLocked()
}

// VirtualCount returns the current CNTVCT_EL0 value.
func (t *Timer) VirtualCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.virtCounterLocked()
}

// ReadPhysicalControl, WritePhysicalControl, etc. implement the
// CNTP_CTL_EL0 / CNTP_CVAL_EL0 / CNTP_TVAL_EL0 trio.
func (t *Timer) ReadPhysicalControl() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phys.readCTL(t.physCounterLocked())
}

func (t *Timer) WritePhysicalControl(value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phys.writeCTL(value)
}

func (t *Timer) ReadPhysicalCompareValue() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phys.cval
}

func (t *Timer) WritePhysicalCompareValue(value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phys.cval = value
}

func (t *Timer) ReadPhysicalTimerValue() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phys.readTVAL(t.physCounterLocked())
}

func (t *Timer) WritePhysicalTimerValue(value uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phys.writeTVAL(t.physCounterLocked(), value)
}

// ReadVirtualControl, WriteVirtualControl, etc. implement the
// CNTV_CTL_EL0 / CNTV_CVAL_EL0 / CNTV_TVAL_EL0 trio. These are the
// registers the exit loop's pre/post-run shadow dance operates
// on, since the guest accesses the hardware virtual timer untrapped during vCPU runs.
func (t *Timer) ReadVirtualControl() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.virt.readCTL(t.virtCounterLocked())
}

func (t *Timer) WriteVirtualControl(value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.virt.writeCTL(value)
}

func (t *Timer) ReadVirtualCompareValue() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.virt.cval
}

func (t *Timer) WriteVirtualCompareValue(value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.virt.cval = value
}

func (t *Timer) ReadVirtualTimerValue() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.virt.readTVAL(t.virtCounterLocked())
}

func (t *Timer) WriteVirtualTimerValue(value uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.virt.writeTVAL(t.virtCounterLocked(), value)
}

// PendingIRQs returns the PPI numbers of every comparator that is
// currently enabled, unmasked, and expired.
func (t *Timer) PendingIRQs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var irqs []int
	if t.phys.firing(t.physCounterLocked()) {
		irqs = append(irqs, PhysTimerIRQ)
	}
	if t.virt.firing(t.virtCounterLocked()) {
		irqs = append(irqs, VirtTimerIRQ)
	}
	return irqs
}

// TimeUntilNextEvent returns the minimum host-clock duration, in
// nanoseconds, until an enabled and unmasked comparator will next expire,
// or ok=false if no comparator can ever fire.
func (t *Timer) TimeUntilNextEvent() (ns uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	best := uint64(0)
	found := false

	consider := func(c *comparator, counter uint64) {
		if c.ctl&ctlEnable == 0 || c.ctl&ctlIMask != 0 {
			return
		}
		var remainingTicks uint64
		if counter >= c.cval {
			remainingTicks = 0
		} else {
			remainingTicks = c.cval - counter
		}
		remainingNs := remainingTicks * 1_000_000_000 / FrequencyHz
		if !found || remainingNs < best {
			best = remainingNs
			found = true
		}
	}

	consider(&t.phys, t.physCounterLocked())
	consider(&t.virt, t.virtCounterLocked())
	return best, found
}
