package timer

import "testing"

func TestCounterTracksElapsedTime(t *testing.T) {
	tm := New()
	tm.Advance(1_000_000_000) // 1 second
	if got := tm.PhysicalCount(); got != FrequencyHz {
		t.Fatalf("PhysicalCount() = %d, want %d", got, uint64(FrequencyHz))
	}
}

func TestVirtualOffsetRebasesCounter(t *testing.T) {
	tm := New()
	tm.Advance(1_000_000_000)
	tm.SetVirtualOffset(tm.PhysicalCount())
	tm.Advance(2_000_000_000)
	if got := tm.VirtualCount(); got != FrequencyHz {
		t.Fatalf("VirtualCount() = %d, want %d", got, uint64(FrequencyHz))
	}
}

func TestControlRegisterIStatusComputed(t *testing.T) {
	tm := New()
	tm.WritePhysicalCompareValue(FrequencyHz) // fires at 1s
	tm.WritePhysicalControl(ctlEnable)

	if ctl := tm.ReadPhysicalControl(); ctl&ctlIStatus != 0 {
		t.Fatalf("ISTATUS set before compare value reached: ctl=0x%x", ctl)
	}

	tm.Advance(1_000_000_000)
	ctl := tm.ReadPhysicalControl()
	if ctl&ctlEnable == 0 {
		t.Fatalf("ENABLE bit lost across Advance: ctl=0x%x", ctl)
	}
	if ctl&ctlIStatus == 0 {
		t.Fatalf("ISTATUS not set once counter reached compare value: ctl=0x%x", ctl)
	}
}

func TestControlRegisterWriteIgnoresIStatus(t *testing.T) {
	tm := New()
	tm.WritePhysicalControl(ctlEnable | ctlIStatus)
	if ctl := tm.ReadPhysicalControl(); ctl&ctlIStatus != 0 {
		t.Fatalf("ISTATUS should never be settable by a guest write: ctl=0x%x", ctl)
	}
}

func TestTimerValueRoundTrip(t *testing.T) {
	tm := New()
	tm.Advance(5_000_000_000)
	tm.WritePhysicalTimerValue(1000)
	want := tm.PhysicalCount() + 1000
	if got := tm.ReadPhysicalCompareValue(); got != want {
		t.Fatalf("CVAL after TVAL write = %d, want %d", got, want)
	}

	tval := tm.ReadPhysicalTimerValue()
	if tval != 1000 {
		t.Fatalf("TVAL read back = %d, want 1000", tval)
	}
}

func TestPendingIRQsRequiresEnableAndUnmasked(t *testing.T) {
	tm := New()
	tm.WritePhysicalCompareValue(0)
	tm.Advance(1_000_000_000)

	if irqs := tm.PendingIRQs(); len(irqs) != 0 {
		t.Fatalf("PendingIRQs() = %v before ENABLE, want none", irqs)
	}

	tm.WritePhysicalControl(ctlEnable)
	irqs := tm.PendingIRQs()
	if len(irqs) != 1 || irqs[0] != PhysTimerIRQ {
		t.Fatalf("PendingIRQs() = %v, want [%d]", irqs, PhysTimerIRQ)
	}

	tm.WritePhysicalControl(ctlEnable | ctlIMask)
	if irqs := tm.PendingIRQs(); len(irqs) != 0 {
		t.Fatalf("PendingIRQs() = %v while masked, want none", irqs)
	}
}

func TestPendingIRQsBothComparators(t *testing.T) {
	tm := New()
	tm.WritePhysicalCompareValue(0)
	tm.WritePhysicalControl(ctlEnable)
	tm.WriteVirtualCompareValue(0)
	tm.WriteVirtualControl(ctlEnable)
	tm.Advance(1_000_000_000)

	irqs := tm.PendingIRQs()
	if len(irqs) != 2 {
		t.Fatalf("PendingIRQs() = %v, want both phys and virt", irqs)
	}
}

func TestTimeUntilNextEventPicksEarliest(t *testing.T) {
	tm := New()
	tm.WritePhysicalControl(ctlEnable)
	tm.WritePhysicalCompareValue(FrequencyHz * 5) // fires at t=5s
	tm.WriteVirtualControl(ctlEnable)
	tm.WriteVirtualCompareValue(FrequencyHz * 2) // fires at t=2s

	ns, ok := tm.TimeUntilNextEvent()
	if !ok {
		t.Fatal("TimeUntilNextEvent() ok=false, want true")
	}
	if ns != 2_000_000_000 {
		t.Fatalf("TimeUntilNextEvent() = %d, want 2s", ns)
	}
}

func TestTimeUntilNextEventNoneWhenDisabled(t *testing.T) {
	tm := New()
	if _, ok := tm.TimeUntilNextEvent(); ok {
		t.Fatal("TimeUntilNextEvent() ok=true with both comparators disabled")
	}
}
