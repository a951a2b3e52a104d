//go:build darwin && arm64

package machine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/cc/internal/devices/arm64/serial"
	"github.com/tinyrange/cc/internal/gic"
	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/hv/hvf"
	"github.com/tinyrange/cc/internal/mmiobus"
	"github.com/tinyrange/cc/internal/timer"
)

// These tests run real guest code under Hypervisor.framework. They skip on
// hosts where a VM cannot be created (no com.apple.security.hypervisor
// entitlement, or a non-virtualization-capable CI runner).

const guestBase = 0x4000_0000

type guestRun struct {
	code []uint32
	data map[uint64][]byte // absolute IPA -> bytes, written before entry
	wire func(vm hv.VirtualMachine, bus *mmiobus.Bus, g *gic.GIC, tm *timer.Timer)
}

func (r guestRun) run(t *testing.T) *TerminalError {
	t.Helper()

	hyp, err := hvf.Open()
	if err != nil {
		t.Skipf("hypervisor unavailable: %v", err)
	}
	defer hyp.Close()

	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 4 << 20,
		MemBase: guestBase,
	})
	if err != nil {
		t.Skipf("cannot create VM (missing hypervisor entitlement?): %v", err)
	}
	defer vm.Close()

	text := make([]byte, len(r.code)*4)
	for i, ins := range r.code {
		binary.LittleEndian.PutUint32(text[i*4:], ins)
	}
	if _, err := vm.WriteAt(text, guestBase); err != nil {
		t.Fatalf("write guest code: %v", err)
	}
	for addr, b := range r.data {
		if _, err := vm.WriteAt(b, int64(addr)); err != nil {
			t.Fatalf("write guest data at 0x%x: %v", addr, err)
		}
	}

	bus := mmiobus.New(nil)
	g := gic.New()
	tm := timer.New()
	if r.wire != nil {
		r.wire(vm, bus, g, tm)
	}

	var term *TerminalError
	callErr := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterARM64Pc: hv.Register64(guestBase),
		}); err != nil {
			return err
		}
		m, err := New(vm, vcpu, bus, g, tm, nil)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		term, err = m.Run(ctx)
		return err
	})
	if callErr != nil {
		t.Fatalf("run guest: %v", callErr)
	}
	if term == nil {
		t.Fatal("guest did not reach a terminal state")
	}
	return term
}

func TestGuestFibonacci(t *testing.T) {
	term := guestRun{
		code: []uint32{
			0xd2800000, // mov x0, #0
			0xd2800021, // mov x1, #1
			0xd2800142, // mov x2, #10
			0x8b010003, // loop: add x3, x0, x1
			0xaa0103e0, // mov x0, x1
			0xaa0303e1, // mov x1, x3
			0xd1000442, // sub x2, x2, #1
			0xb5ffff82, // cbnz x2, loop
			0xd4200000, // brk #0
		},
	}.run(t)

	if !errors.Is(term, ErrGuestBreakpoint) {
		t.Fatalf("terminal reason = %v, want breakpoint", term.Err)
	}
	if got := term.Registers[hv.RegisterARM64X0]; got != 55 {
		t.Fatalf("F(10): X0 = %d, want 55", got)
	}
}

func TestGuestArraySum(t *testing.T) {
	values := make([]byte, 10*8)
	for i := uint64(0); i < 10; i++ {
		binary.LittleEndian.PutUint64(values[i*8:], i+1)
	}

	term := guestRun{
		code: []uint32{
			0xd2a80000, // movz x0, #0x4000, lsl #16
			0xf2804000, // movk x0, #0x200
			0xd2800141, // mov x1, #10
			0xd2800002, // mov x2, #0
			0xf8408403, // loop: ldr x3, [x0], #8
			0x8b030042, // add x2, x2, x3
			0xd1000421, // sub x1, x1, #1
			0xb5ffffa1, // cbnz x1, loop
			0xd4200000, // brk #0
		},
		data: map[uint64][]byte{guestBase + 0x200: values},
	}.run(t)

	if got := term.Registers[hv.RegisterARM64X2]; got != 55 {
		t.Fatalf("sum(1..10): X2 = %d, want 55", got)
	}
}

func TestGuestUARTEcho(t *testing.T) {
	var out bytes.Buffer

	term := guestRun{
		code: []uint32{
			0xd2a12000, // movz x0, #0x900, lsl #16
			0x52800821, // mov w1, #0x41 ('A')
			0xb9000001, // str w1, [x0]
			0x52800841, // mov w1, #0x42 ('B')
			0xb9000001, // str w1, [x0]
			0x52800141, // mov w1, #0x0a ('\n')
			0xb9000001, // str w1, [x0]
			0xd4200000, // brk #0
		},
		wire: func(vm hv.VirtualMachine, bus *mmiobus.Bus, g *gic.GIC, tm *timer.Timer) {
			uart := serial.New(&out, nil)
			if err := bus.Register("pl011", uart); err != nil {
				t.Fatalf("register pl011: %v", err)
			}
		},
	}.run(t)

	if !errors.Is(term, ErrGuestBreakpoint) {
		t.Fatalf("terminal reason = %v, want breakpoint", term.Err)
	}
	if got := out.String(); got != "AB\n" {
		t.Fatalf("uart output = %q, want %q", got, "AB\n")
	}
}

func TestGuestTimerFrequencyRead(t *testing.T) {
	term := guestRun{
		code: []uint32{
			0xd53be000, // mrs x0, cntfrq_el0
			0xd4200000, // brk #0
		},
	}.run(t)

	// The host primitive may satisfy this read itself rather than trapping
	// it, but Apple silicon's hardware frequency matches the emulated one.
	if got := term.Registers[hv.RegisterARM64X0]; got != timer.FrequencyHz {
		t.Fatalf("CNTFRQ_EL0 = %d, want %d", got, uint64(timer.FrequencyHz))
	}
}

func TestGuestPSCISystemOff(t *testing.T) {
	term := guestRun{
		code: []uint32{
			0xd2b08000, // movz x0, #0x8400, lsl #16
			0xf2800100, // movk x0, #0x0008 (PSCI SYSTEM_OFF)
			0xd4000002, // hvc #0
			0xd4200000, // brk #0 (not reached)
		},
	}.run(t)

	if !errors.Is(term, hv.ErrVMHalted) {
		t.Fatalf("terminal reason = %v, want ErrVMHalted", term.Err)
	}
}
