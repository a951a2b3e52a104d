// Package gic emulates an ARM GICv2 distributor and single CPU interface
// (ARM IHI 0048), bit-compatible enough for Linux's irqchip-gic driver to
// probe, enable interrupts, and run the ack/EOI cycle.
package gic

import (
	"encoding/binary"
	"sync"

	"github.com/tinyrange/cc/internal/hv"
)

const (
	// NumIRQs is the size of the emulated interrupt space: 16 SGIs, 16
	// PPIs, and 224 SPIs, rounded up to 256 per the distributor's
	// ITLinesNumber encoding (IRQ count / 32 - 1).
	NumIRQs = 256

	// SpuriousIRQ is returned by IAR/HPPIR when nothing is deliverable.
	SpuriousIRQ = 1023

	numWords = NumIRQs / 32

	// DistributorSize and CPUInterfaceSize are the GICv2 region sizes.
	DistributorSize  = 0x10000
	CPUInterfaceSize = 0x10000

	// Distributor register offsets.
	regGICD_CTLR       = 0x000
	regGICD_TYPER      = 0x004
	regGICD_IIDR       = 0x008
	regGICD_ISENABLER  = 0x100
	regGICD_ICENABLER  = 0x180
	regGICD_ISPENDR    = 0x200
	regGICD_ICPENDR    = 0x280
	regGICD_ISACTIVER  = 0x300
	regGICD_ICACTIVER  = 0x380
	regGICD_IPRIORITYR = 0x400
	regGICD_ITARGETSR  = 0x800
	regGICD_ICFGR      = 0xC00
	regGICD_SGIR       = 0xF00

	// CPU interface register offsets (relative to distributor + 0x10000).
	regGICC_CTLR  = 0x000
	regGICC_PMR   = 0x004
	regGICC_BPR   = 0x008
	regGICC_IAR   = 0x00C
	regGICC_EOIR  = 0x010
	regGICC_RPR   = 0x014
	regGICC_HPPIR = 0x018
	regGICC_IIDR  = 0x0FC
)

// GIC holds the full distributor + CPU-interface state. It is shared
// between the MMIO bus (guest-facing register access) and the interrupt
// facade (device-originated SetPending calls); both hold the same pointer,
// never a copy, per the single-owner discipline the design calls for.
type GIC struct {
	mu sync.Mutex

	enabled [numWords]uint32
	pending [numWords]uint32
	active  [numWords]uint32

	priority [NumIRQs]byte
	target   [NumIRQs]byte
	cfg      [numWords]uint32 // 2 bits/IRQ, only bit1 (edge/level) modeled

	distEnabled  bool
	cpuifEnabled bool

	priorityMask    byte
	binaryPoint     byte
	runningIRQ      int // -1 when idle
	runningPriority byte
}

// New returns a GIC reset to its power-on state: SGIs (0-15) and PPIs
// (16-31) enabled, everything else disabled, no IRQ active.
func New() *GIC {
	g := &GIC{
		runningIRQ:      -1,
		runningPriority: 0xFF,
		priorityMask:    0xFF,
	}
	g.enabled[0] = 0xFFFFFFFF // IRQs 0-31 (SGI+PPI) enabled at reset
	// The banked SGI/PPI rows of ITARGETSR read as the mask of the
	// accessing CPU; with one CPU interface that is always 0x01. Linux's
	// gic driver derives its CPU mask from these bytes at probe time.
	for i := 0; i < 32; i++ {
		g.target[i] = 0x01
	}
	return g
}

func wordBit(irq uint32) (int, uint32) { return int(irq / 32), uint32(1) << (irq % 32) }

func testBit(words *[numWords]uint32, irq uint32) bool {
	w, b := wordBit(irq)
	return words[w]&b != 0
}

func setBit(words *[numWords]uint32, irq uint32, v bool) {
	w, b := wordBit(irq)
	if v {
		words[w] |= b
	} else {
		words[w] &^= b
	}
}

// deliverable reports whether IRQ i can currently be handed to the CPU
// interface: enabled, pending, not active, and higher priority (numerically
// lower) than both the priority mask and whatever is currently running.
// Caller must hold g.mu.
func (g *GIC) deliverable(i uint32) bool {
	if !g.distEnabled || !g.cpuifEnabled {
		return false
	}
	if !testBit(&g.enabled, i) || !testBit(&g.pending, i) || testBit(&g.active, i) {
		return false
	}
	if g.priority[i] >= g.priorityMask {
		return false
	}
	return g.priority[i] < g.runningPriority
}

// highestPending scans ascending index order for the deliverable IRQ with
// the numerically lowest priority, breaking ties by lowest index. Caller
// must hold g.mu.
func (g *GIC) highestPending() (uint32, bool) {
	best := uint32(SpuriousIRQ)
	bestPrio := byte(0xFF)
	found := false
	for i := uint32(0); i < NumIRQs; i++ {
		if !g.deliverable(i) {
			continue
		}
		if !found || g.priority[i] < bestPrio {
			best = i
			bestPrio = g.priority[i]
			found = true
		}
	}
	return best, found
}

// SetPending sets or clears an IRQ's pending bit. Safe to call from any
// goroutine (device threads raising interrupts, or the exit loop's timer
// poll); this is the facade's entry point into the GIC.
func (g *GIC) SetPending(irq uint32, level bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if irq >= NumIRQs {
		return
	}
	setBit(&g.pending, irq, level)
}

// HasPendingDeliverable reports whether any IRQ is currently deliverable,
// without mutating state. Used by the exit loop to decide whether to
// assert the vCPU's IRQ line before entry.
func (g *GIC) HasPendingDeliverable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.highestPending()
	return ok
}

// Ack implements a read of IAR: returns the highest-priority deliverable
// IRQ, clearing its pending bit and setting it active, or SpuriousIRQ.
func (g *GIC) Ack() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.highestPending()
	if !ok {
		return SpuriousIRQ
	}
	setBit(&g.pending, id, false)
	setBit(&g.active, id, true)
	g.runningIRQ = int(id)
	g.runningPriority = g.priority[id]
	return id
}

// EndOfInterrupt implements a write to EOIR: clears the IRQ's active bit
// and, if it matches the currently running IRQ, resets running state.
func (g *GIC) EndOfInterrupt(id uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id >= NumIRQs {
		return
	}
	setBit(&g.active, id, false)
	if g.runningIRQ == int(id) {
		g.runningIRQ = -1
		g.runningPriority = 0xFF
	}
}

// Enable matches the facade's enable() contract: it flips the
// distributor and CPU-interface enable bits directly, exercising the same
// state a guest write to GICD_CTLR/GICC_CTLR would.
func (g *GIC) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.distEnabled = true
	g.cpuifEnabled = true
}

// EnableIRQ enables irq at the given priority, as if the guest had
// written GICD_ISENABLER and GICD_IPRIORITYR for it.
func (g *GIC) EnableIRQ(irq uint32, priority byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if irq >= NumIRQs {
		return
	}
	setBit(&g.enabled, irq, true)
	g.priority[irq] = priority
}

// Active reports whether irq's active bit is currently set (test helper /
// facade inspection).
func (g *GIC) Active(irq uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if irq >= NumIRQs {
		return false
	}
	return testBit(&g.active, irq)
}

// Pending reports whether irq's pending bit is currently set.
func (g *GIC) Pending(irq uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if irq >= NumIRQs {
		return false
	}
	return testBit(&g.pending, irq)
}

// --- MMIO device ------------------------------------------------------

// Init implements hv.Device.
func (g *GIC) Init(vm hv.VirtualMachine) error { return nil }

// MMIORegions implements hv.MemoryMappedIODevice, advertising both the
// distributor and CPU-interface windows at the fixed addresses from the
// design's memory map.
func (g *GIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{
		{Address: DistributorBase, Size: DistributorSize},
		{Address: CPUInterfaceBase, Size: CPUInterfaceSize},
	}
}

// Fixed memory-map addresses.
const (
	DistributorBase  = 0x0800_0000
	CPUInterfaceBase = 0x0801_0000
)

func (g *GIC) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if addr >= DistributorBase && addr < DistributorBase+DistributorSize {
		return g.readDistributor(addr-DistributorBase, data)
	}
	return g.readCPUInterface(addr-CPUInterfaceBase, data)
}

func (g *GIC) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if addr >= DistributorBase && addr < DistributorBase+DistributorSize {
		return g.writeDistributor(addr-DistributorBase, data)
	}
	return g.writeCPUInterface(addr-CPUInterfaceBase, data)
}

func readU32(data []byte, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:])
}

func writeU32(data []byte) uint32 {
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:])
}

// readDistributor and writeDistributor dispatch a distributor-relative
// offset. Caller holds g.mu.
func (g *GIC) readDistributor(off uint64, data []byte) error {
	switch {
	case off == regGICD_CTLR:
		var v uint32
		if g.distEnabled {
			v = 1
		}
		readU32(data, v)
	case off == regGICD_TYPER:
		// ITLinesNumber = IRQ count/32 - 1.
		readU32(data, uint32(NumIRQs/32-1))
	case off == regGICD_IIDR:
		readU32(data, 0x43B)
	case off >= regGICD_ISENABLER && off < regGICD_ISENABLER+numWords*4:
		readU32(data, g.enabled[(off-regGICD_ISENABLER)/4])
	case off >= regGICD_ICENABLER && off < regGICD_ICENABLER+numWords*4:
		readU32(data, g.enabled[(off-regGICD_ICENABLER)/4])
	case off >= regGICD_ISPENDR && off < regGICD_ISPENDR+numWords*4:
		readU32(data, g.pending[(off-regGICD_ISPENDR)/4])
	case off >= regGICD_ICPENDR && off < regGICD_ICPENDR+numWords*4:
		readU32(data, g.pending[(off-regGICD_ICPENDR)/4])
	case off >= regGICD_ISACTIVER && off < regGICD_ISACTIVER+numWords*4:
		readU32(data, g.active[(off-regGICD_ISACTIVER)/4])
	case off >= regGICD_ICACTIVER && off < regGICD_ICACTIVER+numWords*4:
		readU32(data, g.active[(off-regGICD_ICACTIVER)/4])
	case off >= regGICD_IPRIORITYR && off < regGICD_IPRIORITYR+NumIRQs:
		irq := off - regGICD_IPRIORITYR
		for i := range data {
			if int(irq)+i < NumIRQs {
				data[i] = g.priority[int(irq)+i]
			}
		}
	case off >= regGICD_ITARGETSR && off < regGICD_ITARGETSR+NumIRQs:
		irq := off - regGICD_ITARGETSR
		for i := range data {
			if int(irq)+i < NumIRQs {
				data[i] = g.target[int(irq)+i]
			}
		}
	case off >= regGICD_ICFGR && off < regGICD_ICFGR+numWords*4:
		readU32(data, g.cfg[(off-regGICD_ICFGR)/4])
	default:
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

func (g *GIC) writeDistributor(off uint64, data []byte) error {
	switch {
	case off == regGICD_CTLR:
		g.distEnabled = writeU32(data)&1 != 0
	case off >= regGICD_ISENABLER && off < regGICD_ISENABLER+numWords*4:
		g.enabled[(off-regGICD_ISENABLER)/4] |= writeU32(data)
	case off >= regGICD_ICENABLER && off < regGICD_ICENABLER+numWords*4:
		g.enabled[(off-regGICD_ICENABLER)/4] &^= writeU32(data)
	case off >= regGICD_ISPENDR && off < regGICD_ISPENDR+numWords*4:
		g.pending[(off-regGICD_ISPENDR)/4] |= writeU32(data)
	case off >= regGICD_ICPENDR && off < regGICD_ICPENDR+numWords*4:
		g.pending[(off-regGICD_ICPENDR)/4] &^= writeU32(data)
	case off >= regGICD_ISACTIVER && off < regGICD_ISACTIVER+numWords*4:
		g.active[(off-regGICD_ISACTIVER)/4] |= writeU32(data)
	case off >= regGICD_ICACTIVER && off < regGICD_ICACTIVER+numWords*4:
		g.active[(off-regGICD_ICACTIVER)/4] &^= writeU32(data)
	case off >= regGICD_IPRIORITYR && off < regGICD_IPRIORITYR+NumIRQs:
		irq := off - regGICD_IPRIORITYR
		for i, b := range data {
			if int(irq)+i < NumIRQs {
				g.priority[int(irq)+i] = b
			}
		}
	case off >= regGICD_ITARGETSR && off < regGICD_ITARGETSR+NumIRQs:
		irq := off - regGICD_ITARGETSR
		// SGI/PPI range (0-31) is hardware-read-only: ignore.
		for i, b := range data {
			idx := int(irq) + i
			if idx >= 32 && idx < NumIRQs {
				g.target[idx] = b
			}
		}
	case off >= regGICD_ICFGR && off < regGICD_ICFGR+numWords*4:
		g.cfg[(off-regGICD_ICFGR)/4] = writeU32(data)
	case off == regGICD_SGIR:
		v := writeU32(data)
		targetListFilter := (v >> 24) & 0x3
		sgi := v & 0xF
		targetList := byte((v >> 16) & 0xFF)
		if targetListFilter == 0 && targetList != 0 {
			setBit(&g.pending, sgi, true)
		} else if targetListFilter == 1 || targetListFilter == 2 {
			// Forward to all (or to self) — single CPU interface means
			// both reduce to the same effect.
			setBit(&g.pending, sgi, true)
		}
	default:
		// Ignore writes to unimplemented or read-only registers.
	}
	return nil
}

func (g *GIC) readCPUInterface(off uint64, data []byte) error {
	switch off {
	case regGICC_CTLR:
		var v uint32
		if g.cpuifEnabled {
			v = 1
		}
		readU32(data, v)
	case regGICC_PMR:
		readU32(data, uint32(g.priorityMask))
	case regGICC_BPR:
		readU32(data, uint32(g.binaryPoint))
	case regGICC_IAR:
		readU32(data, g.ackLocked())
	case regGICC_RPR:
		readU32(data, uint32(g.runningPriority))
	case regGICC_HPPIR:
		id, ok := g.highestPending()
		if !ok {
			id = SpuriousIRQ
		}
		readU32(data, id)
	case regGICC_IIDR:
		readU32(data, 0x43B)
	default:
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

// ackLocked is Ack's body, inlined for use while g.mu is already held by
// ReadMMIO (Ack itself takes the lock, which would deadlock here).
func (g *GIC) ackLocked() uint32 {
	id, ok := g.highestPending()
	if !ok {
		return SpuriousIRQ
	}
	setBit(&g.pending, id, false)
	setBit(&g.active, id, true)
	g.runningIRQ = int(id)
	g.runningPriority = g.priority[id]
	return id
}

func (g *GIC) writeCPUInterface(off uint64, data []byte) error {
	switch off {
	case regGICC_CTLR:
		g.cpuifEnabled = writeU32(data)&1 != 0
	case regGICC_PMR:
		g.priorityMask = byte(writeU32(data))
	case regGICC_BPR:
		g.binaryPoint = byte(writeU32(data))
	case regGICC_EOIR:
		id := writeU32(data)
		if id < NumIRQs {
			setBit(&g.active, id, false)
			if g.runningIRQ == int(id) {
				g.runningIRQ = -1
				g.runningPriority = 0xFF
			}
		}
	default:
		// Ignore writes to read-only registers.
	}
	return nil
}

var _ hv.MemoryMappedIODevice = (*GIC)(nil)
