// Package mmiobus routes guest MMIO accesses decoded by the exit loop to
// the device that owns the faulting address.
package mmiobus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/cc/internal/hv"
)

type registration struct {
	name   string
	base   uint64
	size   uint64
	device hv.MemoryMappedIODevice
}

// Bus maps guest-physical addresses to the device registered for them. A
// miss is not fatal: per the design, it is logged and the access is
// treated as a read-as-zero / write-ignored no-op, matching how real
// guests probe for optional hardware.
type Bus struct {
	mu   sync.RWMutex
	regs []registration
	log  *slog.Logger
}

// New returns an empty bus. If log is nil, a disabled logger is used.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bus{log: log}
}

// Register adds dev's MMIO regions to the bus, returning an error if any
// region overlaps one already registered.
func (b *Bus) Register(name string, dev hv.MemoryMappedIODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, region := range dev.MMIORegions() {
		end := region.Address + region.Size
		for _, existing := range b.regs {
			existingEnd := existing.base + existing.size
			if region.Address < existingEnd && end > existing.base {
				return fmt.Errorf("mmiobus: %s region [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
					name, region.Address, end, existing.name, existing.base, existingEnd)
			}
		}
		b.regs = append(b.regs, registration{name: name, base: region.Address, size: region.Size, device: dev})
	}

	sort.Slice(b.regs, func(i, j int) bool { return b.regs[i].base < b.regs[j].base })
	return nil
}

func (b *Bus) find(addr uint64, size uint64) *registration {
	for i := range b.regs {
		r := &b.regs[i]
		if addr >= r.base && addr+size <= r.base+r.size {
			return r
		}
	}
	return nil
}

// Read dispatches a guest read of len(data) bytes at addr. On a miss, it
// logs a warning and leaves data zeroed.
func (b *Bus) Read(ctx hv.ExitContext, addr uint64, data []byte) error {
	b.mu.RLock()
	r := b.find(addr, uint64(len(data)))
	b.mu.RUnlock()

	if r == nil {
		b.log.Warn("mmio read miss", "addr", fmt.Sprintf("0x%x", addr), "size", len(data))
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	// The absolute address is passed through (not rebased to the matched
	// region) so a device advertising multiple regions, like the GIC's
	// distributor and CPU interface, can tell them apart itself.
	return r.device.ReadMMIO(ctx, addr, data)
}

// Write dispatches a guest write of data to addr. On a miss, it logs a
// warning and discards the write.
func (b *Bus) Write(ctx hv.ExitContext, addr uint64, data []byte) error {
	b.mu.RLock()
	r := b.find(addr, uint64(len(data)))
	b.mu.RUnlock()

	if r == nil {
		b.log.Warn("mmio write miss", "addr", fmt.Sprintf("0x%x", addr), "size", len(data))
		return nil
	}
	return r.device.WriteMMIO(ctx, addr, data)
}
