// Package serial emulates the ARM PrimeCell PL011 UART: just enough
// register surface for Linux's earlycon=pl011 and the amba-pl011 driver to
// probe the device, stream output, and drive its mask/raw/masked interrupt
// status registers.
package serial

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/cc/internal/hv"
)

// Fixed memory-map address and IRQ line for the PL011.
const (
	Base = 0x0900_0000
	Size = 0x1000
	IRQ  = 33 // SPI 1
)

const (
	regDR   = 0x00
	regRSR  = 0x04
	regFR   = 0x18
	regILPR = 0x20
	regIBRD = 0x24
	regFBRD = 0x28
	regLCRH = 0x2c
	regCR   = 0x30
	regIFLS = 0x34
	regIMSC = 0x38
	regRIS  = 0x3c
	regMIS  = 0x40
	regICR  = 0x44
	regDMAC = 0x48

	// PeripheralID/CellID block identifying this device as a PL011
	// PrimeCell to a probing driver.
	regPeriphIDBase = 0xFE0
	regCellIDBase   = 0xFF0

	flagCTS  = 1 << 0 // clear to send
	flagDSR  = 1 << 1 // data set ready
	flagDCD  = 1 << 2 // data carrier detect
	flagRXFE = 1 << 4 // RX FIFO empty
	flagTXFE = 1 << 7 // TX FIFO empty

	// risTXIM is the only RIS bit this emulation ever raises: the TX
	// FIFO is always reported empty and thus always ready for more.
	risTXIM = 1 << 5
)

// peripheralID and cellID are the fixed identification bytes ARM PrimeCells
// expose at the top of their register window (PL011 Technical Reference
// Manual, Table 3-12).
var peripheralID = [4]byte{0x11, 0x10, 0x14, 0x00}
var cellID = [4]byte{0x0D, 0xF0, 0x05, 0xB1}

// Device implements the PL011 register file. DR writes go straight to out;
// there is no modeled input side.
type Device struct {
	out io.Writer
	log *slog.Logger

	mu   sync.Mutex
	cr   uint32
	lcrh uint32
	ibrd uint32
	fbrd uint32
	ifls uint32
	imsc uint32
	dmac uint32
	ris  uint32 // raw interrupt status; TXIM latched set at reset and after every ICR write

	outByte [1]byte
}

// New returns a PL011 that writes received bytes to out. If out is nil,
// writes are discarded.
func New(out io.Writer, log *slog.Logger) *Device {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Device{out: out, log: log, ris: risTXIM}
}

func (d *Device) Init(vm hv.VirtualMachine) error { return nil }

func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: Base, Size: Size}}
}

func (d *Device) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("pl011: unsupported read size %d", len(data))
	}
	offset := addr - Base

	d.mu.Lock()
	value := d.readRegister(offset)
	d.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:len(data)])
	return nil
}

func (d *Device) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("pl011: unsupported write size %d", len(data))
	}
	offset := addr - Base

	var value uint32
	for i := 0; i < len(data); i++ {
		value |= uint32(data[i]) << (8 * i)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeRegister(offset, value)
}

func (d *Device) readRegister(offset uint64) uint32 {
	switch {
	case offset == regDR:
		return 0
	case offset == regRSR:
		return 0
	case offset == regFR:
		// No input modeled: TX/RX FIFOs report empty, and the modem
		// status lines report the far end present and ready.
		return flagTXFE | flagRXFE | flagCTS | flagDSR | flagDCD
	case offset == regILPR:
		return 0
	case offset == regIBRD:
		return d.ibrd
	case offset == regFBRD:
		return d.fbrd
	case offset == regLCRH:
		return d.lcrh
	case offset == regCR:
		return d.cr
	case offset == regIFLS:
		return d.ifls
	case offset == regIMSC:
		return d.imsc
	case offset == regRIS:
		return d.ris
	case offset == regMIS:
		return d.ris & d.imsc
	case offset == regICR:
		return 0
	case offset == regDMAC:
		return d.dmac
	case offset >= regPeriphIDBase && offset < regCellIDBase:
		return idByte(peripheralID, offset-regPeriphIDBase)
	case offset >= regCellIDBase && offset < regCellIDBase+0x10:
		return idByte(cellID, offset-regCellIDBase)
	default:
		return 0
	}
}

// idByte implements the PrimeCell identification layout: one ID byte per
// 32-bit register, registers 4 bytes apart.
func idByte(id [4]byte, rel uint64) uint32 {
	idx := rel / 4
	if idx < uint64(len(id)) {
		return uint32(id[idx])
	}
	return 0
}

func (d *Device) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case regDR:
		d.outByte[0] = byte(value & 0xff)
		if _, err := d.out.Write(d.outByte[:]); err != nil {
			// A failed flush is a device I/O error, not a machine fault:
			// the PL011 has no in-band way to report it to the guest, so
			// warn host-side and drop the byte rather than killing the run.
			d.log.Warn("pl011 flush failed", "error", err)
		}
	case regRSR:
		// Writes clear receive status errors; nothing to clear.
	case regILPR:
		// IrDA low-power mode unsupported.
	case regIBRD:
		d.ibrd = value
	case regFBRD:
		d.fbrd = value
	case regLCRH:
		d.lcrh = value
	case regCR:
		d.cr = value
	case regIFLS:
		d.ifls = value
	case regIMSC:
		d.imsc = value
	case regICR:
		// Clears the RIS bits named in value, then TXIM re-asserts
		// immediately since the TX FIFO is always empty.
		d.ris &^= value
		d.ris |= risTXIM
	case regDMAC:
		d.dmac = value
	default:
		// Unimplemented or read-only register: write has no effect.
	}
	return nil
}

var _ hv.MemoryMappedIODevice = (*Device)(nil)
