// Package virtio implements a VirtIO-MMIO v2 block device: the
// register face a driver probes and drives, a 16-slot split virtqueue, and
// a file-backed 512-byte sector store.
package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/cc/internal/hv"
)

// Fixed memory-map address and IRQ line for the block device.
const (
	BlkBase = 0x0A00_0000
	BlkSize = 0x200
	BlkIRQ  = 34 // SPI 2
)

// MMIO register offsets, VirtIO-MMIO v2 (virtio-v1.2-csprd01 §4.2.2).
const (
	regMagic          = 0x00
	regVersion        = 0x04
	regDeviceID       = 0x08
	regVendorID       = 0x0C
	regDeviceFeatures = 0x10
	regDeviceFeatSel  = 0x14
	regDriverFeatures = 0x20
	regDriverFeatSel  = 0x24
	regQueueSel       = 0x30
	regQueueNumMax    = 0x34
	regQueueNum       = 0x38
	regQueueReady     = 0x44
	regQueueNotify    = 0x50
	regInterruptStat  = 0x60
	regInterruptAck   = 0x64
	regStatus         = 0x70
	regQueueDescLow   = 0x80
	regQueueDescHigh  = 0x84
	regQueueDriverLow = 0x90
	regQueueDriverHi  = 0x94
	regQueueDeviceLow = 0xA0
	regQueueDeviceHi  = 0xA4
	regConfigGen      = 0xFC
	regConfigBase     = 0x100
)

const (
	magicValue   = 0x7472_6976 // ASCII "virt"
	mmioVersion  = 2
	blkDeviceID  = 2
	blkVendorID  = 0x554D_4551 // "QEMU", a real, widely reused virtio vendor id
	queueNumMax  = 16
	featVersion1 = 1 << 32
)

// Virtio block request types (virtio-v1.2 §5.2.6).
const (
	reqIn    = 0 // read
	reqOut   = 1 // write
	reqFlush = 4
)

// Virtio block status codes.
const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

// Virtio block feature bits this device advertises.
const (
	featBlkSize = 1 << 6
	featFlush   = 1 << 9
)

const (
	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1
)

// descriptor mirrors the standard 16-byte split-virtqueue descriptor.
type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// InterruptSink is the interrupt facade's GIC handle: the narrow surface a
// device thread needs to pulse an IRQ line.
type InterruptSink interface {
	SetPending(irq uint32, level bool)
}

// Blk implements a virtio-blk device. The backing file, if present, is
// addressed sector*512; a nil file makes every request fail with
// VIRTIO_BLK_S_IOERR, matching real hardware with no media inserted.
type Blk struct {
	irqSink InterruptSink
	log     *slog.Logger

	mu       sync.Mutex
	vm       hv.VirtualMachine
	file     *os.File
	readonly bool
	capacity uint64 // 512-byte sectors

	deviceFeatSel uint32
	driverFeatSel uint32
	driverFeat    [2]uint32

	queueSel    uint32
	queueNum    uint32
	queueReady  uint32
	descAddr    uint64
	driverAddr  uint64 // avail ring
	deviceAddr  uint64 // used ring
	lastAvail   uint16
	interrupt   uint32
	status      uint32
}

// New returns a Blk backed by file (may be nil for an empty/no-media
// device), rejecting writes if readonly is set.
func New(file *os.File, readonly bool, irqSink InterruptSink, log *slog.Logger) *Blk {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	b := &Blk{file: file, readonly: readonly, irqSink: irqSink, log: log}
	if file != nil {
		if fi, err := file.Stat(); err == nil {
			b.capacity = uint64(fi.Size()) / 512
		}
	}
	return b
}

func (b *Blk) Init(vm hv.VirtualMachine) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vm = vm
	return nil
}

func (b *Blk) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: BlkBase, Size: BlkSize}}
}

func (b *Blk) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := addr - BlkBase
	if offset >= regConfigBase {
		return b.readConfigLocked(offset-regConfigBase, data)
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio-blk: unsupported read size %d at 0x%x", len(data), offset)
	}
	binary.LittleEndian.PutUint32(data, b.readRegisterLocked(offset))
	return nil
}

func (b *Blk) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := addr - BlkBase
	if offset >= regConfigBase {
		return fmt.Errorf("virtio-blk: config space is read-only")
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio-blk: unsupported write size %d at 0x%x", len(data), offset)
	}
	return b.writeRegisterLocked(offset, binary.LittleEndian.Uint32(data))
}

func (b *Blk) readRegisterLocked(offset uint64) uint32 {
	switch offset {
	case regMagic:
		return magicValue
	case regVersion:
		return mmioVersion
	case regDeviceID:
		return blkDeviceID
	case regVendorID:
		return blkVendorID
	case regDeviceFeatures:
		feat := uint64(featBlkSize | featFlush | featVersion1)
		if b.deviceFeatSel == 1 {
			return uint32(feat >> 32)
		}
		return uint32(feat)
	case regQueueNumMax:
		if b.queueReady != 0 {
			return 0 // queue already selected and activated
		}
		return queueNumMax
	case regQueueReady:
		return b.queueReady
	case regInterruptStat:
		return b.interrupt
	case regStatus:
		return b.status
	case regConfigGen:
		return 0
	default:
		return 0
	}
}

func (b *Blk) writeRegisterLocked(offset uint64, value uint32) error {
	switch offset {
	case regDeviceFeatSel:
		b.deviceFeatSel = value
	case regDriverFeatSel:
		b.driverFeatSel = value
	case regDriverFeatures:
		if b.driverFeatSel < uint32(len(b.driverFeat)) {
			b.driverFeat[b.driverFeatSel] = value
		}
	case regQueueSel:
		b.queueSel = value
	case regQueueNum:
		b.queueNum = value
	case regQueueReady:
		b.queueReady = value & 1
	case regQueueNotify:
		if value == 0 {
			return b.processRequestQueueLocked()
		}
	case regInterruptAck:
		b.interrupt &^= value
	case regStatus:
		b.status = value
		if value == 0 {
			b.resetLocked()
		}
	case regQueueDescLow:
		b.descAddr = setLow32(b.descAddr, value)
	case regQueueDescHigh:
		b.descAddr = setHigh32(b.descAddr, value)
	case regQueueDriverLow:
		b.driverAddr = setLow32(b.driverAddr, value)
	case regQueueDriverHi:
		b.driverAddr = setHigh32(b.driverAddr, value)
	case regQueueDeviceLow:
		b.deviceAddr = setLow32(b.deviceAddr, value)
	case regQueueDeviceHi:
		b.deviceAddr = setHigh32(b.deviceAddr, value)
	default:
		// Unimplemented or read-only register: ignore.
	}
	return nil
}

func (b *Blk) resetLocked() {
	b.queueReady = 0
	b.queueNum = 0
	b.descAddr = 0
	b.driverAddr = 0
	b.deviceAddr = 0
	b.lastAvail = 0
	b.interrupt = 0
}

func setLow32(v uint64, low uint32) uint64  { return (v &^ 0xFFFFFFFF) | uint64(low) }
func setHigh32(v uint64, high uint32) uint64 { return (v & 0xFFFFFFFF) | (uint64(high) << 32) }

func (b *Blk) readConfigLocked(offset uint64, data []byte) error {
	var cfg [24]byte
	binary.LittleEndian.PutUint64(cfg[0:8], b.capacity)
	binary.LittleEndian.PutUint32(cfg[8:12], 1<<20) // size_max
	binary.LittleEndian.PutUint32(cfg[12:16], 128)  // seg_max
	// cfg[16:20] geometry, left zero
	binary.LittleEndian.PutUint32(cfg[20:24], 512) // blk_size
	if int(offset)+len(data) > len(cfg) {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	copy(data, cfg[offset:])
	return nil
}

// processRequestQueueLocked drains the available ring: while avail.idx !=
// lastAvail, pop one descriptor chain, execute
// it, and push a used-ring entry. Caller holds b.mu.
func (b *Blk) processRequestQueueLocked() error {
	if b.vm == nil || b.descAddr == 0 || b.driverAddr == 0 || b.deviceAddr == 0 {
		return nil
	}
	queueSize := b.queueNum
	if queueSize == 0 || queueSize > queueNumMax {
		queueSize = queueNumMax
	}

	availIdx, err := b.readGuestU16(b.driverAddr + 2)
	if err != nil {
		return err
	}

	processed := 0
	for b.lastAvail != availIdx {
		ringSlot := uint64(b.lastAvail % uint16(queueSize))
		head, err := b.readGuestU16(b.driverAddr + 4 + ringSlot*2)
		if err != nil {
			return err
		}

		written, err := b.processChainLocked(head, queueSize)
		if err != nil {
			b.log.Warn("virtio-blk: request chain failed", "error", err)
			written = 0
		}

		if err := b.pushUsedLocked(head, written); err != nil {
			return err
		}

		b.lastAvail++
		processed++
	}

	if processed > 0 {
		b.interrupt |= 1
		if b.irqSink != nil {
			b.irqSink.SetPending(BlkIRQ, true)
		}
	}
	return nil
}

// processChainLocked walks the NEXT chain starting at head: a read-only
// header descriptor, zero or more data descriptors, and a write-only
// trailing status descriptor.
func (b *Blk) processChainLocked(head uint16, queueSize uint32) (uint32, error) {
	descs, err := b.readChainLocked(head, queueSize)
	if err != nil {
		return 0, err
	}
	if len(descs) < 2 {
		return 0, fmt.Errorf("virtio-blk: descriptor chain too short (%d)", len(descs))
	}

	hdr := descs[0]
	status := descs[len(descs)-1]
	data := descs[1 : len(descs)-1]

	if hdr.flags&descFlagWrite != 0 {
		return 0, fmt.Errorf("virtio-blk: header descriptor is device-writable")
	}
	if hdr.len < 16 {
		return 0, fmt.Errorf("virtio-blk: header too short (%d)", hdr.len)
	}
	hdrBytes, err := b.readGuest(hdr.addr, 16)
	if err != nil {
		return 0, err
	}
	reqType := binary.LittleEndian.Uint32(hdrBytes[0:4])
	sector := binary.LittleEndian.Uint64(hdrBytes[8:16])

	st, written := b.executeRequestLocked(reqType, sector, data)
	if err := b.writeGuest(status.addr, []byte{st}); err != nil {
		return 0, err
	}
	return written + 1, nil // +1 for the status byte itself
}

func (b *Blk) readChainLocked(head uint16, queueSize uint32) ([]descriptor, error) {
	var out []descriptor
	idx := head
	for i := uint32(0); i < queueSize; i++ {
		raw, err := b.readGuest(b.descAddr+uint64(idx)*16, 16)
		if err != nil {
			return nil, err
		}
		d := descriptor{
			addr:  binary.LittleEndian.Uint64(raw[0:8]),
			len:   binary.LittleEndian.Uint32(raw[8:12]),
			flags: binary.LittleEndian.Uint16(raw[12:14]),
			next:  binary.LittleEndian.Uint16(raw[14:16]),
		}
		out = append(out, d)
		if d.flags&descFlagNext == 0 {
			break
		}
		idx = d.next
	}
	return out, nil
}

// executeRequestLocked performs one request against the backing file and
// returns its status byte plus the number of bytes moved into guest
// memory (always 0 for OUT/FLUSH, which only consume guest memory).
func (b *Blk) executeRequestLocked(reqType uint32, sector uint64, data []descriptor) (byte, uint32) {
	if b.file == nil {
		return statusIOErr, 0
	}
	offset := int64(sector) * 512

	switch reqType {
	case reqIn:
		var written uint32
		for _, d := range data {
			if d.flags&descFlagWrite == 0 {
				return statusIOErr, written
			}
			buf := make([]byte, d.len)
			n, err := b.file.ReadAt(buf, offset)
			if err != nil && n == 0 {
				return statusIOErr, written
			}
			if err := b.writeGuest(d.addr, buf[:n]); err != nil {
				return statusIOErr, written
			}
			offset += int64(n)
			written += uint32(n)
		}
		return statusOK, written

	case reqOut:
		if b.readonly {
			return statusIOErr, 0
		}
		for _, d := range data {
			if d.flags&descFlagWrite != 0 {
				return statusIOErr, 0
			}
			buf, err := b.readGuest(d.addr, uint64(d.len))
			if err != nil {
				return statusIOErr, 0
			}
			if _, err := b.file.WriteAt(buf, offset); err != nil {
				return statusIOErr, 0
			}
			offset += int64(d.len)
		}
		return statusOK, 0

	case reqFlush:
		// No write-back cache to flush in this sector-addressed model;
		// report success against the file-backed store, per block.rs.
		return statusOK, 0

	default:
		return statusUnsupp, 0
	}
}

func (b *Blk) pushUsedLocked(id uint16, length uint32) error {
	queueSize := b.queueNum
	if queueSize == 0 || queueSize > queueNumMax {
		queueSize = queueNumMax
	}
	usedIdx, err := b.readGuestU16(b.deviceAddr + 2)
	if err != nil {
		return err
	}
	slot := uint64(usedIdx % uint16(queueSize))
	entryAddr := b.deviceAddr + 4 + slot*8

	var entry [8]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(id))
	binary.LittleEndian.PutUint32(entry[4:8], length)
	if err := b.writeGuest(entryAddr, entry[:]); err != nil {
		return err
	}
	return b.writeGuestU16(b.deviceAddr+2, usedIdx+1)
}

func (b *Blk) readGuest(addr, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := b.vm.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("virtio-blk: read guest memory at 0x%x: %w", addr, err)
	}
	return buf, nil
}

func (b *Blk) writeGuest(addr uint64, data []byte) error {
	if _, err := b.vm.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("virtio-blk: write guest memory at 0x%x: %w", addr, err)
	}
	return nil
}

func (b *Blk) readGuestU16(addr uint64) (uint16, error) {
	buf, err := b.readGuest(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (b *Blk) writeGuestU16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return b.writeGuest(addr, buf[:])
}

var _ hv.MemoryMappedIODevice = (*Blk)(nil)
