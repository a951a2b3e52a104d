package arm64

import (
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/cc/internal/devices/arm64/serial"
	"github.com/tinyrange/cc/internal/devices/virtio"
	"github.com/tinyrange/cc/internal/fdt"
	"github.com/tinyrange/cc/internal/gic"
	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/timer"
)

const (
	dtbAlignment    = 0x8
	initrdAlignment = 0x1000
	stackGuardBytes = 0x2000

	// intcPhandle and uartClockPhandle are the only two phandles this tree
	// needs: the GICv2 node devices reference as their interrupt-parent,
	// and the fixed-clock node the PL011 node references twice (uartclk,
	// apb_pclk - real hardware ties both to the same APB clock).
	intcPhandle       = 1
	uartClockPhandle  = 2
	uartClockHz       = 24_000_000
	gicInterruptCells = 3

	// GIC interrupt-type cells, per the standard GICv2 devicetree binding
	// (Documentation/devicetree/bindings/interrupt-controller/arm,gic.yaml).
	gicTypeSPI = 0
	gicTypePPI = 1

	// Level-high, matching QEMU's virt board devicetree generation for
	// these same three device classes.
	gicFlagsLevelHigh = 4
)

// BootOptions describes how the ARM64 kernel should be placed into guest RAM.
type BootOptions struct {
	Cmdline string

	Initrd        []byte
	InitrdGPA     uint64
	DeviceTreeGPA uint64
	StackTopGPA   uint64

	NumCPUs int

	// WithVirtioBlk controls whether the device tree advertises the
	// VirtIO-MMIO block node; a machine with no block device registered
	// on its MMIO bus should leave this false so the guest doesn't probe
	// a device that isn't there.
	WithVirtioBlk bool
}

func (o BootOptions) withDefaults() BootOptions {
	out := o
	if out.NumCPUs <= 0 {
		out.NumCPUs = 1
	}
	return out
}

// BootPlan captures the derived addresses needed to enter the kernel.
type BootPlan struct {
	EntryGPA      uint64
	StackTopGPA   uint64
	DeviceTreeGPA uint64
}

// Prepare loads the kernel payload and supporting blobs into guest RAM and
// derives the state required to enter the kernel.
func (k *KernelImage) Prepare(vm hv.VirtualMachine, opts BootOptions) (*BootPlan, error) {
	if vm == nil || vm.MemorySize() == 0 {
		return nil, errors.New("arm64 prepare requires a virtual machine")
	}
	if k == nil || len(k.Payload()) == 0 {
		return nil, errors.New("arm64 kernel payload is empty")
	}

	opts = opts.withDefaults()

	memStart := vm.MemoryBase()
	memSize := vm.MemorySize()
	memEnd := memStart + memSize

	base := alignUp(memStart, imageLoadAlignment)
	loadAddr := base + k.Header.TextOffset
	if loadAddr < memStart {
		return nil, fmt.Errorf("arm64 kernel load address %#x below RAM base %#x", loadAddr, memStart)
	}

	payload := k.Payload()
	kernelEnd := loadAddr + uint64(len(payload))
	if kernelEnd > memEnd {
		return nil, fmt.Errorf("arm64 kernel [%#x, %#x) outside RAM [%#x, %#x)", loadAddr, kernelEnd, memStart, memEnd)
	}

	if err := writeGuest(vm, loadAddr, payload); err != nil {
		return nil, fmt.Errorf("write arm64 kernel payload: %w", err)
	}

	var initrdStart, initrdEnd uint64
	if len(opts.Initrd) > 0 {
		initrdStart = opts.InitrdGPA
		if initrdStart == 0 {
			initrdStart = alignUp(kernelEnd, initrdAlignment)
		}
		initrdEnd = initrdStart + uint64(len(opts.Initrd))
		if initrdStart < memStart || initrdEnd > memEnd {
			return nil, fmt.Errorf("initrd [%#x, %#x) outside RAM [%#x, %#x)", initrdStart, initrdEnd, memStart, memEnd)
		}
		if err := writeGuest(vm, initrdStart, opts.Initrd); err != nil {
			return nil, fmt.Errorf("write initrd: %w", err)
		}
	}

	dtbConfig := deviceTreeConfig{
		MemoryBase:    memStart,
		MemorySize:    memSize,
		NumCPUs:       opts.NumCPUs,
		Cmdline:       opts.Cmdline,
		InitrdStart:   initrdStart,
		InitrdEnd:     initrdEnd,
		WithVirtioBlk: opts.WithVirtioBlk,
	}
	dtb, err := buildDeviceTree(dtbConfig)
	if err != nil {
		return nil, fmt.Errorf("build device tree: %w", err)
	}

	dtbAddr := opts.DeviceTreeGPA
	if dtbAddr == 0 {
		allocBase := kernelEnd
		if initrdEnd > allocBase {
			allocBase = initrdEnd
		}
		dtbAddr = alignUp(allocBase, dtbAlignment)
	}
	dtbEnd := dtbAddr + uint64(len(dtb))
	if dtbAddr < memStart || dtbEnd > memEnd {
		return nil, fmt.Errorf("device tree [%#x, %#x) outside RAM [%#x, %#x)", dtbAddr, dtbEnd, memStart, memEnd)
	}
	if err := writeGuest(vm, dtbAddr, dtb); err != nil {
		return nil, fmt.Errorf("write device tree: %w", err)
	}

	stackTop := opts.StackTopGPA
	if stackTop == 0 {
		stackTop = alignDown(memEnd, 16)
	}
	if stackTop <= dtbEnd+stackGuardBytes {
		return nil, fmt.Errorf("stack top %#x overlaps device tree ending at %#x", stackTop, dtbEnd)
	}

	entry, err := k.Header.EntryPoint(base)
	if err != nil {
		return nil, fmt.Errorf("arm64 entry point: %w", err)
	}

	return &BootPlan{
		EntryGPA:      entry,
		StackTopGPA:   stackTop,
		DeviceTreeGPA: dtbAddr,
	}, nil
}

// ConfigureVCPU programs the first vCPU for entry into the Linux kernel,
// per the AArch64 Linux boot protocol: PC at kernel entry, X0 = DTB
// IPA, X1-X3 = 0, CPSR = EL1h with DAIF masked, MMU off.
func (p *BootPlan) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	if p == nil {
		return errors.New("arm64 boot plan is nil")
	}
	if vcpu == nil {
		return errors.New("arm64 configure requires a vCPU")
	}
	if p.DeviceTreeGPA == 0 {
		return errors.New("arm64 device tree GPA is zero")
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64Pc:     hv.Register64(p.EntryGPA),
		hv.RegisterARM64Sp:     hv.Register64(p.StackTopGPA),
		hv.RegisterARM64X0:     hv.Register64(p.DeviceTreeGPA),
		hv.RegisterARM64X1:     hv.Register64(0),
		hv.RegisterARM64X2:     hv.Register64(0),
		hv.RegisterARM64X3:     hv.Register64(0),
		hv.RegisterARM64Pstate: hv.Register64(defaultPstateBits),
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("set arm64 registers: %w", err)
	}
	return nil
}

const (
	pstateModeEL1h    = 0x5
	pstateDF          = 0x200
	pstateAF          = 0x100
	pstateIF          = 0x80
	pstateFF          = 0x40
	defaultPstateBits = pstateModeEL1h | pstateDF | pstateAF | pstateIF | pstateFF
)

type deviceTreeConfig struct {
	MemoryBase    uint64
	MemorySize    uint64
	NumCPUs       int
	Cmdline       string
	InitrdStart   uint64
	InitrdEnd     uint64
	WithVirtioBlk bool
}

// buildDeviceTree constructs a "linux,dummy-virt" FDT:
// root, CPU(s), memory, a GICv2 intc, the architected timer's four PPIs, a
// PL011 UART, an optional VirtIO-MMIO block node, and chosen/psci. It uses
// internal/fdt's declarative Node/Build API rather than hand-rolling
// struct-block bytes a second time in this package.
func buildDeviceTree(cfg deviceTreeConfig) ([]byte, error) {
	if cfg.MemorySize == 0 {
		return nil, errors.New("device tree requires non-zero RAM size")
	}
	if cfg.NumCPUs <= 0 {
		return nil, errors.New("device tree requires at least one CPU")
	}

	cpus := fdt.Node{
		Name: "cpus",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{0}},
		},
	}
	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		cpus.Children = append(cpus.Children, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", cpu),
			Properties: map[string]fdt.Property{
				"device_type":   {Strings: []string{"cpu"}},
				"compatible":    {Strings: []string{"arm,armv8"}},
				"reg":           {U64: []uint64{uint64(cpu)}},
				"enable-method": {Strings: []string{"psci"}},
			},
		})
	}

	memory := fdt.Node{
		Name: fmt.Sprintf("memory@%x", cfg.MemoryBase),
		Properties: map[string]fdt.Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U64: []uint64{cfg.MemoryBase, cfg.MemorySize}},
		},
	}

	intc := fdt.Node{
		Name: fmt.Sprintf("intc@%x", gic.DistributorBase),
		Properties: map[string]fdt.Property{
			"compatible":        {Strings: []string{"arm,cortex-a15-gic"}},
			"#interrupt-cells":  {U32: []uint32{gicInterruptCells}},
			"#address-cells":    {U32: []uint32{0}},
			"interrupt-controller": {Flag: true},
			"reg": {U64: []uint64{
				gic.DistributorBase, gic.DistributorSize,
				gic.CPUInterfaceBase, gic.CPUInterfaceSize,
			}},
			"phandle": {U32: []uint32{intcPhandle}},
		},
	}

	timerNode := fdt.Node{
		Name: "timer",
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"arm,armv8-timer"}},
			"interrupts": {U32: []uint32{
				gicTypePPI, 13, gicFlagsLevelHigh, // secure physical
				gicTypePPI, 14, gicFlagsLevelHigh, // non-secure physical (IRQ 30, matches timer.PhysTimerIRQ)
				gicTypePPI, 11, gicFlagsLevelHigh, // virtual (IRQ 27, matches timer.VirtTimerIRQ)
				gicTypePPI, 10, gicFlagsLevelHigh, // hypervisor
			}},
			"always-on": {Flag: true},
		},
	}
	if got, want := uint32(16+14), uint32(timer.PhysTimerIRQ); got != want {
		return nil, fmt.Errorf("device tree: phys timer PPI maps to IRQ %d, want %d", got, want)
	}
	if got, want := uint32(16+11), uint32(timer.VirtTimerIRQ); got != want {
		return nil, fmt.Errorf("device tree: virt timer PPI maps to IRQ %d, want %d", got, want)
	}

	apbClock := fdt.Node{
		Name: "apb-pclk",
		Properties: map[string]fdt.Property{
			"compatible":      {Strings: []string{"fixed-clock"}},
			"#clock-cells":    {U32: []uint32{0}},
			"clock-frequency": {U32: []uint32{uartClockHz}},
			"clock-output-names": {Strings: []string{"clk24mhz"}},
			"phandle":         {U32: []uint32{uartClockPhandle}},
		},
	}

	uartSPI := uint32(serial.IRQ)
	if uartSPI < 32 {
		return nil, fmt.Errorf("device tree: pl011 irq %d is not an SPI", uartSPI)
	}
	uart := fdt.Node{
		Name: fmt.Sprintf("pl011@%x", serial.Base),
		Properties: map[string]fdt.Property{
			"compatible":  {Strings: []string{"arm,pl011", "arm,primecell"}},
			"reg":         {U64: []uint64{serial.Base, serial.Size}},
			"interrupts":  {U32: []uint32{gicTypeSPI, uartSPI - 32, gicFlagsLevelHigh}},
			"clocks":      {U32: []uint32{uartClockPhandle, uartClockPhandle}},
			"clock-names": {Strings: []string{"uartclk", "apb_pclk"}},
			"status":      {Strings: []string{"okay"}},
		},
	}

	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells":   {U32: []uint32{2}},
			"#size-cells":      {U32: []uint32{2}},
			"compatible":       {Strings: []string{"linux,dummy-virt"}},
			"model":            {Strings: []string{"tinyrange-cc,arm64-hv"}},
			"interrupt-parent": {U32: []uint32{intcPhandle}},
		},
		Children: []fdt.Node{cpus, memory, intc, timerNode, apbClock, uart},
	}

	if cfg.WithVirtioBlk {
		blkSPI := uint32(virtio.BlkIRQ)
		if blkSPI < 32 {
			return nil, fmt.Errorf("device tree: virtio-blk irq %d is not an SPI", blkSPI)
		}
		root.Children = append(root.Children, fdt.Node{
			Name: fmt.Sprintf("virtio_block@%x", virtio.BlkBase),
			Properties: map[string]fdt.Property{
				"compatible": {Strings: []string{"virtio,mmio"}},
				"reg":        {U64: []uint64{virtio.BlkBase, virtio.BlkSize}},
				"interrupts": {U32: []uint32{gicTypeSPI, blkSPI - 32, gicFlagsLevelHigh}},
			},
		})
	}

	chosen := fdt.Node{
		Name:       "chosen",
		Properties: map[string]fdt.Property{},
	}
	if cfg.Cmdline != "" {
		chosen.Properties["bootargs"] = fdt.Property{Strings: []string{cfg.Cmdline}}
	}
	if cfg.InitrdEnd > cfg.InitrdStart {
		chosen.Properties["linux,initrd-start"] = fdt.Property{U64: []uint64{cfg.InitrdStart}}
		chosen.Properties["linux,initrd-end"] = fdt.Property{U64: []uint64{cfg.InitrdEnd}}
	}
	stdout := fmt.Sprintf("/%s", uart.Name)
	chosen.Properties["stdout-path"] = fdt.Property{Strings: []string{stdout}}
	root.Children = append(root.Children, chosen)

	root.Children = append(root.Children, fdt.Node{
		Name: "psci",
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"arm,psci-0.2", "arm,psci"}},
			"method":     {Strings: []string{"hvc"}},
		},
	})

	return fdt.Build(root)
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}

func writeGuest(vm hv.VirtualMachine, guestAddr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	memStart := vm.MemoryBase()
	memEnd := memStart + vm.MemorySize()
	if guestAddr < memStart || guestAddr+uint64(len(data)) > memEnd {
		return fmt.Errorf("guest address range [%#x, %#x) outside RAM [%#x, %#x)", guestAddr, guestAddr+uint64(len(data)), memStart, memEnd)
	}
	if guestAddr > math.MaxInt64 {
		return fmt.Errorf("guest address %#x out of host range", guestAddr)
	}
	if _, err := vm.WriteAt(data, int64(guestAddr)); err != nil {
		return fmt.Errorf("write guest memory at %#x: %w", guestAddr, err)
	}
	return nil
}
