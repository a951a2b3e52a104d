//go:build darwin && arm64

// Package hvf implements hv.Hypervisor against Apple's Hypervisor.framework
// for a single-vCPU AArch64 guest. All device emulation (GIC, timer, UART,
// virtio-blk) lives above this package in internal/machine and
// internal/devices; this package only owns the host primitive: create VM,
// map guest memory, create one vCPU, run it until exit, and translate
// registers and exit syndromes to and from internal/hv's types.
package hvf

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/hv/hvf/bindings"
	"golang.org/x/sys/unix"
)

var registerMap = map[hv.Register]bindings.Reg{
	hv.RegisterARM64X0:  bindings.HV_REG_X0,
	hv.RegisterARM64X1:  bindings.HV_REG_X1,
	hv.RegisterARM64X2:  bindings.HV_REG_X2,
	hv.RegisterARM64X3:  bindings.HV_REG_X3,
	hv.RegisterARM64X4:  bindings.HV_REG_X4,
	hv.RegisterARM64X5:  bindings.HV_REG_X5,
	hv.RegisterARM64X6:  bindings.HV_REG_X6,
	hv.RegisterARM64X7:  bindings.HV_REG_X7,
	hv.RegisterARM64X8:  bindings.HV_REG_X8,
	hv.RegisterARM64X9:  bindings.HV_REG_X9,
	hv.RegisterARM64X10: bindings.HV_REG_X10,
	hv.RegisterARM64X11: bindings.HV_REG_X11,
	hv.RegisterARM64X12: bindings.HV_REG_X12,
	hv.RegisterARM64X13: bindings.HV_REG_X13,
	hv.RegisterARM64X14: bindings.HV_REG_X14,
	hv.RegisterARM64X15: bindings.HV_REG_X15,
	hv.RegisterARM64X16: bindings.HV_REG_X16,
	hv.RegisterARM64X17: bindings.HV_REG_X17,
	hv.RegisterARM64X18: bindings.HV_REG_X18,
	hv.RegisterARM64X19: bindings.HV_REG_X19,
	hv.RegisterARM64X20: bindings.HV_REG_X20,
	hv.RegisterARM64X21: bindings.HV_REG_X21,
	hv.RegisterARM64X22: bindings.HV_REG_X22,
	hv.RegisterARM64X23: bindings.HV_REG_X23,
	hv.RegisterARM64X24: bindings.HV_REG_X24,
	hv.RegisterARM64X25: bindings.HV_REG_X25,
	hv.RegisterARM64X26: bindings.HV_REG_X26,
	hv.RegisterARM64X27: bindings.HV_REG_X27,
	hv.RegisterARM64X28: bindings.HV_REG_X28,
	hv.RegisterARM64X29: bindings.HV_REG_X29,
	hv.RegisterARM64X30: bindings.HV_REG_X30,
	hv.RegisterARM64Pc:     bindings.HV_REG_PC,
	hv.RegisterARM64Pstate: bindings.HV_REG_CPSR,
}

var sysRegisterMap = map[hv.Register]bindings.SysReg{
	hv.RegisterARM64Vbar: bindings.HV_SYS_REG_VBAR_EL1,
	hv.RegisterARM64Sp:   bindings.HV_SYS_REG_SP_EL1,
}

// namedSysRegs backs VirtualCPU.GetSysReg/SetSysReg's string-keyed escape
// hatch, for system registers not in the fixed hv.Register enum.
var namedSysRegs = map[string]bindings.SysReg{
	"MPIDR_EL1": bindings.HV_SYS_REG_MPIDR_EL1,
	"VBAR_EL1":  bindings.HV_SYS_REG_VBAR_EL1,
	"SP_EL1":    bindings.HV_SYS_REG_SP_EL1,
	"SCTLR_EL1": bindings.HV_SYS_REG_SCTLR_EL1,
	"ELR_EL1":   bindings.HV_SYS_REG_ELR_EL1,
	"SPSR_EL1":  bindings.HV_SYS_REG_SPSR_EL1,
	"ESR_EL1":   bindings.HV_SYS_REG_ESR_EL1,
	"FAR_EL1":   bindings.HV_SYS_REG_FAR_EL1,
	"TTBR0_EL1": bindings.HV_SYS_REG_TTBR0_EL1,
	"TTBR1_EL1": bindings.HV_SYS_REG_TTBR1_EL1,
	"TCR_EL1":   bindings.HV_SYS_REG_TCR_EL1,

	"CNTV_CTL_EL0":  bindings.HV_SYS_REG_CNTV_CTL_EL0,
	"CNTV_CVAL_EL0": bindings.HV_SYS_REG_CNTV_CVAL_EL0,
}

// pstateEL1h is the CPSR value the Linux boot protocol expects at entry:
// EL1h, DAIF all masked.
const pstateEL1h = 0x3c5

type hypervisor struct{}

// Open loads Hypervisor.framework and returns a ready-to-use hv.Hypervisor.
// Creating a VM requires the com.apple.security.hypervisor entitlement;
// without it every call below returns HV_DENIED.
func Open() (hv.Hypervisor, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("hvf: %w", err)
	}
	return &hypervisor{}, nil
}

func (h *hypervisor) Close() error { return nil }

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

// NewVirtualMachine implements hv.Hypervisor. Hypervisor.framework ties a
// VM and its vCPUs to the pthread that created them, so this dedicates one
// locked OS thread to the VM's entire lifetime and routes every hv_vm_*/
// hv_vcpu_* call through it.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("hvf: only single-vCPU machines are supported, got %d", config.CPUCount())
	}
	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("hvf: memory size must be greater than 0")
	}

	vm := &virtualMachine{
		hv:         h,
		memoryBase: config.MemoryBase(),
		exec:       make(chan func()),
	}

	started := make(chan struct{})
	go vm.loop(started)
	<-started

	if err := vm.call(func() error {
		if ret := bindings.HvVmCreate(0); ret != bindings.HV_SUCCESS {
			return fmt.Errorf("hv_vm_create: %w", ret)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := config.Callbacks().OnCreateVM(vm); err != nil {
		return nil, fmt.Errorf("hvf: VM callback OnCreateVM: %w", err)
	}

	mem, err := unix.Mmap(-1, 0, int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hvf: mmap guest memory: %w", err)
	}
	vm.memory = mem

	if err := vm.call(func() error {
		flags := bindings.HV_MEMORY_READ | bindings.HV_MEMORY_WRITE | bindings.HV_MEMORY_EXEC
		if ret := bindings.HvVmMap(unsafe.Pointer(&mem[0]), bindings.IPA(config.MemoryBase()), uintptr(len(mem)), flags); ret != bindings.HV_SUCCESS {
			unix.Munmap(mem)
			return fmt.Errorf("hv_vm_map: %w", ret)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := config.Callbacks().OnCreateVMWithMemory(vm); err != nil {
		return nil, fmt.Errorf("hvf: VM callback OnCreateVMWithMemory: %w", err)
	}

	vcpu, err := vm.createVCPU(0)
	if err != nil {
		return nil, err
	}
	vm.vcpu = vcpu

	if err := config.Callbacks().OnCreateVCPU(vcpu); err != nil {
		return nil, fmt.Errorf("hvf: VM callback OnCreateVCPU: %w", err)
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, fmt.Errorf("hvf: load VM: %w", err)
		}
	}

	return vm, nil
}

var _ hv.Hypervisor = (*hypervisor)(nil)

type virtualMachine struct {
	hv         *hypervisor
	exec       chan func()
	memory     []byte
	memoryBase uint64
	devices    []hv.Device
	vcpu       *virtualCPU
}

// loop runs on a single locked OS thread for the VM's entire lifetime, so
// every Hypervisor.framework call for this VM (and its one vCPU) executes
// on the thread that created it, as the framework requires.
func (vm *virtualMachine) loop(started chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	close(started)
	for fn := range vm.exec {
		fn()
	}
}

func (vm *virtualMachine) call(fn func() error) error {
	done := make(chan error, 1)
	vm.exec <- func() { done <- fn() }
	return <-done
}

func (vm *virtualMachine) createVCPU(id int) (*virtualCPU, error) {
	v := &virtualCPU{vm: vm, id: bindings.VCPU(id)}
	if err := vm.call(func() error {
		cfg := bindings.HvVcpuConfigCreate()
		if ret := bindings.HvVcpuCreate(&v.handle, &v.exitInfo, cfg); ret != bindings.HV_SUCCESS {
			return fmt.Errorf("hv_vcpu_create: %w", ret)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := v.SetSysReg("MPIDR_EL1", uint64(id)); err != nil {
		return nil, fmt.Errorf("hvf: initialize MPIDR_EL1: %w", err)
	}
	// Rebase the virtual counter to the host's current 24MHz counter so the
	// guest's CNTVCT_EL0 starts from zero. Without this the guest sees tens
	// of trillions of ticks of host uptime and arms compare values relative
	// to that, which the exit loop's software timer cannot reproduce.
	if err := v.SetVtimerOffset(bindings.MachAbsoluteTime()); err != nil {
		return nil, fmt.Errorf("hvf: rebase vtimer offset: %w", err)
	}
	if err := v.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64Pstate: hv.Register64(pstateEL1h),
	}); err != nil {
		return nil, fmt.Errorf("hvf: initialize CPSR: %w", err)
	}
	return v, nil
}

func (vm *virtualMachine) Hypervisor() hv.Hypervisor { return vm.hv }
func (vm *virtualMachine) MemorySize() uint64        { return uint64(len(vm.memory)) }
func (vm *virtualMachine) MemoryBase() uint64        { return vm.memoryBase }

func (vm *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) < vm.memoryBase {
		return 0, fmt.Errorf("hvf: ReadAt address 0x%x below memory base", off)
	}
	hostOff := uint64(off) - vm.memoryBase
	if hostOff >= uint64(len(vm.memory)) {
		return 0, fmt.Errorf("hvf: ReadAt address 0x%x out of bounds", off)
	}
	n := copy(p, vm.memory[hostOff:])
	if n < len(p) {
		return n, fmt.Errorf("hvf: ReadAt short read at 0x%x", off)
	}
	return n, nil
}

func (vm *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) < vm.memoryBase {
		return 0, fmt.Errorf("hvf: WriteAt address 0x%x below memory base", off)
	}
	hostOff := uint64(off) - vm.memoryBase
	if hostOff >= uint64(len(vm.memory)) {
		return 0, fmt.Errorf("hvf: WriteAt address 0x%x out of bounds", off)
	}
	n := copy(vm.memory[hostOff:], p)
	if n < len(p) {
		return n, fmt.Errorf("hvf: WriteAt short write at 0x%x", off)
	}
	return n, nil
}

func (vm *virtualMachine) Close() error {
	mem := vm.memory
	vm.memory = nil
	return vm.call(func() error {
		if mem != nil {
			if ret := bindings.HvVmUnmap(bindings.IPA(vm.memoryBase), uintptr(len(mem))); ret != bindings.HV_SUCCESS {
				return fmt.Errorf("hv_vm_unmap: %w", ret)
			}
			unix.Munmap(mem)
		}
		if ret := bindings.HvVmDestroy(); ret != bindings.HV_SUCCESS {
			return fmt.Errorf("hv_vm_destroy: %w", ret)
		}
		return nil
	})
}

// Run implements hv.VirtualMachine. It hands the single vCPU to cfg, which
// drives the exit loop (internal/machine.Machine.Run in this repo); that
// loop calls vcpu.Run/GetRegisters/SetRegisters directly, all of which
// themselves hop onto the VM's locked thread via vm.call.
func (vm *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("hvf: RunConfig is nil")
	}
	if vm.vcpu == nil {
		return fmt.Errorf("hvf: no vCPU created")
	}
	return cfg.Run(ctx, vm.vcpu)
}

func (vm *virtualMachine) VirtualCPUCall(id int, f func(hv.VirtualCPU) error) error {
	if id != 0 || vm.vcpu == nil {
		return fmt.Errorf("hvf: no such vCPU %d", id)
	}
	return f(vm.vcpu)
}

func (vm *virtualMachine) AddDevice(dev hv.Device) error {
	vm.devices = append(vm.devices, dev)
	return dev.Init(vm)
}

func (vm *virtualMachine) AddDeviceFromTemplate(template hv.DeviceTemplate) error {
	dev, err := template.Create(vm)
	if err != nil {
		return fmt.Errorf("hvf: create device from template: %w", err)
	}
	return vm.AddDevice(dev)
}

type memoryRegion struct {
	mem []byte
}

func (m *memoryRegion) Size() uint64 { return uint64(len(m.mem)) }

func (m *memoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, fmt.Errorf("hvf: ReadAt offset out of bounds")
	}
	return copy(p, m.mem[off:]), nil
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, fmt.Errorf("hvf: WriteAt offset out of bounds")
	}
	return copy(m.mem[off:], p), nil
}

// AllocateMemory maps an additional guest-physical region, e.g. for a
// device backed by directly-mapped host memory rather than trapped MMIO.
func (vm *virtualMachine) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hvf: allocate memory: %w", err)
	}
	if err := vm.call(func() error {
		flags := bindings.HV_MEMORY_READ | bindings.HV_MEMORY_WRITE | bindings.HV_MEMORY_EXEC
		if ret := bindings.HvVmMap(unsafe.Pointer(&mem[0]), bindings.IPA(physAddr), uintptr(size), flags); ret != bindings.HV_SUCCESS {
			unix.Munmap(mem)
			return fmt.Errorf("hv_vm_map: %w", ret)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &memoryRegion{mem: mem}, nil
}

var _ hv.VirtualMachine = (*virtualMachine)(nil)

type virtualCPU struct {
	vm       *virtualMachine
	id       bindings.VCPU
	handle   bindings.VCPU
	exitInfo *bindings.VcpuExit
}

func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *virtualCPU) ID() int                           { return int(v.id) }

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return v.vm.call(func() error {
		for reg, val := range regs {
			value := uint64(val.(hv.Register64))
			if hreg, ok := registerMap[reg]; ok {
				if ret := bindings.HvVcpuSetReg(v.handle, hreg, value); ret != bindings.HV_SUCCESS {
					return fmt.Errorf("hvf: set register %s: %w", reg, ret)
				}
				continue
			}
			if sreg, ok := sysRegisterMap[reg]; ok {
				if ret := bindings.HvVcpuSetSysReg(v.handle, sreg, value); ret != bindings.HV_SUCCESS {
					return fmt.Errorf("hvf: set system register %s: %w", reg, ret)
				}
				continue
			}
			if reg == hv.RegisterARM64Xzr {
				continue
			}
			return fmt.Errorf("hvf: unsupported register %s", reg)
		}
		return nil
	})
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return v.vm.call(func() error {
		for reg := range regs {
			if reg == hv.RegisterARM64Xzr {
				regs[reg] = hv.Register64(0)
				continue
			}
			if hreg, ok := registerMap[reg]; ok {
				var value uint64
				if ret := bindings.HvVcpuGetReg(v.handle, hreg, &value); ret != bindings.HV_SUCCESS {
					return fmt.Errorf("hvf: get register %s: %w", reg, ret)
				}
				regs[reg] = hv.Register64(value)
				continue
			}
			if sreg, ok := sysRegisterMap[reg]; ok {
				var value uint64
				if ret := bindings.HvVcpuGetSysReg(v.handle, sreg, &value); ret != bindings.HV_SUCCESS {
					return fmt.Errorf("hvf: get system register %s: %w", reg, ret)
				}
				regs[reg] = hv.Register64(value)
				continue
			}
			return fmt.Errorf("hvf: unsupported register %s", reg)
		}
		return nil
	})
}

func (v *virtualCPU) GetSysReg(name string) (uint64, error) {
	sreg, ok := namedSysRegs[name]
	if !ok {
		return 0, fmt.Errorf("hvf: unknown system register %q", name)
	}
	var value uint64
	err := v.vm.call(func() error {
		if ret := bindings.HvVcpuGetSysReg(v.handle, sreg, &value); ret != bindings.HV_SUCCESS {
			return fmt.Errorf("hvf: get system register %s: %w", name, ret)
		}
		return nil
	})
	return value, err
}

func (v *virtualCPU) SetSysReg(name string, value uint64) error {
	sreg, ok := namedSysRegs[name]
	if !ok {
		return fmt.Errorf("hvf: unknown system register %q", name)
	}
	return v.vm.call(func() error {
		if ret := bindings.HvVcpuSetSysReg(v.handle, sreg, value); ret != bindings.HV_SUCCESS {
			return fmt.Errorf("hvf: set system register %s: %w", name, ret)
		}
		return nil
	})
}

func (v *virtualCPU) SetPendingInterrupt(irq bool, pending bool) error {
	typ := bindings.HV_INTERRUPT_TYPE_IRQ
	if !irq {
		typ = bindings.HV_INTERRUPT_TYPE_FIQ
	}
	return v.vm.call(func() error {
		if ret := bindings.HvVcpuSetPendingInterrupt(v.handle, typ, pending); ret != bindings.HV_SUCCESS {
			return fmt.Errorf("hv_vcpu_set_pending_interrupt: %w", ret)
		}
		return nil
	})
}

func (v *virtualCPU) SetVtimerMask(masked bool) error {
	return v.vm.call(func() error {
		if ret := bindings.HvVcpuSetVtimerMask(v.handle, masked); ret != bindings.HV_SUCCESS {
			return fmt.Errorf("hv_vcpu_set_vtimer_mask: %w", ret)
		}
		return nil
	})
}

func (v *virtualCPU) SetVtimerOffset(offset uint64) error {
	return v.vm.call(func() error {
		if ret := bindings.HvVcpuSetVtimerOffset(v.handle, offset); ret != bindings.HV_SUCCESS {
			return fmt.Errorf("hv_vcpu_set_vtimer_offset: %w", ret)
		}
		return nil
	})
}

func (v *virtualCPU) SetTrapDebugExceptions(enabled bool) error {
	return v.vm.call(func() error {
		if ret := bindings.HvVcpuSetTrapDebugExceptions(v.handle, enabled); ret != bindings.HV_SUCCESS {
			return fmt.Errorf("hv_vcpu_set_trap_debug_exceptions: %w", ret)
		}
		return nil
	})
}

// Run executes the vCPU until Hypervisor.framework reports an exit. If ctx
// is canceled mid-run, hv_vcpus_exit (callable from any thread, unlike the
// rest of the API) forces the in-flight hv_vcpu_run to return with a
// canceled exit, so the VM thread is never abandoned mid-call.
func (v *virtualCPU) Run(ctx context.Context) (hv.ExitInfo, error) {
	type result struct {
		info hv.ExitInfo
		err  error
	}
	done := make(chan result, 1)
	v.vm.exec <- func() {
		if ret := bindings.HvVcpuRun(v.handle); ret != bindings.HV_SUCCESS {
			done <- result{err: fmt.Errorf("hv_vcpu_run: %w", ret)}
			return
		}
		done <- result{info: translateExit(v.exitInfo)}
	}

	select {
	case r := <-done:
		return r.info, r.err
	case <-ctx.Done():
		if ret := bindings.HvVcpusExit(&v.handle, 1); ret != bindings.HV_SUCCESS {
			return hv.ExitInfo{}, fmt.Errorf("hv_vcpus_exit: %w", ret)
		}
		r := <-done
		if r.err != nil {
			return r.info, r.err
		}
		return hv.ExitInfo{Reason: hv.ExitReasonCanceled}, nil
	}
}

func translateExit(exit *bindings.VcpuExit) hv.ExitInfo {
	switch exit.Reason {
	case bindings.HV_EXIT_REASON_CANCELED:
		return hv.ExitInfo{Reason: hv.ExitReasonCanceled}
	case bindings.HV_EXIT_REASON_VTIMER_ACTIVATED:
		return hv.ExitInfo{Reason: hv.ExitReasonVTimerActivated}
	case bindings.HV_EXIT_REASON_VTIMER_DEACTIVATED:
		return hv.ExitInfo{Reason: hv.ExitReasonVTimerDeactivated}
	default:
		return hv.ExitInfo{
			Reason:          hv.ExitReasonException,
			Syndrome:        exit.Exception.Syndrome,
			PhysicalAddress: exit.Exception.PhysicalAddress,
		}
	}
}

var _ hv.VirtualCPU = (*virtualCPU)(nil)
