//go:build darwin && arm64

package bindings

import "unsafe"

// This file exposes the bound symbols as regular Go functions. Every
// function calls MustLoad() first so callers never have to sequence
// Load() themselves.

func HvVmCreate(config VMConfig) Return {
	MustLoad()
	return hv_vm_create(config)
}

func HvVmDestroy() Return {
	MustLoad()
	return hv_vm_destroy()
}

func HvVmMap(addr unsafe.Pointer, ipa IPA, size uintptr, flags MemoryFlags) Return {
	MustLoad()
	return hv_vm_map(addr, ipa, size, flags)
}

func HvVmUnmap(ipa IPA, size uintptr) Return {
	MustLoad()
	return hv_vm_unmap(ipa, size)
}

func HvVcpuConfigCreate() VcpuConfig {
	MustLoad()
	return hv_vcpu_config_create()
}

func HvVcpuCreate(vcpu *VCPU, exit **VcpuExit, config VcpuConfig) Return {
	MustLoad()
	return hv_vcpu_create(vcpu, exit, config)
}

func HvVcpuDestroy(vcpu VCPU) Return {
	MustLoad()
	return hv_vcpu_destroy(vcpu)
}

func HvVcpuGetReg(vcpu VCPU, reg Reg, value *uint64) Return {
	MustLoad()
	return hv_vcpu_get_reg(vcpu, reg, value)
}

func HvVcpuSetReg(vcpu VCPU, reg Reg, value uint64) Return {
	MustLoad()
	return hv_vcpu_set_reg(vcpu, reg, value)
}

func HvVcpuGetSysReg(vcpu VCPU, reg SysReg, value *uint64) Return {
	MustLoad()
	return hv_vcpu_get_sys_reg(vcpu, reg, value)
}

func HvVcpuSetSysReg(vcpu VCPU, reg SysReg, value uint64) Return {
	MustLoad()
	return hv_vcpu_set_sys_reg(vcpu, reg, value)
}

func HvVcpuGetPendingInterrupt(vcpu VCPU, typ InterruptType, pending *bool) Return {
	MustLoad()
	return hv_vcpu_get_pending_interrupt(vcpu, typ, pending)
}

func HvVcpuSetPendingInterrupt(vcpu VCPU, typ InterruptType, pending bool) Return {
	MustLoad()
	return hv_vcpu_set_pending_interrupt(vcpu, typ, pending)
}

func HvVcpuRun(vcpu VCPU) Return {
	MustLoad()
	return hv_vcpu_run(vcpu)
}

// HvVcpusExit forces in-flight hv_vcpu_run calls on the named vCPUs to
// return with HV_EXIT_REASON_CANCELED. Unlike every other entry point it is
// meant to be called from a different thread than the one running the vCPU.
func HvVcpusExit(vcpus *VCPU, count uint32) Return {
	MustLoad()
	return hv_vcpus_exit(vcpus, count)
}

func HvVcpuGetVtimerMask(vcpu VCPU, masked *bool) Return {
	MustLoad()
	return hv_vcpu_get_vtimer_mask(vcpu, masked)
}

func HvVcpuSetVtimerMask(vcpu VCPU, masked bool) Return {
	MustLoad()
	return hv_vcpu_set_vtimer_mask(vcpu, masked)
}

func HvVcpuGetVtimerOffset(vcpu VCPU, offset *uint64) Return {
	MustLoad()
	return hv_vcpu_get_vtimer_offset(vcpu, offset)
}

func HvVcpuSetVtimerOffset(vcpu VCPU, offset uint64) Return {
	MustLoad()
	return hv_vcpu_set_vtimer_offset(vcpu, offset)
}

func HvVcpuSetTrapDebugExceptions(vcpu VCPU, enable bool) Return {
	MustLoad()
	return hv_vcpu_set_trap_debug_exceptions(vcpu, enable)
}

// MachAbsoluteTime returns the host's raw 24MHz counter, the same timebase
// the guest observes through CNTVCT_EL0 before any vtimer offset applies.
func MachAbsoluteTime() uint64 {
	MustLoad()
	return mach_absolute_time()
}
