//go:build darwin && arm64

package bindings

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	loadOnce sync.Once
	loadErr  error

	hypervisorLib uintptr
)

// Load loads Hypervisor.framework and binds the subset of the arm64 API
// this backend calls. This package intentionally stays a thin, literal
// translation of the C entry points; the safety and ergonomics belong in
// internal/hv/hvf.
func Load() error {
	loadOnce.Do(func() {
		var err error
		hypervisorLib, err = purego.Dlopen(
			"/System/Library/Frameworks/Hypervisor.framework/Hypervisor",
			purego.RTLD_GLOBAL|purego.RTLD_NOW,
		)
		if err != nil {
			loadErr = fmt.Errorf("purego dlopen Hypervisor.framework: %w", err)
			return
		}

		purego.RegisterLibFunc(&hv_vm_create, hypervisorLib, "hv_vm_create")
		purego.RegisterLibFunc(&hv_vm_destroy, hypervisorLib, "hv_vm_destroy")
		purego.RegisterLibFunc(&hv_vm_map, hypervisorLib, "hv_vm_map")
		purego.RegisterLibFunc(&hv_vm_unmap, hypervisorLib, "hv_vm_unmap")

		purego.RegisterLibFunc(&hv_vcpu_config_create, hypervisorLib, "hv_vcpu_config_create")
		purego.RegisterLibFunc(&hv_vcpu_create, hypervisorLib, "hv_vcpu_create")
		purego.RegisterLibFunc(&hv_vcpu_destroy, hypervisorLib, "hv_vcpu_destroy")
		purego.RegisterLibFunc(&hv_vcpu_get_reg, hypervisorLib, "hv_vcpu_get_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_reg, hypervisorLib, "hv_vcpu_set_reg")
		purego.RegisterLibFunc(&hv_vcpu_get_sys_reg, hypervisorLib, "hv_vcpu_get_sys_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_sys_reg, hypervisorLib, "hv_vcpu_set_sys_reg")
		purego.RegisterLibFunc(&hv_vcpu_get_pending_interrupt, hypervisorLib, "hv_vcpu_get_pending_interrupt")
		purego.RegisterLibFunc(&hv_vcpu_set_pending_interrupt, hypervisorLib, "hv_vcpu_set_pending_interrupt")
		purego.RegisterLibFunc(&hv_vcpu_run, hypervisorLib, "hv_vcpu_run")
		purego.RegisterLibFunc(&hv_vcpus_exit, hypervisorLib, "hv_vcpus_exit")
		purego.RegisterLibFunc(&hv_vcpu_set_trap_debug_exceptions, hypervisorLib, "hv_vcpu_set_trap_debug_exceptions")
		purego.RegisterLibFunc(&hv_vcpu_get_vtimer_mask, hypervisorLib, "hv_vcpu_get_vtimer_mask")
		purego.RegisterLibFunc(&hv_vcpu_set_vtimer_mask, hypervisorLib, "hv_vcpu_set_vtimer_mask")
		purego.RegisterLibFunc(&hv_vcpu_get_vtimer_offset, hypervisorLib, "hv_vcpu_get_vtimer_offset")
		purego.RegisterLibFunc(&hv_vcpu_set_vtimer_offset, hypervisorLib, "hv_vcpu_set_vtimer_offset")

		// mach_absolute_time ticks at the same 24MHz rate as the guest-visible
		// generic-timer counter on Apple silicon, which makes it the host-side
		// reference the vtimer offset is rebased against.
		systemLib, err := purego.Dlopen(
			"/usr/lib/libSystem.B.dylib",
			purego.RTLD_GLOBAL|purego.RTLD_NOW,
		)
		if err != nil {
			loadErr = fmt.Errorf("purego dlopen libSystem: %w", err)
			return
		}
		purego.RegisterLibFunc(&mach_absolute_time, systemLib, "mach_absolute_time")
	})
	return loadErr
}

func MustLoad() {
	if err := Load(); err != nil {
		panic(err)
	}
}

var (
	hv_vm_create  func(config VMConfig) Return
	hv_vm_destroy func() Return
	hv_vm_map     func(addr unsafe.Pointer, ipa IPA, size uintptr, flags MemoryFlags) Return
	hv_vm_unmap   func(ipa IPA, size uintptr) Return

	hv_vcpu_config_create         func() VcpuConfig
	hv_vcpu_create                func(vcpu *VCPU, exit **VcpuExit, config VcpuConfig) Return
	hv_vcpu_destroy               func(vcpu VCPU) Return
	hv_vcpu_get_reg               func(vcpu VCPU, reg Reg, value *uint64) Return
	hv_vcpu_set_reg               func(vcpu VCPU, reg Reg, value uint64) Return
	hv_vcpu_get_sys_reg           func(vcpu VCPU, reg SysReg, value *uint64) Return
	hv_vcpu_set_sys_reg           func(vcpu VCPU, reg SysReg, value uint64) Return
	hv_vcpu_get_pending_interrupt func(vcpu VCPU, typ InterruptType, pending *bool) Return
	hv_vcpu_set_pending_interrupt func(vcpu VCPU, typ InterruptType, pending bool) Return
	hv_vcpu_run                   func(vcpu VCPU) Return
	hv_vcpus_exit                 func(vcpus *VCPU, count uint32) Return

	hv_vcpu_set_trap_debug_exceptions func(vcpu VCPU, enable bool) Return
	hv_vcpu_get_vtimer_mask       func(vcpu VCPU, masked *bool) Return
	hv_vcpu_set_vtimer_mask       func(vcpu VCPU, masked bool) Return
	hv_vcpu_get_vtimer_offset     func(vcpu VCPU, offset *uint64) Return
	hv_vcpu_set_vtimer_offset     func(vcpu VCPU, offset uint64) Return

	mach_absolute_time func() uint64
)
