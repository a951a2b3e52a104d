package machine

import "github.com/tinyrange/cc/internal/hv"

// PSCI function identifiers this core answers (ARM DEN0022, §5.1/§5.2).
// Both the 32-bit and 64-bit SMC64 calling convention IDs are accepted for
// the functions that have one, since a guest may use either.
const (
	psciVersion        = 0x8400_0000
	psciCPUSuspend32   = 0x8400_0001
	psciCPUSuspend64   = 0xC400_0001
	psciCPUOff         = 0x8400_0002
	psciCPUOn32        = 0x8400_0003
	psciCPUOn64        = 0xC400_0003
	psciAffinityInfo32 = 0x8400_0004
	psciAffinityInfo64 = 0xC400_0004
	psciSystemOff      = 0x8400_0008
	psciSystemReset    = 0x8400_0009
	psciFeatures       = 0x8400_000A
)

// PSCI return codes (ARM DEN0022 Table 5.1), sign-extended to 64 bits the
// way a guest reading X0 after an SMC64/HVC64 call observes them.
const (
	psciSuccess         = 0
	psciNotSupported    = ^uint64(0)     // -1
	psciInvalidParams   = ^uint64(0) - 1 // -2
	psciDenied          = ^uint64(0) - 2 // -3
	psciAlreadyOn       = ^uint64(0) - 3 // -4
	psciOnPending       = ^uint64(0) - 4 // -5
	psciInternalFailure = ^uint64(0) - 5 // -6
	psciNotPresent      = ^uint64(0) - 6 // -7
	psciDisabled        = ^uint64(0) - 7 // -8
	psciInvalidAddress  = ^uint64(0) - 8 // -9
)

// psciVersionReturned is PSCI 1.0: major 1, minor 0.
const psciVersionReturned = 0x0001_0000

// psciDispatch answers a single PSCI call. terminate is non-nil for
// CPU_OFF/SYSTEM_OFF/SYSTEM_RESET, which end the guest's run instead of returning
// a value in X0; result holds the X0 value for every other function.
func psciDispatch(function, arg1, arg2, arg3 uint64) (result uint64, terminate error) {
	switch function {
	case psciVersion:
		return psciVersionReturned, nil

	case psciFeatures:
		if psciSupportsFunction(arg1) {
			return psciSuccess, nil
		}
		return psciNotSupported, nil

	case psciCPUOn32, psciCPUOn64:
		// Single-vCPU core: every CPU besides the one already running is
		// nonexistent, and the running one is, definitionally, already on.
		return psciAlreadyOn, nil

	case psciCPUOff:
		// Powering off the only vCPU this core has is indistinguishable
		// from halting the machine.
		return 0, hv.ErrVMHalted

	case psciAffinityInfo32, psciAffinityInfo64:
		// Affinity 0 (the only vCPU) is ON (0); anything else is OFF (1).
		if arg1 == 0 {
			return 0, nil
		}
		return 1, nil

	case psciCPUSuspend32, psciCPUSuspend64:
		// No power states modeled: treat suspend as an immediate successful
		// return, matching a platform with no deeper idle state to enter.
		return psciSuccess, nil

	case psciSystemOff:
		return 0, hv.ErrVMHalted

	case psciSystemReset:
		return 0, hv.ErrGuestRequestedReboot

	default:
		return psciNotSupported, nil
	}
}

// psciSupportsFunction reports whether function is one PSCI_FEATURES
// should claim support for.
func psciSupportsFunction(function uint64) bool {
	switch function {
	case psciVersion, psciCPUSuspend32, psciCPUSuspend64, psciCPUOff,
		psciCPUOn32, psciCPUOn64, psciAffinityInfo32, psciAffinityInfo64,
		psciSystemOff, psciSystemReset, psciFeatures:
		return true
	default:
		return false
	}
}
