// Package probe validates the host hypervisor before any VM state exists.
package probe

import (
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/refvmm/kvm"
)

// ErrCapability is matched by every gate failure.
var ErrCapability = errors.New("host hypervisor unsuitable")

// Required lists the capabilities refvmm cannot run without, in check order.
//
//nolint:gochecknoglobals
var Required = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapIOEventFD,
	kvm.CapIRQFD,
	kvm.CapUserMemory,
}

// Host is the view of /dev/kvm the gate needs. *kvm.System is one.
type Host interface {
	APIVersion() (int, error)
	CheckExtension(c kvm.Capability) (int, error)
}

// UnsupportedVersionError reports a KVM API version other than kvm.APIVersion.
type UnsupportedVersionError struct {
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported KVM API version %d, want %d", e.Version, kvm.APIVersion)
}

func (e *UnsupportedVersionError) Is(target error) bool {
	return target == ErrCapability
}

// MissingCapabilityError names the first required capability the host lacks.
type MissingCapabilityError struct {
	Capability kvm.Capability
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("missing KVM capability %s", e.Capability)
}

func (e *MissingCapabilityError) Is(target error) bool {
	return target == ErrCapability
}

// Check succeeds only if the API version matches and every Required
// capability is present. It issues queries and nothing else.
func Check(h Host) error {
	v, err := h.APIVersion()
	if err != nil {
		return fmt.Errorf("GetAPIVersion: %w", err)
	}

	if v != kvm.APIVersion {
		return &UnsupportedVersionError{Version: v}
	}

	for _, c := range Required {
		n, err := h.CheckExtension(c)
		if err != nil {
			return fmt.Errorf("CheckExtension(%s): %w", c, err)
		}

		if n == 0 {
			return &MissingCapabilityError{Capability: c}
		}
	}

	return nil
}

// Report writes the support state of the well known x86 capabilities.
func Report(h Host, w io.Writer) error {
	x86tests := []kvm.Capability{
		kvm.CapIRQChip,
		kvm.CapUserMemory,
		kvm.CapSetTSSAddr,
		kvm.CapEXTCPUID,
		kvm.CapNRVCPUs,
		kvm.CapMaxVCPUs,
		kvm.CapNRMemSlots,
		kvm.CapMPState,
		kvm.CapCoalescedMMIO,
		kvm.CapUserNMI,
		kvm.CapSetGuestDebug,
		kvm.CapReinjectControl,
		kvm.CapIRQRouting,
		kvm.CapMCE,
		kvm.CapIRQFD,
		kvm.CapPIT2,
		kvm.CapSetBootCPUID,
		kvm.CapPITState2,
		kvm.CapIOEventFD,
		kvm.CapSetIdentityMapAddr,
		kvm.CapAdjustClock,
		kvm.CapVCPUEvents,
		kvm.CapINTRShadow,
		kvm.CapDebugRegs,
		kvm.CapEnableCap,
		kvm.CapXSave,
		kvm.CapXCRS,
		kvm.CapTSCControl,
		kvm.CapONEREG,
		kvm.CapKVMClockCtrl,
		kvm.CapSignalMSI,
		kvm.CapDeviceCtrl,
		kvm.CapEXTEmulCPUID,
		kvm.CapVMAttributes,
		kvm.CapX86SMM,
		kvm.CapX86DisableExits,
		kvm.CapGETMSRFeatures,
		kvm.CapNestedState,
		kvm.CapCoalescedPIO,
		kvm.CapManualDirtyLogProtect2,
		kvm.CapPMUEventFilter,
		kvm.CapX86UserSpaceMSR,
		kvm.CapX86MSRFilter,
		kvm.CapX86BusLockExit,
		kvm.CapSREGS2,
		kvm.CapBinaryStatsFD,
		kvm.CapXSave2,
		kvm.CapSysAttributes,
		kvm.CapVMTSCControl,
		kvm.CapX86TripleFaultEvent,
		kvm.CapX86NotifyVMExit,
	}

	for _, test := range x86tests {
		res, err := h.CheckExtension(test)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%-30s: %t\n", test, res != 0)
	}

	return nil
}
