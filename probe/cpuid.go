package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/refvmm/cpuid"
	"github.com/bobuhiro11/refvmm/kvm"
)

// CPUIDSource is anything that reports the host supported CPUID table.
type CPUIDSource interface {
	SupportedCPUID() (*kvm.CPUID, error)
}

// CPUID calls KVM_GET_SUPPORTED_CPUID and prints the decoded feature leaves.
func CPUID(src CPUIDSource, w io.Writer) error {
	c, err := src.SupportedCPUID()
	if err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	printCPUID(w, c)

	return nil
}

func printCPUID(w io.Writer, c *kvm.CPUID) {
	for i := 0; i < int(c.Nent); i++ {
		switch c.Entries[i].Function {
		case cpuid.LeafFeatureInfo:
			fmt.Fprintf(w, "F_1_Edx.\n")
			printFeatures(w, cpuid.AllF1Edx, c.Entries[i].Edx)
		case 7:
			if c.Entries[i].Index == 0 {
				fmt.Fprintf(w, "F_7_0_Edx.\n")
				printFeatures(w, cpuid.AllF7_0Edx, c.Entries[i].Edx)
			}
		}
	}
}

func printFeatures[T cpuid.Feature](w io.Writer, features []T, reg uint32) {
	enabled, disabled := cpuid.Split(features, reg)

	fmt.Fprintf(w, "* Enabled:")

	for _, f := range enabled {
		fmt.Fprintf(w, " %s", f)
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, f := range disabled {
		fmt.Fprintf(w, " %s", f)
	}

	fmt.Fprintf(w, "\n\n")
}
