package version

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

type feature struct {
	name string
	ok   bool
}

// CPUFeatures lists the vector extensions the host reports. The kernels are
// portable Go; the list is informational, for bug reports and load logs.
func CPUFeatures() []string {
	var feats []feature
	switch runtime.GOARCH {
	case "amd64", "386":
		feats = []feature{
			{"sse4.1", cpu.X86.HasSSE41},
			{"avx", cpu.X86.HasAVX},
			{"avx2", cpu.X86.HasAVX2},
			{"fma", cpu.X86.HasFMA},
			{"avx512f", cpu.X86.HasAVX512F},
			{"avx512vnni", cpu.X86.HasAVX512VNNI},
		}
	case "arm64":
		feats = []feature{
			{"asimd", cpu.ARM64.HasASIMD},
			{"fphp", cpu.ARM64.HasFPHP},
			{"asimddp", cpu.ARM64.HasASIMDDP},
			{"sve", cpu.ARM64.HasSVE},
		}
	}
	out := make([]string, 0, len(feats))
	for _, f := range feats {
		if f.ok {
			out = append(out, f.name)
		}
	}
	return out
}
