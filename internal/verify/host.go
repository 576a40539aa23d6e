package verify

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const gib = 1024 * 1024 * 1024

// Host describes the machine a run executed on.
type Host struct {
	OS         string  `json:"os"`
	Arch       string  `json:"arch"`
	CPU        string  `json:"cpu"`
	Cores      int     `json:"cores"`
	TotalRAMGB float64 `json:"total_ram_gb,omitempty"`
	GoVersion  string  `json:"go_version"`
}

// DetectHost collects host information. Probes that fail leave their fields
// at the zero value.
func DetectHost() *Host {
	h := &Host{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPU:       "unknown",
		Cores:     runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		h.CPU = infos[0].ModelName
		if h.CPU == "" {
			h.CPU = infos[0].VendorID
		}
	}
	if v, err := mem.VirtualMemory(); err == nil {
		h.TotalRAMGB = float64(v.Total) / gib
	}
	return h
}
