package internal

import (
	"os"
	"os/exec"
	"runtime"
)

type Device string

const (
	DeviceMPS  Device = "mps"
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// HardwareInfo describes the host. All math runs on the CPU; Accelerator is
// reported so logs from a GPU host make clear it went unused.
type HardwareInfo struct {
	Accelerator Device
	Workers     int
}

func DetectHardware() HardwareInfo {
	info := HardwareInfo{Accelerator: DeviceCPU, Workers: runtime.GOMAXPROCS(0)}
	switch {
	case isMPS():
		info.Accelerator = DeviceMPS
	case isCUDA():
		info.Accelerator = DeviceCUDA
	}
	return info
}

// SearchWorkers is the retrieval parallelism for a configured value; zero
// or less means one worker per available CPU.
func (h HardwareInfo) SearchWorkers(configured int) int {
	if configured > 0 {
		return configured
	}
	return max(1, h.Workers)
}

func isMPS() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

func isCUDA() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return true
	}
	return false
}
