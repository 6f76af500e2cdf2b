package workspace

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// MIGDevices enumerates the NVIDIA MIG partitions (or, absent MIG, whole
// GPUs) available on this machine, as CUDA_VISIBLE_DEVICES-ready identifiers.
//
// PARABUILD_FAKE_MIG_COUNT lets tests exercise the assignment logic on
// machines without NVIDIA hardware by short-circuiting the nvidia-smi call.
func MIGDevices() []string {
	if fake := os.Getenv("PARABUILD_FAKE_MIG_COUNT"); fake != "" {
		n, err := strconv.Atoi(fake)
		if err == nil && n > 0 {
			devices := make([]string, n)
			for i := range devices {
				devices[i] = strconv.Itoa(i)
			}
			return devices
		}
	}

	out, err := exec.Command("nvidia-smi", "-L").Output()
	if err != nil {
		return nil
	}

	var devices []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// "GPU 0: ..." or "  MIG 1g.10gb Device 0: ...". The index after
		// the label and before the colon is the identifier nvidia-smi
		// itself accepts for CUDA_VISIBLE_DEVICES.
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		fields := strings.Fields(line[:idx])
		if len(fields) == 0 {
			continue
		}
		devices = append(devices, fields[len(fields)-1])
	}
	return devices
}

// AssignDevice returns the device a given slot index should use, cycling
// through devices by modulo when there are more slots than devices. An
// empty return means no MIG/GPU assignment applies (CUDA_VISIBLE_DEVICES
// is left unset).
func AssignDevice(devices []string, slotIndex int) string {
	if len(devices) == 0 {
		return ""
	}
	return devices[slotIndex%len(devices)]
}
