package sysmon

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// HostSampler reads the local machine through gopsutil and nvidia-smi.
type HostSampler struct{}

func (HostSampler) CPUPercent(ctx context.Context, interval time.Duration) (float64, error) {
	v, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, ErrUnsupported
	}
	return v[0], nil
}

func (HostSampler) MemPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// GPUPercent returns the highest utilization across NVIDIA GPUs.
func (HostSampler) GPUPercent(ctx context.Context) (float64, error) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return 0, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, err
	}
	return parseGPU(string(out))
}

func parseGPU(out string) (float64, error) {
	best, seen := 0.0, false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		seen = true
		if v > best {
			best = v
		}
	}
	if !seen {
		return 0, ErrUnsupported
	}
	return best, nil
}

func (HostSampler) ProcessNames(ctx context.Context) ([]string, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if n, err := p.NameWithContext(ctx); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// FirstIdle tries each source in order and returns the first answer. Put
// sources that measure the last input directly ahead of hint-based ones.
type FirstIdle []IdleSource

func (f FirstIdle) IdleTime(ctx context.Context) (time.Duration, error) {
	err := error(ErrUnsupported)
	for _, s := range f {
		if s == nil {
			continue
		}
		d, e := s.IdleTime(ctx)
		if e == nil {
			return d, nil
		}
		err = e
	}
	return 0, err
}
