package worker

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"podsim/internal/config"

	"github.com/rs/zerolog/log"
)

// Fallbacks when the config leaves a sizing knob unset.
const (
	defaultRamPerSimMB     = 1200
	defaultSystemReserveMB = 2048
	defaultCPUsPerSim      = 2
	defaultHardCap         = 6

	// cpuSystemReserve keeps cores free for the worker process itself and
	// the docker daemon.
	cpuSystemReserve = 2
)

// Capacity sizes the concurrent simulation slots from host resources:
// whichever of RAM and CPU runs out first bounds the count, the hard cap
// bounds both, and the operator override (when positive) bounds everything.
// Never below one, so a tiny host still makes progress.
func Capacity(totalRAMMB, cpus int, cfg config.WorkerConfig, override int) int {
	ramPerSim := cfg.RamPerSimMB
	if ramPerSim <= 0 {
		ramPerSim = defaultRamPerSimMB
	}
	reserve := cfg.SystemReserveMB
	if reserve <= 0 {
		reserve = defaultSystemReserveMB
	}
	cpusPerSim := cfg.CPUsPerSim
	if cpusPerSim <= 0 {
		cpusPerSim = defaultCPUsPerSim
	}
	hardCap := cfg.MaxConcurrentSims
	if hardCap <= 0 {
		hardCap = defaultHardCap
	}

	byRAM := (totalRAMMB - reserve) / ramPerSim
	byCPU := (cpus - cpuSystemReserve) / cpusPerSim

	capacity := byRAM
	if byCPU < capacity {
		capacity = byCPU
	}
	if hardCap < capacity {
		capacity = hardCap
	}
	if capacity < 1 {
		capacity = 1
	}
	if override > 0 && override < capacity {
		capacity = override
	}
	return capacity
}

// DetectCapacity reads the host's memory and CPU counts and applies the
// sizing formula, logging the inputs so undersized fleets are diagnosable
// from worker logs alone.
func DetectCapacity(cfg config.WorkerConfig, override int) int {
	ramMB, err := hostMemoryMB()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read host memory, assuming one slot of headroom")
		ramMB = cfg.SystemReserveMB + cfg.RamPerSimMB
	}
	cpus := runtime.NumCPU()

	capacity := Capacity(ramMB, cpus, cfg, override)
	log.Info().
		Int("hostRamMB", ramMB).
		Int("hostCPUs", cpus).
		Int("ramPerSimMB", cfg.RamPerSimMB).
		Int("cpusPerSim", cfg.CPUsPerSim).
		Int("hardCap", cfg.MaxConcurrentSims).
		Int("override", override).
		Int("capacity", capacity).
		Msg("Computed worker capacity")
	return capacity
}

// hostMemoryMB parses MemTotal from /proc/meminfo.
func hostMemoryMB() (int, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("failed to parse MemTotal: %w", err)
		}
		return kb / 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}
