package miner

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
)

// CPUDevice runs the hashing kernel on the host CPU.
// Lanes are handed out to one goroutine per logical core.
type CPUDevice struct {
	info          DeviceInfo
	numGoroutines int

	// fastPath restricts hits to digests with 32 leading zero bits like the GPU kernels
	fastPath bool

	proto *Hasher
}

// NewCPUDevice creates a CPU device with the given ordinal
func NewCPUDevice(ordinal int) *CPUDevice {
	numCores := runtime.NumCPU()
	runtime.GOMAXPROCS(numCores)

	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH + " CPU"
	}
	units := cpuid.CPU.LogicalCores
	if units <= 0 {
		units = numCores
	}
	return &CPUDevice{
		info: DeviceInfo{
			Ordinal:       ordinal,
			Name:          name,
			Vendor:        cpuid.CPU.VendorString,
			VendorID:      uint32(cpuid.CPU.VendorID),
			Version:       fmt.Sprintf("family %d model %d", cpuid.CPU.Family, cpuid.CPU.Model),
			DriverVersion: runtime.Version(),
			Type:          DeviceCPU,
			ComputeUnits:  units,
			// work groups have no meaning on the host
			MaxWorkGroupSize: 1,
		},
		numGoroutines: numCores,
		fastPath:      true,
	}
}

// Info returns the device description
func (d *CPUDevice) Info() DeviceInfo {
	return d.info
}

// NumGoroutines returns the number of goroutines used per launch
func (d *CPUDevice) NumGoroutines() int {
	return d.numGoroutines
}

// HasSHAExtensions reports whether the host CPU has SHA instructions
func (d *CPUDevice) HasSHAExtensions() bool {
	return cpuid.CPU.Supports(cpuid.SHA)
}

// Close is a no-op for the CPU device
func (d *CPUDevice) Close() error {
	return nil
}

// Run executes one launch on the host
func (d *CPUDevice) Run(job Job, hits []bool) error {
	if err := checkJob(job, hits); err != nil {
		return err
	}
	if d.proto == nil || !bytes.Equal(d.proto.Identity(), job.Identity) {
		d.proto = NewHasher(job.Identity)
	}

	workers := d.numGoroutines
	if workers > job.GlobalWorkSize {
		workers = job.GlobalWorkSize
	}

	var (
		nextLane atomic.Int64
		wg       sync.WaitGroup
		its      = uint64(job.Iterations)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hasher := d.proto.Clone()
			for {
				lane := int(nextLane.Add(1) - 1)
				if lane >= job.GlobalWorkSize {
					return
				}
				hits[lane] = d.scanLane(hasher, job.StartCounter+uint64(lane)*its, its, job.Target)
			}
		}()
	}
	wg.Wait()

	return nil
}

// scanLane reports whether any of n counters from start reaches target
func (d *CPUDevice) scanLane(hasher *Hasher, start, n uint64, target uint8) bool {
	for i := uint64(0); i < n; i++ {
		sum := hasher.Sum(start + i)
		// Fast path: digests without 32 leading zero bits never count
		if d.fastPath && binary.BigEndian.Uint32(sum[:4]) != 0 {
			continue
		}
		if DigestDifficulty(sum) >= target {
			return true
		}
	}
	return false
}
