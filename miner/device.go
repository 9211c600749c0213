package miner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DeviceType tells GPUs and CPUs apart
type DeviceType int

const (
	DeviceOther DeviceType = iota
	DeviceCPU
	DeviceGPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "CPU"
	case DeviceGPU:
		return "GPU"
	default:
		return "other"
	}
}

// Backend names accepted by ListDevices
const (
	BackendCPU    = "cpu"
	BackendOpenCL = "opencl"
	BackendAuto   = "auto"
)

// DeviceInfo contains information about a compute device
type DeviceInfo struct {
	Ordinal          int
	Name             string
	Vendor           string
	VendorID         uint32
	Version          string
	DriverVersion    string
	Type             DeviceType
	ComputeUnits     int
	// MaxWorkGroupSize is the largest local work size the device kernels can be launched with
	MaxWorkGroupSize int
}

var nonWord = regexp.MustCompile(`[^\w]`)

// DisplayName returns the device name without repeated or surrounding blanks
func (i DeviceInfo) DisplayName() string {
	return strings.Join(strings.Fields(i.Name), " ")
}

// Fingerprint identifies the device for the tuning cache. It changes whenever the
// device, its driver or its position in the device list changes.
func (i DeviceInfo) Fingerprint() string {
	id := strings.Join([]string{
		i.Name,
		i.Vendor,
		strconv.FormatUint(uint64(i.VendorID), 10),
		i.Version,
		i.DriverVersion,
		strconv.Itoa(i.Ordinal),
	}, "_")
	return nonWord.ReplaceAllString(id, "_")
}

// Job is one kernel launch
type Job struct {
	Identity     []byte
	StartCounter uint64
	Iterations   uint32
	Target       uint8
	Slow         bool

	GlobalWorkSize int
	LocalWorkSize  int
}

// Device is a compute backend running the hashing kernel.
//
// Run launches GlobalWorkSize lanes and blocks until they are done. Lane i hashes the
// Iterations counters starting at StartCounter + i*Iterations and sets hits[i] iff one
// of the digests has its first 32 bits zero and a difficulty of at least Target.
// Every lane's flag is written.
type Device interface {
	Info() DeviceInfo
	Run(job Job, hits []bool) error
	Close() error
}

// ListDevices opens every device of a backend
func ListDevices(backend string) ([]Device, error) {
	switch strings.ToLower(backend) {
	case BackendCPU:
		return []Device{NewCPUDevice(0)}, nil
	case BackendOpenCL:
		return OpenCLDevices()
	case BackendAuto, "":
		devices, err := OpenCLDevices()
		if err == nil && len(devices) > 0 {
			return devices, nil
		}
		return []Device{NewCPUDevice(0)}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// workGroupLimit returns the largest local work size that satisfies every limit.
// Non-positive limits are unknown and ignored.
func workGroupLimit(limits ...int) int {
	n := 0
	for _, l := range limits {
		if l > 0 && (n == 0 || l < n) {
			n = l
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func checkJob(job Job, hits []bool) error {
	if job.GlobalWorkSize <= 0 || job.LocalWorkSize <= 0 {
		return fmt.Errorf("invalid work size %d/%d", job.GlobalWorkSize, job.LocalWorkSize)
	}
	if len(hits) < job.GlobalWorkSize {
		return fmt.Errorf("result buffer too small: %d < %d", len(hits), job.GlobalWorkSize)
	}
	if err := ValidateIdentity(job.Identity); err != nil {
		return err
	}
	return nil
}
