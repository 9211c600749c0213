//go:build !opencl
// +build !opencl

package miner

import "fmt"

// OpenCLDevices returns an error in builds without OpenCL support
func OpenCLDevices() ([]Device, error) {
	return nil, fmt.Errorf("%w: built without OpenCL support (use -tags opencl)", ErrBackend)
}
