//go:build opencl
// +build opencl

package miner

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#define CL_TARGET_OPENCL_VERSION 120
#include <CL/cl.h>
#endif
#include <stdlib.h>

const char* cl_error_string(cl_int error) {
    switch(error) {
        case CL_SUCCESS: return "CL_SUCCESS";
        case CL_DEVICE_NOT_FOUND: return "CL_DEVICE_NOT_FOUND";
        case CL_DEVICE_NOT_AVAILABLE: return "CL_DEVICE_NOT_AVAILABLE";
        case CL_COMPILER_NOT_AVAILABLE: return "CL_COMPILER_NOT_AVAILABLE";
        case CL_MEM_OBJECT_ALLOCATION_FAILURE: return "CL_MEM_OBJECT_ALLOCATION_FAILURE";
        case CL_OUT_OF_RESOURCES: return "CL_OUT_OF_RESOURCES";
        case CL_OUT_OF_HOST_MEMORY: return "CL_OUT_OF_HOST_MEMORY";
        case CL_BUILD_PROGRAM_FAILURE: return "CL_BUILD_PROGRAM_FAILURE";
        case CL_INVALID_VALUE: return "CL_INVALID_VALUE";
        case CL_INVALID_DEVICE: return "CL_INVALID_DEVICE";
        case CL_INVALID_CONTEXT: return "CL_INVALID_CONTEXT";
        case CL_INVALID_COMMAND_QUEUE: return "CL_INVALID_COMMAND_QUEUE";
        case CL_INVALID_MEM_OBJECT: return "CL_INVALID_MEM_OBJECT";
        case CL_INVALID_PROGRAM_EXECUTABLE: return "CL_INVALID_PROGRAM_EXECUTABLE";
        case CL_INVALID_KERNEL_NAME: return "CL_INVALID_KERNEL_NAME";
        case CL_INVALID_KERNEL: return "CL_INVALID_KERNEL";
        case CL_INVALID_ARG_INDEX: return "CL_INVALID_ARG_INDEX";
        case CL_INVALID_ARG_VALUE: return "CL_INVALID_ARG_VALUE";
        case CL_INVALID_ARG_SIZE: return "CL_INVALID_ARG_SIZE";
        case CL_INVALID_KERNEL_ARGS: return "CL_INVALID_KERNEL_ARGS";
        case CL_INVALID_WORK_GROUP_SIZE: return "CL_INVALID_WORK_GROUP_SIZE";
        case CL_INVALID_WORK_ITEM_SIZE: return "CL_INVALID_WORK_ITEM_SIZE";
        default: return "Unknown error";
    }
}
*/
import "C"

import (
	"bytes"
	_ "embed"
	"fmt"
	"unsafe"
)

//go:embed kernel/sha1.cl
var kernelSource string

// OpenCLDevice runs the hashing kernels on an OpenCL GPU
type OpenCLDevice struct {
	info DeviceInfo

	device  C.cl_device_id
	context C.cl_context
	queue   C.cl_command_queue
	program C.cl_program
	fast    C.cl_kernel
	slow    C.cl_kernel

	identity    []byte
	identityBuf C.cl_mem
	resultBuf   C.cl_mem
	results     []byte
}

func clError(what string, code C.cl_int) error {
	return fmt.Errorf("%s: %s", what, C.GoString(C.cl_error_string(code)))
}

// gpuDeviceIDs returns every OpenCL GPU of every platform in enumeration order
func gpuDeviceIDs() ([]C.cl_device_id, error) {
	var numPlatforms C.cl_uint
	if ret := C.clGetPlatformIDs(0, nil, &numPlatforms); ret != C.CL_SUCCESS {
		return nil, clError("failed to get platform count", ret)
	}
	if numPlatforms == 0 {
		return nil, fmt.Errorf("no OpenCL platforms found")
	}
	platforms := make([]C.cl_platform_id, numPlatforms)
	if ret := C.clGetPlatformIDs(numPlatforms, &platforms[0], nil); ret != C.CL_SUCCESS {
		return nil, clError("failed to get platforms", ret)
	}

	var ids []C.cl_device_id
	for _, platform := range platforms {
		var numDevices C.cl_uint
		ret := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_GPU, 0, nil, &numDevices)
		if ret != C.CL_SUCCESS || numDevices == 0 {
			continue
		}
		devices := make([]C.cl_device_id, numDevices)
		if ret := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_GPU, numDevices, &devices[0], nil); ret != C.CL_SUCCESS {
			continue
		}
		ids = append(ids, devices...)
	}
	return ids, nil
}

func deviceString(device C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(device, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetDeviceInfo(device, param, size, unsafe.Pointer(&buf[0]), nil)
	return string(bytes.TrimRight(buf, "\x00"))
}

func deviceInfo(device C.cl_device_id, ordinal int) DeviceInfo {
	info := DeviceInfo{
		Ordinal:       ordinal,
		Name:          deviceString(device, C.CL_DEVICE_NAME),
		Vendor:        deviceString(device, C.CL_DEVICE_VENDOR),
		Version:       deviceString(device, C.CL_DEVICE_VERSION),
		DriverVersion: deviceString(device, C.CL_DRIVER_VERSION),
		Type:          DeviceGPU,
	}

	var vendorID C.cl_uint
	C.clGetDeviceInfo(device, C.CL_DEVICE_VENDOR_ID, C.size_t(unsafe.Sizeof(vendorID)), unsafe.Pointer(&vendorID), nil)
	info.VendorID = uint32(vendorID)

	var computeUnits C.cl_uint
	C.clGetDeviceInfo(device, C.CL_DEVICE_MAX_COMPUTE_UNITS, C.size_t(unsafe.Sizeof(computeUnits)), unsafe.Pointer(&computeUnits), nil)
	info.ComputeUnits = int(computeUnits)

	var maxWorkGroup C.size_t
	C.clGetDeviceInfo(device, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(maxWorkGroup)), unsafe.Pointer(&maxWorkGroup), nil)
	info.MaxWorkGroupSize = int(maxWorkGroup)

	return info
}

// OpenCLDevices opens every OpenCL GPU and builds the kernels for it
func OpenCLDevices() ([]Device, error) {
	ids, err := gpuDeviceIDs()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	devices := make([]Device, 0, len(ids))
	for ordinal, id := range ids {
		dev, err := newOpenCLDevice(id, ordinal)
		if err != nil {
			for _, d := range devices {
				d.Close()
			}
			return nil, fmt.Errorf("%w: device %d: %v", ErrBackend, ordinal, err)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func newOpenCLDevice(id C.cl_device_id, ordinal int) (*OpenCLDevice, error) {
	d := &OpenCLDevice{
		info:   deviceInfo(id, ordinal),
		device: id,
	}

	var errCode C.cl_int
	d.context = C.clCreateContext(nil, 1, &id, nil, nil, &errCode)
	if errCode != C.CL_SUCCESS {
		return nil, clError("failed to create context", errCode)
	}
	d.queue = C.clCreateCommandQueue(d.context, d.device, 0, &errCode)
	if errCode != C.CL_SUCCESS {
		d.Close()
		return nil, clError("failed to create command queue", errCode)
	}

	src := C.CString(kernelSource)
	defer C.free(unsafe.Pointer(src))
	srcLen := C.size_t(len(kernelSource))
	d.program = C.clCreateProgramWithSource(d.context, 1, &src, &srcLen, &errCode)
	if errCode != C.CL_SUCCESS {
		d.Close()
		return nil, clError("failed to create program", errCode)
	}
	if ret := C.clBuildProgram(d.program, 1, &id, nil, nil, nil); ret != C.CL_SUCCESS {
		var logSize C.size_t
		C.clGetProgramBuildInfo(d.program, d.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &logSize)
		buildLog := make([]byte, logSize+1)
		C.clGetProgramBuildInfo(d.program, d.device, C.CL_PROGRAM_BUILD_LOG, logSize, unsafe.Pointer(&buildLog[0]), nil)
		d.Close()
		return nil, fmt.Errorf("failed to build program: %s\nBuild log:\n%s",
			C.GoString(C.cl_error_string(ret)), bytes.TrimRight(buildLog, "\x00"))
	}

	if d.fast, errCode = d.createKernel("tshash_fast"); errCode != C.CL_SUCCESS {
		d.Close()
		return nil, clError("failed to create kernel tshash_fast", errCode)
	}
	if d.slow, errCode = d.createKernel("tshash_slow"); errCode != C.CL_SUCCESS {
		d.Close()
		return nil, clError("failed to create kernel tshash_slow", errCode)
	}
	d.info.MaxWorkGroupSize = d.kernelWorkGroupLimit()
	return d, nil
}

// kernelWorkGroupLimit caps the device work-group size at the first work-item
// dimension and at what both built kernels accept
func (d *OpenCLDevice) kernelWorkGroupLimit() int {
	device := d.device
	limits := []int{d.info.MaxWorkGroupSize}

	var dims C.cl_uint
	C.clGetDeviceInfo(device, C.CL_DEVICE_MAX_WORK_ITEM_DIMENSIONS, C.size_t(unsafe.Sizeof(dims)), unsafe.Pointer(&dims), nil)
	if dims > 0 {
		sizes := make([]C.size_t, dims)
		ret := C.clGetDeviceInfo(device, C.CL_DEVICE_MAX_WORK_ITEM_SIZES,
			C.size_t(uintptr(dims)*unsafe.Sizeof(sizes[0])), unsafe.Pointer(&sizes[0]), nil)
		if ret == C.CL_SUCCESS {
			limits = append(limits, int(sizes[0]))
		}
	}
	for _, k := range []C.cl_kernel{d.fast, d.slow} {
		var size C.size_t
		ret := C.clGetKernelWorkGroupInfo(k, device, C.CL_KERNEL_WORK_GROUP_SIZE,
			C.size_t(unsafe.Sizeof(size)), unsafe.Pointer(&size), nil)
		if ret == C.CL_SUCCESS {
			limits = append(limits, int(size))
		}
	}
	return workGroupLimit(limits...)
}

func (d *OpenCLDevice) createKernel(name string) (C.cl_kernel, C.cl_int) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var errCode C.cl_int
	k := C.clCreateKernel(d.program, cname, &errCode)
	return k, errCode
}

// Info returns the device description
func (d *OpenCLDevice) Info() DeviceInfo {
	return d.info
}

// Close releases all OpenCL resources
func (d *OpenCLDevice) Close() error {
	if d.identityBuf != nil {
		C.clReleaseMemObject(d.identityBuf)
		d.identityBuf = nil
	}
	if d.resultBuf != nil {
		C.clReleaseMemObject(d.resultBuf)
		d.resultBuf = nil
	}
	if d.fast != nil {
		C.clReleaseKernel(d.fast)
		d.fast = nil
	}
	if d.slow != nil {
		C.clReleaseKernel(d.slow)
		d.slow = nil
	}
	if d.program != nil {
		C.clReleaseProgram(d.program)
		d.program = nil
	}
	if d.queue != nil {
		C.clReleaseCommandQueue(d.queue)
		d.queue = nil
	}
	if d.context != nil {
		C.clReleaseContext(d.context)
		d.context = nil
	}
	return nil
}

// prepare uploads the identity and grows the result buffer when needed
func (d *OpenCLDevice) prepare(identity []byte, lanes int) error {
	var errCode C.cl_int
	if d.identityBuf == nil || !bytes.Equal(d.identity, identity) {
		if d.identityBuf != nil {
			C.clReleaseMemObject(d.identityBuf)
			d.identityBuf = nil
		}
		d.identity = append(d.identity[:0], identity...)
		d.identityBuf = C.clCreateBuffer(d.context, C.CL_MEM_READ_ONLY|C.CL_MEM_COPY_HOST_PTR,
			C.size_t(len(d.identity)), unsafe.Pointer(&d.identity[0]), &errCode)
		if errCode != C.CL_SUCCESS {
			return clError("failed to create identity buffer", errCode)
		}
	}
	if len(d.results) < lanes {
		if d.resultBuf != nil {
			C.clReleaseMemObject(d.resultBuf)
			d.resultBuf = nil
		}
		d.results = make([]byte, lanes)
		d.resultBuf = C.clCreateBuffer(d.context, C.CL_MEM_WRITE_ONLY, C.size_t(lanes), nil, &errCode)
		if errCode != C.CL_SUCCESS {
			d.results = nil
			return clError("failed to create result buffer", errCode)
		}
	}
	return nil
}

// Run executes one launch and waits for it to finish
func (d *OpenCLDevice) Run(job Job, hits []bool) error {
	if err := checkJob(job, hits); err != nil {
		return err
	}
	if err := d.prepare(job.Identity, job.GlobalWorkSize); err != nil {
		return err
	}
	kernel := d.fast
	if job.Slow {
		kernel = d.slow
	}

	// cgo forbids pointers into d, which holds Go memory; pass copies of the handles
	var (
		start      = C.cl_ulong(job.StartCounter)
		iterations = C.cl_uint(job.Iterations)
		target     = C.cl_uchar(job.Target)
		idBuf      = d.identityBuf
		idLen      = C.cl_uint(len(job.Identity))
		resBuf     = d.resultBuf
	)
	ret := C.clSetKernelArg(kernel, 0, C.size_t(unsafe.Sizeof(start)), unsafe.Pointer(&start))
	ret |= C.clSetKernelArg(kernel, 1, C.size_t(unsafe.Sizeof(iterations)), unsafe.Pointer(&iterations))
	ret |= C.clSetKernelArg(kernel, 2, C.size_t(unsafe.Sizeof(target)), unsafe.Pointer(&target))
	ret |= C.clSetKernelArg(kernel, 3, C.size_t(unsafe.Sizeof(idBuf)), unsafe.Pointer(&idBuf))
	ret |= C.clSetKernelArg(kernel, 4, C.size_t(unsafe.Sizeof(idLen)), unsafe.Pointer(&idLen))
	ret |= C.clSetKernelArg(kernel, 5, C.size_t(unsafe.Sizeof(resBuf)), unsafe.Pointer(&resBuf))
	if ret != C.CL_SUCCESS {
		return clError("failed to set kernel arguments", ret)
	}

	global := C.size_t(job.GlobalWorkSize)
	local := C.size_t(job.LocalWorkSize)
	if ret := C.clEnqueueNDRangeKernel(d.queue, kernel, 1, nil, &global, &local, 0, nil, nil); ret != C.CL_SUCCESS {
		return clError("failed to execute kernel", ret)
	}
	if ret := C.clEnqueueReadBuffer(d.queue, d.resultBuf, C.CL_TRUE, 0, global,
		unsafe.Pointer(&d.results[0]), 0, nil, nil); ret != C.CL_SUCCESS {
		return clError("failed to read results", ret)
	}
	for i := 0; i < job.GlobalWorkSize; i++ {
		hits[i] = d.results[i] != 0
	}
	return nil
}
