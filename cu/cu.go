// Package cu is the narrow surface of the accelerator API the mining workers
// program against. The production implementation binds the vendor driver,
// runtime and JIT compiler through cgo; everything above it (device context,
// kernel builder, search loop) only sees these interfaces.
package cu

import (
	"errors"
	"fmt"
)

// SearchResultEntries is the capacity of one result buffer. It is virtually
// impossible to get more than one solution per launch; four slots leave room.
const SearchResultEntries = 4

// SearchResult is a single candidate reported by the search kernel.
type SearchResult struct {
	Gid uint32
	Mix [8]uint32
}

// SearchResults is the layout of one page-locked host result buffer. The
// kernel increments Count and appends to Results; the host drains entries
// and zeroes Count in place between launches.
type SearchResults struct {
	Count   uint32
	Results [SearchResultEntries]SearchResult
}

// DevicePtr is an opaque device memory address.
type DevicePtr uintptr

// DeviceProps describes one accelerator.
type DeviceProps struct {
	Name           string
	Major, Minor   int
	TotalGlobalMem uint64
}

func (p DeviceProps) ComputeCapability() string {
	return fmt.Sprintf("compute_%d%d", p.Major, p.Minor)
}

// API is the process-wide entry point: enumeration and device opening.
type API interface {
	DeviceCount() (int, error)
	DeviceProps(device int) (DeviceProps, error)

	// OpenDevice makes the device current for the calling worker and
	// creates its context with the given schedule flag.
	OpenDevice(device int, scheduleFlag uint) (Device, error)
}

// Device is one opened accelerator, exclusively owned by a single worker.
type Device interface {
	Props() DeviceProps

	// Reset tears down the context and frees every allocation made
	// through this handle.
	Reset() error

	MallocDevice(bytes uint64) (DevicePtr, error)
	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyDtoH(dst []byte, src DevicePtr) error

	// MallocResultBuffer allocates one page-locked host result buffer.
	MallocResultBuffer() (ResultBuffer, error)

	CreateStream() (Stream, error)

	// Synchronize blocks until all streams on the device are idle.
	Synchronize() error

	// GenerateDAG runs the library's DAG generation kernel, deriving the
	// dataset on-device from the light cache.
	GenerateDAG(dag DevicePtr, dagBytes uint64, light DevicePtr, lightWords uint32, gridSize, blockSize uint32, stream Stream) error

	// LoadModule JIT-loads compiled PTX into the device context.
	LoadModule(ptx []byte) (Module, error)
}

// ResultBuffer is a page-locked host buffer the kernel writes candidates to.
type ResultBuffer interface {
	// Data returns the live view of the buffer. The caller must only touch
	// it while the owning stream is synchronized.
	Data() *SearchResults
}

// Stream is one asynchronous execution queue on a device.
type Stream interface {
	Synchronize() error
}

// Module is a loaded kernel module.
type Module interface {
	Function(name string) (Kernel, error)
}

// LaunchArgs carries the search kernel's argument block.
type LaunchArgs struct {
	StartNonce uint64
	Header     [32]byte
	Target     uint64
	DAG        DevicePtr
	Results    ResultBuffer

	// HackFalse is always false; the kernel takes it to defeat a compiler
	// optimization and the launch path passes it through untouched.
	HackFalse bool
}

// Kernel is a callable device function.
type Kernel interface {
	Launch(gridDim, blockDim uint32, stream Stream, args LaunchArgs) error
}

// CompileOptions parameterize one kernel compilation.
type CompileOptions struct {
	Arch        DeviceProps
	DagElements uint64
	LineInfo    bool
}

// CompileResult is the toolchain's output: PTX plus the lowered (mangled)
// name of the search entry point, resolved against Module.Function.
type CompileResult struct {
	PTX         []byte
	Log         string
	LoweredName string
}

// Toolchain compiles kernel source to PTX.
type Toolchain interface {
	Compile(src string, opts CompileOptions) (CompileResult, error)
}

// DeviceError wraps a failed accelerator call. Fatal errors indicate driver
// or hardware corruption that is unsafe to proceed from.
type DeviceError struct {
	Op    string
	Err   error
	Fatal bool
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("cu: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a fatal device error.
func IsFatal(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Fatal
}
