// Package runtimes defines the interface a device runtime needs to implement to host
// nanguard's integrity-check kernels.
//
// A runtime models a parallel accelerator: a set of devices, each with an ordered
// stream of asynchronous operations, raw device memory and data-parallel kernel
// launches. The pure-Go simulated runtime in github.com/gomlx/nanguard/runtimes/simgo
// is the default implementation.
//
// To simplify error handling on misconfiguration, the constructor functions are
// expected to throw (panic) with a stack trace in case of errors.
// See package github.com/gomlx/exceptions.
package runtimes

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum identifies one accelerator device of a runtime.
// It should be between 0 and Runtime.NumDevices.
type DeviceNum int

// Runtime is the API a device runtime needs to implement to host the check kernels.
type Runtime interface {
	// Name returns the short name of the runtime, e.g. "go" for the simulated pure-Go runtime.
	Name() string

	// Description is a longer description of the runtime that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this runtime.
	NumDevices() DeviceNum

	// Stream returns the current execution stream for the given device.
	// Operations issued to the same stream execute in issue order.
	Stream(device DeviceNum) (Stream, error)

	// Alloc reserves size bytes of raw device memory on the given device.
	// The memory is owned by the caller and lives until the runtime is finalized.
	Alloc(device DeviceNum, size int) (Memory, error)

	// Finalize releases all the associated resources immediately, and makes the runtime invalid.
	Finalize()
}

// Memory is a raw device memory allocation.
type Memory interface {
	// Device returns the device the memory is resident on.
	Device() DeviceNum

	// Size returns the allocation size in bytes.
	Size() int

	// Bytes returns the device-side view of the memory.
	//
	// It is only valid for host access after the stream that last wrote it has been
	// synchronized; kernels may access it at any point of their execution.
	Bytes() []byte
}

// Stream is an ordered queue of asynchronous operations issued to one device.
type Stream interface {
	// Device returns the device this stream issues work to.
	Device() DeviceNum

	// CopyHostToDevice asynchronously copies len(src) bytes from host memory to dst.
	// dst must be at least len(src) bytes large.
	CopyHostToDevice(dst Memory, src []byte)

	// MemsetZero asynchronously fills dst with zero bytes.
	MemsetZero(dst Memory)

	// Launch asynchronously executes kernel over the given grid.
	// The launch occupies the stream until every block of the grid finished.
	Launch(config LaunchConfig, kernel Kernel)

	// Synchronize blocks until every operation issued to the stream so far completed.
	Synchronize() error
}

// Constructor takes a config string (optionally empty) and returns a Runtime.
type Constructor func(config string) Runtime

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register runtime with the given name, and a default constructor that takes as input
// a configuration string that is passed along to the runtime constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the runtime configuration to use if NANGUARD_RUNTIME is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// NANGUARD_RUNTIME is the environment variable with the default runtime configuration to use.
//
// The format of config is "<runtime_name>:<runtime_configuration>".
// The "<runtime_name>" is the name of a registered runtime (e.g.: "go") and
// "<runtime_configuration>" is runtime specific (e.g.: for the simulated runtime it
// is the number of devices to simulate).
const NANGUARD_RUNTIME = "NANGUARD_RUNTIME"

// New returns a new default Runtime.
//
// The default is:
//
// 1. The environment NANGUARD_RUNTIME is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered runtime is used with an empty configuration.
//
// It panics if no runtime was registered.
func New() Runtime {
	config, found := os.LookupEnv(NANGUARD_RUNTIME)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<runtime_name>:<runtime_configuration>"
// and returns the corresponding Runtime.
//
// See NANGUARD_RUNTIME for the meaning of the two parts.
func NewWithConfig(config string) Runtime {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered runtimes for nanguard -- maybe import the default simulated one with import _ "github.com/gomlx/nanguard/runtimes/simgo"?`)
	}
	runtimeName := firstRegistered
	runtimeConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		runtimeName = config[:idx]
		runtimeConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[runtimeName]
	if !found {
		exceptions.Panicf("can't find runtime %q for configuration %q given", runtimeName, config)
	}
	return constructor(runtimeConfig)
}
