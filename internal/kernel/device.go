package kernel

import "context"

// Request is an ioctl operation code. The numeric values are a stable
// contract between bootstrap code and devices.
type Request int

const (
	ReqInitialize     Request = 0
	ReqGetCharacter   Request = 1
	ReqSetCharacter   Request = 2
	ReqCalcAbility    Request = 3
	ReqCalcSkill      Request = 4
	ReqCalcCombat     Request = 5
	ReqApplyBonus     Request = 6
	ReqApplyCondition Request = 7
)

// String returns the request name for logs.
func (r Request) String() string {
	switch r {
	case ReqInitialize:
		return "INITIALIZE"
	case ReqGetCharacter:
		return "GET_CHARACTER"
	case ReqSetCharacter:
		return "SET_CHARACTER"
	case ReqCalcAbility:
		return "CALC_ABILITY"
	case ReqCalcSkill:
		return "CALC_SKILL"
	case ReqCalcCombat:
		return "CALC_COMBAT"
	case ReqApplyBonus:
		return "APPLY_BONUS"
	case ReqApplyCondition:
		return "APPLY_CONDITION"
	}
	return "UNKNOWN"
}

// Device is a capability module mounted at a kernel path. Devices hold no
// entity data of their own; they operate on entities through the kernel
// reference captured at mount time.
type Device interface {
	// Name identifies the device; it also names its mount point under /dev.
	Name() string
	// DependsOn lists device names whose INITIALIZE must run first.
	DependsOn() []string
	// OnMount hands the device its kernel back-reference.
	OnMount(k *Kernel)
}

// DeviceReader is implemented by devices that answer read calls, returning
// response data prepared by an earlier write or ioctl.
type DeviceReader interface {
	DevRead(ctx context.Context) (any, Errno)
}

// DeviceWriter is implemented by devices that accept request payloads. The
// handler may perform blocking work (for example a remote fetch) and stash
// a response for the next read.
type DeviceWriter interface {
	DevWrite(ctx context.Context, data any) Errno
}

// DeviceController is implemented by devices that accept ioctl requests.
type DeviceController interface {
	DevIoctl(ctx context.Context, req Request, arg any) Errno
}

// Unmounter is implemented by devices that need a shutdown hook.
type Unmounter interface {
	OnUnmount(ctx context.Context) error
}

// InitArg is the payload for ReqInitialize: the entity the device should
// read, derive its slice of state for, and write back.
type InitArg struct {
	EntityPath string
}
