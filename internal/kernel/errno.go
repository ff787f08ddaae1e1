package kernel

import apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"

// Errno is the kernel's error contract. Operations return codes instead of
// Go errors so callers branch explicitly; zero means success and negative
// values follow the Unix convention.
type Errno int

const (
	// OK indicates success.
	OK Errno = 0
	// ENOENT indicates a missing path or entity.
	ENOENT Errno = -2
	// EIO indicates an underlying boundary operation failed.
	EIO Errno = -5
	// EAGAIN indicates a transient failure worth retrying.
	EAGAIN Errno = -11
	// EBUSY indicates the target is in use.
	EBUSY Errno = -16
	// EEXIST indicates the path already exists.
	EEXIST Errno = -17
	// ENODEV indicates the operation requires a mounted device.
	ENODEV Errno = -19
	// ENOTDIR indicates a path component is not a directory.
	ENOTDIR Errno = -20
	// EISDIR indicates the target is a directory.
	EISDIR Errno = -21
	// EINVAL indicates a malformed or unsupported request.
	EINVAL Errno = -22
	// EBADF indicates use of a closed or unknown descriptor. Treated as a
	// programming error and logged loudly.
	EBADF Errno = -9
)

// String returns the conventional errno name.
func (e Errno) String() string {
	switch e {
	case OK:
		return "OK"
	case ENOENT:
		return "ENOENT"
	case EIO:
		return "EIO"
	case EAGAIN:
		return "EAGAIN"
	case EBADF:
		return "EBADF"
	case EBUSY:
		return "EBUSY"
	case EEXIST:
		return "EEXIST"
	case ENODEV:
		return "ENODEV"
	case ENOTDIR:
		return "ENOTDIR"
	case EISDIR:
		return "EISDIR"
	case EINVAL:
		return "EINVAL"
	}
	return "EUNKNOWN"
}

// FromError translates a domain error into an errno via its machine code.
// Nil maps to OK; errors without a known code map to EIO.
func FromError(err error) Errno {
	if err == nil {
		return OK
	}
	return Errno(apperrors.GetCode(err).Errno())
}
