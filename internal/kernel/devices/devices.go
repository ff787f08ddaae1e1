// Package devices implements the capability modules mounted under /dev.
// Each device owns one slice of derived character state and mutates entities
// exclusively through the kernel descriptor interface: open, read a clone,
// transform, write back, close. Devices hold no entity data of their own.
package devices

import (
	"context"
	"time"

	"github.com/ewenmoss/grimoire/internal/kernel"
	"github.com/ewenmoss/grimoire/internal/sheet"
)

// ApplyBonusArg is the payload for APPLY_BONUS.
type ApplyBonusArg struct {
	EntityPath string
	Bonus      sheet.Bonus
}

// ApplyConditionArg is the payload for APPLY_CONDITION.
type ApplyConditionArg struct {
	EntityPath string
	Name       string
}

// withEntity runs fn against the entity at path under the standard
// open/read/transform/write/close cycle. The entity's update stamp is bumped
// only when fn succeeds; domain errors translate to errnos by machine code.
func withEntity(ctx context.Context, k *kernel.Kernel, path string, now func() time.Time, fn func(*sheet.Entity) error) kernel.Errno {
	if k == nil {
		return kernel.ENODEV
	}

	fd, errno := k.Open(path, kernel.ModeReadWrite)
	if errno != kernel.OK {
		return errno
	}
	defer k.Close(fd)

	data, errno := k.Read(ctx, fd)
	if errno != kernel.OK {
		return errno
	}
	e, ok := data.(*sheet.Entity)
	if !ok {
		return kernel.EINVAL
	}

	if err := fn(e); err != nil {
		return kernel.FromError(err)
	}
	e.Touch(now())
	return k.Write(ctx, fd, e)
}

func initArgPath(arg any) (string, kernel.Errno) {
	init, ok := arg.(kernel.InitArg)
	if !ok || init.EntityPath == "" {
		return "", kernel.EINVAL
	}
	return init.EntityPath, kernel.OK
}
