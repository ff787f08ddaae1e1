package devices

import (
	"context"
	"time"

	"github.com/ewenmoss/grimoire/internal/kernel"
	"github.com/ewenmoss/grimoire/internal/rules"
	"github.com/ewenmoss/grimoire/internal/sheet"
)

// Combat derives the combat block: armor classes, saves, attack lines, and
// the hit-point pool.
type Combat struct {
	kernel *kernel.Kernel
	rules  *rules.Rules
	now    func() time.Time
}

// NewCombat builds the combat device.
func NewCombat(r *rules.Rules, now func() time.Time) *Combat {
	return &Combat{rules: r, now: now}
}

func (d *Combat) Name() string             { return "combat" }
func (d *Combat) DependsOn() []string      { return []string{"ability"} }
func (d *Combat) OnMount(k *kernel.Kernel) { d.kernel = k }

func (d *Combat) DevIoctl(ctx context.Context, req kernel.Request, arg any) kernel.Errno {
	switch req {
	case kernel.ReqInitialize, kernel.ReqCalcCombat:
		path, errno := initArgPath(arg)
		if errno != kernel.OK {
			return errno
		}
		return withEntity(ctx, d.kernel, path, d.now, func(e *sheet.Entity) error {
			return sheet.ComputeCombat(e, d.rules)
		})
	}
	return kernel.EINVAL
}
