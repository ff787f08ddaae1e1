package devices

import (
	"context"
	"time"

	"github.com/ewenmoss/grimoire/internal/kernel"
	"github.com/ewenmoss/grimoire/internal/rules"
	"github.com/ewenmoss/grimoire/internal/sheet"
)

// Ability materializes the six ability scores and their modifiers from an
// entity's raw properties. Every other derived block reads the modifiers it
// produces, so it initializes before the rest of the capability set.
type Ability struct {
	kernel *kernel.Kernel
	rules  *rules.Rules
	now    func() time.Time
}

// NewAbility builds the ability device.
func NewAbility(r *rules.Rules, now func() time.Time) *Ability {
	return &Ability{rules: r, now: now}
}

func (d *Ability) Name() string             { return "ability" }
func (d *Ability) DependsOn() []string      { return []string{"store"} }
func (d *Ability) OnMount(k *kernel.Kernel) { d.kernel = k }

// DevIoctl handles INITIALIZE and CALC_ABILITY; both recompute the full
// ability block so bonus and condition folds are never partially applied.
func (d *Ability) DevIoctl(ctx context.Context, req kernel.Request, arg any) kernel.Errno {
	switch req {
	case kernel.ReqInitialize, kernel.ReqCalcAbility:
		path, errno := initArgPath(arg)
		if errno != kernel.OK {
			return errno
		}
		return withEntity(ctx, d.kernel, path, d.now, func(e *sheet.Entity) error {
			return sheet.ComputeAbilities(e, d.rules)
		})
	}
	return kernel.EINVAL
}
