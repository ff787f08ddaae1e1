package devices

import (
	"context"
	"time"

	"github.com/ewenmoss/grimoire/internal/kernel"
	"github.com/ewenmoss/grimoire/internal/rules"
	"github.com/ewenmoss/grimoire/internal/sheet"
)

// Bonus manages the typed-bonus ledger. Applying a bonus recomputes the
// derived blocks so stacking rules resolve against the whole ledger, never
// incrementally.
type Bonus struct {
	kernel *kernel.Kernel
	rules  *rules.Rules
	now    func() time.Time
}

// NewBonus builds the bonus device.
func NewBonus(r *rules.Rules, now func() time.Time) *Bonus {
	return &Bonus{rules: r, now: now}
}

func (d *Bonus) Name() string             { return "bonus" }
func (d *Bonus) DependsOn() []string      { return []string{"ability", "combat"} }
func (d *Bonus) OnMount(k *kernel.Kernel) { d.kernel = k }

func (d *Bonus) DevIoctl(ctx context.Context, req kernel.Request, arg any) kernel.Errno {
	switch req {
	case kernel.ReqInitialize:
		path, errno := initArgPath(arg)
		if errno != kernel.OK {
			return errno
		}
		return withEntity(ctx, d.kernel, path, d.now, func(e *sheet.Entity) error {
			if e.Properties.Bonuses == nil {
				e.Properties.Bonuses = []sheet.Bonus{}
			}
			return nil
		})
	case kernel.ReqApplyBonus:
		apply, ok := arg.(ApplyBonusArg)
		if !ok || apply.EntityPath == "" {
			return kernel.EINVAL
		}
		return withEntity(ctx, d.kernel, apply.EntityPath, d.now, func(e *sheet.Entity) error {
			if err := sheet.AppendBonus(e, d.rules, apply.Bonus); err != nil {
				return err
			}
			return recomputeDerived(e, d.rules)
		})
	}
	return kernel.EINVAL
}
