package devices

import (
	"context"
	"time"

	"github.com/ewenmoss/grimoire/internal/kernel"
	"github.com/ewenmoss/grimoire/internal/rules"
	"github.com/ewenmoss/grimoire/internal/sheet"
)

// Condition manages the active-condition list. Applying a condition folds
// its penalties into the derived blocks by recomputing them, so a shaken
// character's attack lines and skill totals drop immediately.
type Condition struct {
	kernel *kernel.Kernel
	rules  *rules.Rules
	now    func() time.Time
}

// NewCondition builds the condition device.
func NewCondition(r *rules.Rules, now func() time.Time) *Condition {
	return &Condition{rules: r, now: now}
}

func (d *Condition) Name() string             { return "condition" }
func (d *Condition) DependsOn() []string      { return []string{"ability"} }
func (d *Condition) OnMount(k *kernel.Kernel) { d.kernel = k }

func (d *Condition) DevIoctl(ctx context.Context, req kernel.Request, arg any) kernel.Errno {
	switch req {
	case kernel.ReqInitialize:
		path, errno := initArgPath(arg)
		if errno != kernel.OK {
			return errno
		}
		return withEntity(ctx, d.kernel, path, d.now, func(e *sheet.Entity) error {
			if e.Properties.Conditions == nil {
				e.Properties.Conditions = []sheet.Condition{}
			}
			return nil
		})
	case kernel.ReqApplyCondition:
		apply, ok := arg.(ApplyConditionArg)
		if !ok || apply.EntityPath == "" || apply.Name == "" {
			return kernel.EINVAL
		}
		return withEntity(ctx, d.kernel, apply.EntityPath, d.now, func(e *sheet.Entity) error {
			c := sheet.Condition{Name: apply.Name, AppliedAt: d.now().UTC()}
			if err := sheet.AppendCondition(e, d.rules, c); err != nil {
				return err
			}
			return recomputeDerived(e, d.rules)
		})
	}
	return kernel.EINVAL
}

// recomputeDerived refreshes every block a condition or bonus can touch, in
// dependency order.
func recomputeDerived(e *sheet.Entity, r *rules.Rules) error {
	if err := sheet.ComputeAbilities(e, r); err != nil {
		return err
	}
	if e.Properties.Skills != nil {
		if err := sheet.ComputeSkills(e, r); err != nil {
			return err
		}
	}
	if e.Properties.Combat != nil {
		if err := sheet.ComputeCombat(e, r); err != nil {
			return err
		}
	}
	return nil
}
