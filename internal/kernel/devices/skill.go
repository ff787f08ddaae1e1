package devices

import (
	"context"
	"time"

	"github.com/ewenmoss/grimoire/internal/kernel"
	"github.com/ewenmoss/grimoire/internal/rules"
	"github.com/ewenmoss/grimoire/internal/sheet"
)

// Skill computes per-skill totals from ranks, the governing ability modifier,
// class-skill training, and misc adjustments.
type Skill struct {
	kernel *kernel.Kernel
	rules  *rules.Rules
	now    func() time.Time
}

// NewSkill builds the skill device.
func NewSkill(r *rules.Rules, now func() time.Time) *Skill {
	return &Skill{rules: r, now: now}
}

func (d *Skill) Name() string             { return "skill" }
func (d *Skill) DependsOn() []string      { return []string{"ability"} }
func (d *Skill) OnMount(k *kernel.Kernel) { d.kernel = k }

func (d *Skill) DevIoctl(ctx context.Context, req kernel.Request, arg any) kernel.Errno {
	switch req {
	case kernel.ReqInitialize, kernel.ReqCalcSkill:
		path, errno := initArgPath(arg)
		if errno != kernel.OK {
			return errno
		}
		return withEntity(ctx, d.kernel, path, d.now, func(e *sheet.Entity) error {
			return sheet.ComputeSkills(e, d.rules)
		})
	}
	return kernel.EINVAL
}
