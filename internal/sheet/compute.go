package sheet

import (
	"strconv"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
	"github.com/ewenmoss/grimoire/internal/rules"
)

// Trained class skills get a flat bonus once at least one rank is invested.
const classSkillBonus = 3

// AbilityModifier derives the modifier for an ability score, rounding down
// for scores below 10.
func AbilityModifier(score int) int {
	d := score - 10
	if d >= 0 {
		return d / 2
	}
	return (d - 1) / 2
}

// ComputeAbilities fills Properties.Abilities from the raw imported scores,
// folding in ability-targeted bonuses and condition effects.
func ComputeAbilities(e *Entity, r *rules.Rules) error {
	rawAbilities, ok := e.Properties.Raw["abilities"].(map[string]any)
	if !ok {
		return apperrors.New(apperrors.CodeStoreBadPayload, "character row has no abilities block")
	}

	abilities := make(map[string]Ability, len(AbilityNames))
	for _, name := range AbilityNames {
		base, ok := asInt(rawAbilities[name])
		if !ok {
			return apperrors.WithMetadata(apperrors.CodeSheetUnknownAbility,
				"ability score missing from character row",
				map[string]string{"ability": name})
		}
		if base < 1 || base > 45 {
			return apperrors.WithMetadata(apperrors.CodeSheetInvalidScore,
				"ability score out of range",
				map[string]string{"ability": name, "score": strconv.Itoa(base)})
		}

		score := base + foldBonuses(e, r, name) + conditionPenalty(e, r, name)
		abilities[name] = Ability{
			Base:     base,
			Score:    score,
			Modifier: AbilityModifier(score),
		}
	}

	e.Properties.Abilities = abilities
	return nil
}

// ComputeSkills fills Properties.Skills from the raw skill lines. Ability
// modifiers must already be present; the ability device runs first.
func ComputeSkills(e *Entity, r *rules.Rules) error {
	if len(e.Properties.Abilities) == 0 {
		return apperrors.New(apperrors.CodeSheetAbilitiesNotReady,
			"ability scores must be initialized before skills")
	}

	skillPenalty := conditionPenalty(e, r, "skills")

	rawSkills, _ := e.Properties.Raw["skills"].(map[string]any)
	skills := make(map[string]Skill, len(rawSkills))
	for name, v := range rawSkills {
		def, ok := r.SkillDef(name)
		if !ok {
			return apperrors.WithMetadata(apperrors.CodeSheetUnknownSkill,
				"skill not present in rule data",
				map[string]string{"skill": name})
		}

		line, _ := v.(map[string]any)
		ranks, _ := asInt(line["ranks"])
		if ranks < 0 {
			return apperrors.WithMetadata(apperrors.CodeSheetInvalidRanks,
				"skill ranks must be non-negative",
				map[string]string{"skill": name, "ranks": strconv.Itoa(ranks)})
		}
		classSkill, _ := line["class_skill"].(bool)
		misc, _ := asInt(line["misc"])

		total := ranks + e.Properties.Abilities[def.Ability].Modifier + misc + skillPenalty
		if classSkill && ranks > 0 {
			total += classSkillBonus
		}

		skills[name] = Skill{
			Ability:    def.Ability,
			Ranks:      ranks,
			ClassSkill: classSkill,
			Misc:       misc,
			Total:      total,
		}
	}

	e.Properties.Skills = skills
	return nil
}

// ComputeCombat fills the derived combat block. Ability modifiers must
// already be present.
func ComputeCombat(e *Entity, r *rules.Rules) error {
	if len(e.Properties.Abilities) == 0 {
		return apperrors.New(apperrors.CodeSheetAbilitiesNotReady,
			"ability scores must be initialized before combat stats")
	}

	raw := e.Properties.Raw
	level := rawIntDefault(raw, "level", 1)
	hitDie := rawIntDefault(raw, "hit_die", 8)
	baseAttack := rawIntDefault(raw, "base_attack", 0)
	armor := rawIntDefault(raw, "armor_bonus", 0)
	shield := rawIntDefault(raw, "shield_bonus", 0)

	baseSaves, _ := raw["base_saves"].(map[string]any)
	baseFort := rawIntDefault(baseSaves, "fort", 0)
	baseRef := rawIntDefault(baseSaves, "ref", 0)
	baseWill := rawIntDefault(baseSaves, "will", 0)

	strMod := e.Properties.Abilities["str"].Modifier
	dexMod := e.Properties.Abilities["dex"].Modifier
	conMod := e.Properties.Abilities["con"].Modifier
	wisMod := e.Properties.Abilities["wis"].Modifier

	acBonus := foldBonuses(e, r, "ac") + conditionPenalty(e, r, "ac")
	attackBonus := foldBonuses(e, r, "attack") + conditionPenalty(e, r, "attack")
	saveBonus := foldBonuses(e, r, "saves") + conditionPenalty(e, r, "saves")

	// Average hit points: max die at first level, average after.
	maxHP := hitDie + (level-1)*(hitDie/2+1) + level*conMod
	if maxHP < 1 {
		maxHP = 1
	}

	e.Properties.Combat = &Combat{
		ArmorClass:   10 + armor + shield + dexMod + acBonus,
		Touch:        10 + dexMod + conditionPenalty(e, r, "ac"),
		FlatFooted:   10 + armor + shield,
		Initiative:   dexMod,
		BaseAttack:   baseAttack,
		MeleeAttack:  baseAttack + strMod + attackBonus,
		RangedAttack: baseAttack + dexMod + attackBonus,
		Fortitude:    baseFort + conMod + saveBonus,
		Reflex:       baseRef + dexMod + saveBonus,
		Will:         baseWill + wisMod + saveBonus,
		MaxHP:        maxHP,
	}

	if e.Properties.Resources == nil {
		e.Properties.Resources = make(map[string]Resource, 1)
	}
	if _, ok := e.Properties.Resources["hp"]; !ok {
		e.Properties.Resources["hp"] = Resource{Current: maxHP, Max: maxHP}
	}
	return nil
}

// AppendBonus validates a bonus and appends it to the ledger. Recomputing
// the affected totals is the caller's responsibility.
func AppendBonus(e *Entity, r *rules.Rules, b Bonus) error {
	if b.Type == "" || b.Target == "" {
		return apperrors.New(apperrors.CodeSheetInvalidBonus, "bonus requires a type and a target")
	}
	if !r.KnownBonusType(b.Type) {
		return apperrors.WithMetadata(apperrors.CodeSheetInvalidBonus,
			"bonus type not present in rule data",
			map[string]string{"type": b.Type})
	}
	e.Properties.Bonuses = append(e.Properties.Bonuses, b)
	return nil
}

// AppendCondition validates a condition and appends it to the active list.
// Duplicate applications are rejected; conditions do not stack.
func AppendCondition(e *Entity, r *rules.Rules, c Condition) error {
	if _, ok := r.ConditionDef(c.Name); !ok {
		return apperrors.WithMetadata(apperrors.CodeSheetUnknownCondition,
			"condition not present in rule data",
			map[string]string{"condition": c.Name})
	}
	for _, active := range e.Properties.Conditions {
		if active.Name == c.Name {
			return apperrors.WithMetadata(apperrors.CodeSheetConditionDuplicate,
				"condition already active",
				map[string]string{"condition": c.Name})
		}
	}
	e.Properties.Conditions = append(e.Properties.Conditions, c)
	return nil
}

// foldBonuses totals ledger bonuses for one target, honoring stacking:
// stacking types sum, non-stacking types contribute only their highest value.
func foldBonuses(e *Entity, r *rules.Rules, target string) int {
	bestByType := make(map[string]int)
	total := 0
	for _, b := range e.Properties.Bonuses {
		if b.Target != target {
			continue
		}
		if r.BonusStacks(b.Type) {
			total += b.Value
			continue
		}
		if prev, ok := bestByType[b.Type]; !ok || b.Value > prev {
			bestByType[b.Type] = b.Value
		}
	}
	for _, v := range bestByType {
		total += v
	}
	return total
}

// conditionPenalty totals active-condition effects for one target.
func conditionPenalty(e *Entity, r *rules.Rules, target string) int {
	total := 0
	for _, active := range e.Properties.Conditions {
		def, ok := r.ConditionDef(active.Name)
		if !ok {
			continue
		}
		for _, eff := range def.Effects {
			if eff.Target == target {
				total += eff.Value
			}
		}
	}
	return total
}

func rawIntDefault(m map[string]any, key string, fallback int) int {
	if m == nil {
		return fallback
	}
	if v, ok := asInt(m[key]); ok {
		return v
	}
	return fallback
}
