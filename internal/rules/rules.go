// Package rules loads the embedded game-rule reference data: the skill
// table, bonus stacking behavior, condition effects, and the JSON Schema
// used to validate raw character payloads fetched from the remote store.
//
// The data is deliberately static for a given build; play-time state lives
// in the character entity, never here.
package rules

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
)

//go:embed data/*.yaml schema/character.schema.json
var dataFS embed.FS

// SkillDef describes one skill: its governing ability and whether it can be
// used without ranks.
type SkillDef struct {
	Ability   string `yaml:"ability"`
	Untrained bool   `yaml:"untrained"`
}

// BonusDef describes stacking behavior for one bonus type.
type BonusDef struct {
	Stacks bool `yaml:"stacks"`
}

// Effect is a single condition penalty applied to a derived block or ability.
type Effect struct {
	Target string `yaml:"target"`
	Value  int    `yaml:"value"`
}

// ConditionDef lists the effects an active condition folds into derived state.
type ConditionDef struct {
	Effects []Effect `yaml:"effects"`
}

// Rules is the loaded, immutable rule set.
type Rules struct {
	skills     map[string]SkillDef
	bonuses    map[string]BonusDef
	conditions map[string]ConditionDef
	schema     *jsonschema.Schema
}

// Load parses the embedded rule data. It fails only on a build defect
// (malformed embedded file), so callers typically treat an error as fatal.
func Load() (*Rules, error) {
	r := &Rules{}

	var skillFile struct {
		Skills map[string]SkillDef `yaml:"skills"`
	}
	if err := loadYAML("data/skills.yaml", &skillFile); err != nil {
		return nil, err
	}
	r.skills = skillFile.Skills

	var bonusFile struct {
		Bonuses map[string]BonusDef `yaml:"bonuses"`
	}
	if err := loadYAML("data/bonuses.yaml", &bonusFile); err != nil {
		return nil, err
	}
	r.bonuses = bonusFile.Bonuses

	var conditionFile struct {
		Conditions map[string]ConditionDef `yaml:"conditions"`
	}
	if err := loadYAML("data/conditions.yaml", &conditionFile); err != nil {
		return nil, err
	}
	r.conditions = conditionFile.Conditions

	raw, err := dataFS.ReadFile("schema/character.schema.json")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRulesParse, "read character schema", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("character.schema.json", bytes.NewReader(raw)); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRulesParse, "add character schema resource", err)
	}
	schema, err := compiler.Compile("character.schema.json")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRulesParse, "compile character schema", err)
	}
	r.schema = schema

	return r, nil
}

func loadYAML(name string, target any) error {
	raw, err := dataFS.ReadFile(name)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRulesParse, fmt.Sprintf("read %s", name), err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return apperrors.Wrap(apperrors.CodeRulesParse, fmt.Sprintf("parse %s", name), err)
	}
	return nil
}

// SkillDef returns the definition for a skill.
func (r *Rules) SkillDef(name string) (SkillDef, bool) {
	def, ok := r.skills[name]
	return def, ok
}

// SkillNames returns every known skill name. Order is not defined.
func (r *Rules) SkillNames() []string {
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	return names
}

// BonusStacks reports whether same-type bonuses of the given type stack.
// Unknown types are treated as non-stacking, the conservative reading.
func (r *Rules) BonusStacks(bonusType string) bool {
	def, ok := r.bonuses[bonusType]
	if !ok {
		return false
	}
	return def.Stacks
}

// KnownBonusType reports whether the bonus type appears in the rule data.
func (r *Rules) KnownBonusType(bonusType string) bool {
	_, ok := r.bonuses[bonusType]
	return ok
}

// ConditionDef returns the effect list for a condition.
func (r *Rules) ConditionDef(name string) (ConditionDef, bool) {
	def, ok := r.conditions[name]
	return def, ok
}

// ValidateCharacterPayload checks a raw character row against the character
// schema. The row is round-tripped through JSON so YAML-typed values (int
// vs float64) validate uniformly.
func (r *Rules) ValidateCharacterPayload(row map[string]any) error {
	encoded, err := json.Marshal(row)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreBadPayload, "encode character payload", err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreBadPayload, "decode character payload", err)
	}
	if err := r.schema.Validate(decoded); err != nil {
		return apperrors.Wrap(apperrors.CodeRulesSchemaViolation, "character payload rejected by schema", err)
	}
	return nil
}
