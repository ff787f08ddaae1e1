// Package sheet defines the character entity: the unit of persistent game
// state addressed through the virtual filesystem, plus the deterministic
// rule math the capability devices run over it.
package sheet

import (
	"strings"
	"time"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
)

// EntityType tags character entities in the filesystem.
const EntityType = "character"

// AbilityNames lists the six ability keys in canonical order.
var AbilityNames = []string{"str", "dex", "con", "int", "wis", "cha"}

// Entity is one character's persisted state.
type Entity struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Name       string     `json:"name"`
	Properties Properties `json:"properties"`
	Meta       Metadata   `json:"metadata"`
}

// Metadata carries entity bookkeeping stamps.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// Properties holds the raw imported payload plus the derived slices filled
// in by the capability devices during initialization.
type Properties struct {
	Raw        map[string]any      `json:"raw"`
	Abilities  map[string]Ability  `json:"abilities,omitempty"`
	Skills     map[string]Skill    `json:"skills,omitempty"`
	Combat     *Combat             `json:"combat,omitempty"`
	Conditions []Condition         `json:"conditions,omitempty"`
	Bonuses    []Bonus             `json:"bonuses,omitempty"`
	Resources  map[string]Resource `json:"resources,omitempty"`
}

// Ability is one ability score with its derived modifier. Base is the
// imported score; Score folds in bonuses and condition effects.
type Ability struct {
	Base     int `json:"base"`
	Score    int `json:"score"`
	Modifier int `json:"modifier"`
}

// Skill is one computed skill line.
type Skill struct {
	Ability    string `json:"ability"`
	Ranks      int    `json:"ranks"`
	ClassSkill bool   `json:"class_skill"`
	Misc       int    `json:"misc"`
	Total      int    `json:"total"`
}

// Combat is the derived combat block.
type Combat struct {
	ArmorClass   int `json:"armor_class"`
	Touch        int `json:"touch"`
	FlatFooted   int `json:"flat_footed"`
	Initiative   int `json:"initiative"`
	BaseAttack   int `json:"base_attack"`
	MeleeAttack  int `json:"melee_attack"`
	RangedAttack int `json:"ranged_attack"`
	Fortitude    int `json:"fortitude"`
	Reflex       int `json:"reflex"`
	Will         int `json:"will"`
	MaxHP        int `json:"max_hp"`
}

// Bonus is one typed bonus in the entity's ledger.
type Bonus struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Value  int    `json:"value"`
	Source string `json:"source,omitempty"`
}

// Condition is an active condition on the character.
type Condition struct {
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Resource is a spendable pool (hit points, bombs, spell slots).
type Resource struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// NewFromRow materializes an entity from a raw character row fetched from
// the remote store. The row is kept verbatim under Properties.Raw; derived
// slices stay empty until the capability devices initialize them.
func NewFromRow(row map[string]any, now time.Time) (*Entity, error) {
	id, _ := row["id"].(string)
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.New(apperrors.CodeSheetEmptyID, "character row has no id")
	}
	name, _ := row["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.New(apperrors.CodeSheetEmptyName, "character row has no name")
	}

	e := &Entity{
		ID:   id,
		Type: EntityType,
		Name: name,
		Properties: Properties{
			Raw: row,
		},
		Meta: Metadata{
			CreatedAt: now.UTC(),
			UpdatedAt: now.UTC(),
			Version:   1,
		},
	}

	if rawResources, ok := row["resources"].(map[string]any); ok {
		e.Properties.Resources = make(map[string]Resource, len(rawResources))
		for resName, v := range rawResources {
			pool, ok := v.(map[string]any)
			if !ok {
				continue
			}
			current, _ := asInt(pool["current"])
			max, _ := asInt(pool["max"])
			e.Properties.Resources[resName] = Resource{Current: current, Max: max}
		}
	}

	return e, nil
}

// Touch bumps the entity's update stamp and version counter.
func (e *Entity) Touch(now time.Time) {
	e.Meta.UpdatedAt = now.UTC()
	e.Meta.Version++
}

// Clone returns a deep copy of the entity. The virtual filesystem hands out
// clones on read so callers can never alias the stored object.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Properties.Raw = cloneAnyMap(e.Properties.Raw)
	if e.Properties.Abilities != nil {
		out.Properties.Abilities = make(map[string]Ability, len(e.Properties.Abilities))
		for k, v := range e.Properties.Abilities {
			out.Properties.Abilities[k] = v
		}
	}
	if e.Properties.Skills != nil {
		out.Properties.Skills = make(map[string]Skill, len(e.Properties.Skills))
		for k, v := range e.Properties.Skills {
			out.Properties.Skills[k] = v
		}
	}
	if e.Properties.Combat != nil {
		combat := *e.Properties.Combat
		out.Properties.Combat = &combat
	}
	if e.Properties.Conditions != nil {
		out.Properties.Conditions = append([]Condition(nil), e.Properties.Conditions...)
	}
	if e.Properties.Bonuses != nil {
		out.Properties.Bonuses = append([]Bonus(nil), e.Properties.Bonuses...)
	}
	if e.Properties.Resources != nil {
		out.Properties.Resources = make(map[string]Resource, len(e.Properties.Resources))
		for k, v := range e.Properties.Resources {
			out.Properties.Resources[k] = v
		}
	}
	return &out
}

// CloneData satisfies the kernel's cloning contract for stored file data.
func (e *Entity) CloneData() any {
	return e.Clone()
}

func cloneAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneAnyValue(v)
	}
	return out
}

func cloneAnyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneAnyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneAnyValue(item)
		}
		return out
	default:
		return v
	}
}

// asInt coerces the numeric types that survive JSON and YAML decoding.
func asInt(v any) (int, bool) {
	switch typed := v.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		return int(typed), true
	default:
		return 0, false
	}
}
