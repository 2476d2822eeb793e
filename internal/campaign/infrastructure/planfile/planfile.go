// Package planfile loads cadence plans from YAML files.
package planfile

import (
	"fmt"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/security"
	"gopkg.in/yaml.v3"
)

// slotSpec is the YAML form of one cadence slot. Either offset_minutes
// or weekday+time must be set, mirroring the domain slot forms.
type slotSpec struct {
	OffsetMinutes *int   `yaml:"offset_minutes"`
	Weekday       string `yaml:"weekday"`
	Time          string `yaml:"time"`
}

// planSpec is the YAML form of a cadence plan.
type planSpec struct {
	Timezone  string     `yaml:"timezone"`
	CallSlots []slotSpec `yaml:"call_slots"`
	Email     *slotSpec  `yaml:"email"`
}

// Load reads a cadence plan from the given YAML file.
func Load(path string) (domain.CadencePlan, error) {
	data, err := security.SafeReadFile(path)
	if err != nil {
		return domain.CadencePlan{}, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// LoadFromDir reads a cadence plan from a YAML file that must live
// inside baseDir.
func LoadFromDir(path, baseDir string) (domain.CadencePlan, error) {
	data, err := security.SafeReadFileInDir(path, baseDir)
	if err != nil {
		return domain.CadencePlan{}, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML cadence plan.
func Parse(data []byte) (domain.CadencePlan, error) {
	var spec planSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return domain.CadencePlan{}, fmt.Errorf("parse plan file: %w", err)
	}

	plan := domain.CadencePlan{Timezone: spec.Timezone}
	for i, s := range spec.CallSlots {
		slot, err := s.toSlot()
		if err != nil {
			return domain.CadencePlan{}, fmt.Errorf("call slot %d: %w", i, err)
		}
		plan.CallSlots = append(plan.CallSlots, slot)
	}
	if spec.Email != nil {
		slot, err := spec.Email.toSlot()
		if err != nil {
			return domain.CadencePlan{}, fmt.Errorf("email slot: %w", err)
		}
		plan.EmailSlot = &slot
	}

	if err := plan.Validate(); err != nil {
		return domain.CadencePlan{}, err
	}
	return plan, nil
}

func (s slotSpec) toSlot() (domain.CadenceSlot, error) {
	if s.OffsetMinutes != nil {
		if s.Weekday != "" || s.Time != "" {
			return domain.CadenceSlot{}, fmt.Errorf("%w: offset and weekday forms are mutually exclusive", domain.ErrInvalidSlot)
		}
		return domain.OffsetSlot(*s.OffsetMinutes), nil
	}
	if s.Weekday == "" {
		return domain.CadenceSlot{}, fmt.Errorf("%w: either offset_minutes or weekday is required", domain.ErrInvalidSlot)
	}
	weekday, err := domain.ParseWeekday(s.Weekday)
	if err != nil {
		return domain.CadenceSlot{}, err
	}
	return domain.WeeklySlot(weekday, s.Time), nil
}
