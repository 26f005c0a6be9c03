// Package catalog loads achievement definitions from YAML and seeds them into
// an achievement service.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"savekit/core"
	"savekit/engine"
)

//go:embed default.yaml
var defaultCatalog []byte

// Entry is one achievement with its reward links, ready for registration.
type Entry struct {
	Achievement core.Achievement
	Rewards     []core.Reward
}

type fileSpec struct {
	Achievements []definitionSpec `yaml:"achievements"`
}

type definitionSpec struct {
	Code        string         `yaml:"code"`
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Active      *bool          `yaml:"active"`
	Condition   conditionsSpec `yaml:"condition"`
	Rewards     []rewardSpec   `yaml:"rewards"`
}

type conditionSpec struct {
	Type     string  `yaml:"type"`
	Operator string  `yaml:"operator"`
	Value    float64 `yaml:"value"`
}

// conditionsSpec accepts a single mapping or a sequence of mappings.
type conditionsSpec []conditionSpec

func (c *conditionsSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var one conditionSpec
		if err := node.Decode(&one); err != nil {
			return err
		}
		*c = conditionsSpec{one}
		return nil
	case yaml.SequenceNode:
		var many []conditionSpec
		if err := node.Decode(&many); err != nil {
			return err
		}
		*c = many
		return nil
	default:
		return fmt.Errorf("line %d: condition must be a mapping or a list", node.Line)
	}
}

type rewardSpec struct {
	Type   string `yaml:"type"`
	Amount int64  `yaml:"amount"`
	Item   string `yaml:"item"`
}

// Default returns the built-in catalog.
func Default() ([]Entry, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file from disk.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return entries, nil
}

// Parse decodes and validates a YAML catalog. Operators must be one of
// >=, >, ==, <=, <; codes must be unique within the document.
func Parse(data []byte) ([]Entry, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(spec.Achievements))
	entries := make([]Entry, 0, len(spec.Achievements))
	for i, def := range spec.Achievements {
		entry, err := def.toEntry()
		if err != nil {
			return nil, fmt.Errorf("achievements[%d] (%s): %w", i, def.Code, err)
		}
		if seen[def.Code] {
			return nil, fmt.Errorf("achievements[%d]: duplicate code %q", i, def.Code)
		}
		seen[def.Code] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

func (d definitionSpec) toEntry() (Entry, error) {
	a := core.Achievement{
		Code:        d.Code,
		Title:       d.Title,
		Description: d.Description,
		IsActive:    d.Active == nil || *d.Active,
		Condition:   make(core.ConditionList, 0, len(d.Condition)),
	}
	for j, c := range d.Condition {
		op, ok := core.ParseOperator(c.Operator)
		if !ok {
			return Entry{}, fmt.Errorf("condition[%d]: %w: %q", j, core.ErrInvalidOperator, c.Operator)
		}
		a.Condition = append(a.Condition, core.Condition{Type: core.StatKey(c.Type), Operator: op, Value: c.Value})
	}
	if err := core.ValidateAchievement(a); err != nil {
		return Entry{}, err
	}
	rewards := make([]core.Reward, 0, len(d.Rewards))
	for j, r := range d.Rewards {
		reward := core.Reward{Type: core.RewardType(r.Type), Amount: r.Amount, Item: r.Item}
		if err := core.ValidateReward(reward); err != nil {
			return Entry{}, fmt.Errorf("rewards[%d]: %w", j, err)
		}
		rewards = append(rewards, reward)
	}
	return Entry{Achievement: a, Rewards: rewards}, nil
}

// Registrar is the subset of the achievement service used for seeding.
type Registrar interface {
	RegisterAchievement(ctx context.Context, a core.Achievement, rewards []core.Reward) (core.Achievement, error)
}

// SeedResult reports what Seed did.
type SeedResult struct {
	Created []string
	Skipped []string
}

// Seed registers every entry whose code is not yet stored. Running it again
// against the same storage is a no-op.
func Seed(ctx context.Context, reg Registrar, entries []Entry, log *slog.Logger) (SeedResult, error) {
	if log == nil {
		log = slog.Default()
	}
	var res SeedResult
	for _, e := range entries {
		_, err := reg.RegisterAchievement(ctx, e.Achievement, e.Rewards)
		switch {
		case err == nil:
			res.Created = append(res.Created, e.Achievement.Code)
		case errors.Is(err, engine.ErrDuplicateCode):
			res.Skipped = append(res.Skipped, e.Achievement.Code)
		default:
			return res, fmt.Errorf("seed %s: %w", e.Achievement.Code, err)
		}
	}
	log.Info("catalog seeded", "created", len(res.Created), "skipped", len(res.Skipped))
	return res, nil
}
