package core

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyConditions  = errors.New("achievement must have at least one condition")
	ErrMissingStatType  = errors.New("condition type cannot be empty")
	ErrInvalidOperator  = errors.New("unsupported condition operator")
	ErrInvalidRewardDef = errors.New("invalid reward definition")
)

// Evaluate reports whether stats satisfy c. Missing stats read as zero and an
// unsupported operator fails closed.
func Evaluate(c Condition, stats StatValues) bool {
	v := stats.Get(c.Type)
	switch c.Operator {
	case OpGTE:
		return v >= c.Value
	case OpGT:
		return v > c.Value
	case OpEQ:
		return v == c.Value
	case OpLTE:
		return v <= c.Value
	case OpLT:
		return v < c.Value
	default:
		return false
	}
}

// EvaluateAll is the logical AND of every condition. An empty list holds vacuously.
func EvaluateAll(conds []Condition, stats StatValues) bool {
	for _, c := range conds {
		if !Evaluate(c, stats) {
			return false
		}
	}
	return true
}

// IsEligible reports whether a rule's conditions all hold. A nil rule or a rule
// without a condition field is never eligible.
func IsEligible(a *Achievement, stats StatValues) bool {
	if a == nil || a.Condition == nil {
		return false
	}
	return EvaluateAll(a.Condition, stats)
}

// CalculateProgress derives a 0..100 completion percentage for a single condition.
// A target at or below zero is complete once the current value reaches it.
func CalculateProgress(c Condition, stats StatValues) Progress {
	current := stats.Get(c.Type)
	p := Progress{CurrentValue: current, TargetValue: c.Value}
	if c.Value <= 0 {
		if current >= c.Value {
			p.Progress = 100
		}
		return p
	}
	pct := math.Round(current / c.Value * 100)
	switch {
	case pct > 100:
		pct = 100
	case pct < 0 || math.IsNaN(pct):
		pct = 0
	}
	p.Progress = int(pct)
	return p
}

// RuleProgress computes progress from the first condition of a rule only.
// It returns nil when the rule has no conditions.
func RuleProgress(a Achievement, stats StatValues) *Progress {
	if len(a.Condition) == 0 {
		return nil
	}
	p := CalculateProgress(a.Condition[0], stats)
	return &p
}

// ValidateAchievement checks a rule definition at registration time.
func ValidateAchievement(a Achievement) error {
	if err := ValidateCode(a.Code); err != nil {
		return err
	}
	if len(a.Condition) == 0 {
		return ErrEmptyConditions
	}
	for i, c := range a.Condition {
		if c.Type == "" {
			return fmt.Errorf("condition[%d]: %w", i, ErrMissingStatType)
		}
		if !c.Operator.IsValid() {
			return fmt.Errorf("condition[%d]: %w", i, ErrInvalidOperator)
		}
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
			return fmt.Errorf("condition[%d]: value must be finite", i)
		}
	}
	return nil
}

// ValidateReward checks a reward definition at registration time.
func ValidateReward(r Reward) error {
	if !r.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRewardDef, r.Type)
	}
	if r.Type == RewardPoints {
		if r.Amount <= 0 {
			return fmt.Errorf("%w: points amount must be positive", ErrInvalidRewardDef)
		}
		return nil
	}
	if r.Item == "" {
		return fmt.Errorf("%w: %s reward needs an item", ErrInvalidRewardDef, r.Type)
	}
	return nil
}
