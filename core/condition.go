package core

import (
	"bytes"
	"encoding/json"
)

// Operator is the comparison applied between a stat value and a condition target.
type Operator uint8

const (
	// OpUnknown is the zero value; conditions carrying it never hold.
	OpUnknown Operator = iota
	OpGTE
	OpGT
	OpEQ
	OpLTE
	OpLT
)

var operatorSymbols = map[Operator]string{
	OpGTE: ">=",
	OpGT:  ">",
	OpEQ:  "==",
	OpLTE: "<=",
	OpLT:  "<",
}

// ParseOperator maps a symbol to its Operator. Unrecognised symbols yield OpUnknown and false.
func ParseOperator(s string) (Operator, bool) {
	for op, sym := range operatorSymbols {
		if sym == s {
			return op, true
		}
	}
	return OpUnknown, false
}

func (o Operator) String() string {
	if sym, ok := operatorSymbols[o]; ok {
		return sym
	}
	return "unknown"
}

// IsValid reports whether o is one of the supported comparisons.
func (o Operator) IsValid() bool {
	_, ok := operatorSymbols[o]
	return ok
}

// MarshalText encodes the operator symbol.
func (o Operator) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText never fails: an unsupported symbol decodes to OpUnknown so a single
// malformed stored rule does not prevent the rest of the catalog from loading.
func (o *Operator) UnmarshalText(b []byte) error {
	*o, _ = ParseOperator(string(b))
	return nil
}

// Condition compares the stat named by Type against Value.
type Condition struct {
	Type     StatKey  `json:"type"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

// ConditionList is AND-combined. In JSON it may be written as a single
// condition object or as an array of them.
type ConditionList []Condition

// UnmarshalJSON accepts null, a single object, or an array.
func (l *ConditionList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] == '[' {
		var list []Condition
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*l = list
		return nil
	}
	var single Condition
	if err := json.Unmarshal(b, &single); err != nil {
		return err
	}
	*l = ConditionList{single}
	return nil
}
