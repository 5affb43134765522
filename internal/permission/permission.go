// Package permission defines the oracle consulted before gated engine
// actions. Local persistence is never gated.
package permission

import (
	"context"
	"fmt"
)

// Actions evaluated by the sync engine.
const (
	ActionSync     = "wizard.sync"
	ActionValidate = "wizard.validate"
)

// Decision is the oracle's answer for one action.
type Decision struct {
	Allowed bool
	Reason  string
}

// Oracle evaluates named actions.
type Oracle interface {
	Evaluate(ctx context.Context, action string) (Decision, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, action string) (Decision, error)

// Evaluate implements Oracle.
func (f OracleFunc) Evaluate(ctx context.Context, action string) (Decision, error) {
	return f(ctx, action)
}

// Static answers from a fixed rule table; actions without a rule get
// Default.
type Static struct {
	Default bool
	Rules   map[string]bool
}

// AllowAll permits every action.
func AllowAll() Static {
	return Static{Default: true}
}

// Evaluate implements Oracle.
func (s Static) Evaluate(_ context.Context, action string) (Decision, error) {
	allowed, ok := s.Rules[action]
	if !ok {
		return Decision{Allowed: s.Default, Reason: "default"}, nil
	}
	if allowed {
		return Decision{Allowed: true, Reason: "rule"}, nil
	}
	return Decision{Allowed: false, Reason: fmt.Sprintf("%s denied by rule", action)}, nil
}

// Allowed evaluates action and treats an oracle error as a denial.
func Allowed(ctx context.Context, o Oracle, action string) (bool, string) {
	if o == nil {
		return true, ""
	}
	d, err := o.Evaluate(ctx, action)
	if err != nil {
		return false, fmt.Sprintf("%s: permission check failed: %v", action, err)
	}
	if !d.Allowed && d.Reason == "" {
		return false, action + " denied"
	}
	return d.Allowed, d.Reason
}
