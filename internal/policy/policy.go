// Package policy decides whether an operation runs on the local daemon or on
// the remote worker.
//
// Rules apply in order: an exact deny-list match stays local, an allow-list
// family match goes remote, otherwise the combined element count of the
// tensor inputs is compared against a threshold.
package policy

import (
	"fmt"
	"strings"

	"remoted/internal/tensor"
)

// DefaultThreshold is the element count at which unlisted ops go remote.
const DefaultThreshold int64 = 65536

// Route is where an operation executes.
type Route string

const (
	Local  Route = "local"
	Remote Route = "remote"
)

// Decision is a route plus the rule that produced it.
type Decision struct {
	Route  Route  `json:"route"`
	Reason string `json:"reason"`
}

// Table configures a Policy.
type Table struct {
	// Deny lists op names, matched exactly, that always stay local.
	Deny []string `json:"deny" yaml:"deny" toml:"deny"`
	// Allow lists op families, matched by prefix, that always go remote.
	Allow []string `json:"allow" yaml:"allow" toml:"allow"`
	// Threshold is the total input element count at or above which an
	// unlisted op goes remote. Zero selects DefaultThreshold.
	Threshold int64 `json:"threshold" yaml:"threshold" toml:"threshold"`
}

// DefaultDeny is memory, view and factory ops that must stay local.
var DefaultDeny = []string{
	"empty", "empty_strided", "view", "as_strided", "reshape", "_reshape_alias",
	"unsqueeze", "squeeze", "transpose", "t", "permute", "expand", "detach",
	"alias", "set_", "zeros", "ones", "full", "arange", "copy_", "_copy_from",
	"_to_copy", "resize_", "fill_",
}

// DefaultAllow is compute-heavy op families.
var DefaultAllow = []string{
	"matmul", "mm", "bmm", "addmm", "linear", "conv", "batch_norm",
	"layer_norm", "group_norm", "native_layer_norm", "sum", "mean", "amax",
	"amin", "argmax", "prod", "var", "std", "norm",
}

// DefaultTable returns the built-in routing table.
func DefaultTable() Table {
	return Table{
		Deny:      append([]string(nil), DefaultDeny...),
		Allow:     append([]string(nil), DefaultAllow...),
		Threshold: DefaultThreshold,
	}
}

// Policy is an immutable routing table. Safe for concurrent use.
type Policy struct {
	deny      map[string]struct{}
	allow     []string
	threshold int64
}

// New builds a Policy. Empty lists stay empty; use DefaultTable for defaults.
func New(t Table) *Policy {
	p := &Policy{deny: make(map[string]struct{}, len(t.Deny)), threshold: t.Threshold}
	if p.threshold <= 0 {
		p.threshold = DefaultThreshold
	}
	for _, op := range t.Deny {
		p.deny[tensor.BaseName(op)] = struct{}{}
	}
	for _, fam := range t.Allow {
		if fam = strings.TrimSpace(fam); fam != "" {
			p.allow = append(p.allow, fam)
		}
	}
	return p
}

// Default is New(DefaultTable()).
func Default() *Policy { return New(DefaultTable()) }

// Decide routes op given the total element count of its tensor inputs.
func (p *Policy) Decide(op string, elements int64) Decision {
	name := tensor.BaseName(op)
	if _, ok := p.deny[name]; ok {
		return Decision{Route: Local, Reason: "deny-listed: " + name}
	}
	for _, fam := range p.allow {
		if strings.HasPrefix(name, fam) {
			return Decision{Route: Remote, Reason: "allow-listed family: " + fam}
		}
	}
	if elements >= p.threshold {
		return Decision{Route: Remote, Reason: fmt.Sprintf("%d elements >= threshold %d", elements, p.threshold)}
	}
	return Decision{Route: Local, Reason: fmt.Sprintf("%d elements < threshold %d", elements, p.threshold)}
}

// DecideCall is Decide over call's op and tensor inputs.
func (p *Policy) DecideCall(call *tensor.Call) Decision {
	return p.Decide(call.Op, call.TotalElements())
}

// Denied reports whether op is deny-listed.
func (p *Policy) Denied(op string) bool {
	_, ok := p.deny[tensor.BaseName(op)]
	return ok
}

// Threshold returns the effective threshold.
func (p *Policy) Threshold() int64 { return p.threshold }
