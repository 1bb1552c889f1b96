// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package wms

import "github.com/jontk/gridrun/pkg/params"

// Broker augments a requirements list with site or queue constraints
// before submission. Placement itself is left to the backend.
type Broker interface {
	Augment(reqs []params.Requirement) []params.Requirement
}

// UserBroker attaches the constraints the user configured, one
// requirement entry per value
type UserBroker struct {
	Kind   string
	Values []string
}

// Augment appends one requirement per configured value
func (b UserBroker) Augment(reqs []params.Requirement) []params.Requirement {
	for _, value := range b.Values {
		reqs = append(reqs, params.Requirement{Kind: b.Kind, Str: value})
	}
	return reqs
}

// brokerByName resolves the configured broker plugin name. The user
// broker attaches the configured constraint values; anything else leaves
// the requirements alone.
func brokerByName(name, kind string, values []string) Broker {
	if name == "user" && len(values) > 0 {
		return UserBroker{Kind: kind, Values: values}
	}
	return NullBroker{}
}

// NullBroker leaves the requirements untouched
type NullBroker struct{}

// Augment returns the requirements unchanged
func (NullBroker) Augment(reqs []params.Requirement) []params.Requirement {
	return reqs
}

// applyMemoryFloor raises any per-job memory requirement below the
// configured floor. A floor at or below zero disables the check; there is
// deliberately no ceiling.
func applyMemoryFloor(reqs []params.Requirement, floor int) []params.Requirement {
	if floor <= 0 {
		return reqs
	}
	reqs = append([]params.Requirement(nil), reqs...)
	found := false
	for i := range reqs {
		if reqs[i].Kind == params.ReqMemory {
			found = true
			if reqs[i].Value < int64(floor) {
				reqs[i].Value = int64(floor)
			}
		}
	}
	if !found {
		reqs = append(reqs, params.Requirement{Kind: params.ReqMemory, Value: int64(floor)})
	}
	return reqs
}

// reqValue returns the numeric value of the first requirement of a kind
func reqValue(reqs []params.Requirement, kind string) (int64, bool) {
	for _, req := range reqs {
		if req.Kind == kind {
			return req.Value, true
		}
	}
	return 0, false
}

// reqStr returns the string value of the first requirement of a kind
func reqStr(reqs []params.Requirement, kind string) (string, bool) {
	for _, req := range reqs {
		if req.Kind == kind && req.Str != "" {
			return req.Str, true
		}
	}
	return "", false
}
