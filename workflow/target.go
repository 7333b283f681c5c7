package workflow

import (
	"fmt"
	"slices"
)

// TargetSystem names an external collaborator a step acts on. Definitions refer to
// executors only through these constants; the engine binds an Executor to each one
// at startup.
type TargetSystem string

const (
	// TargetAAA is subscriber credentialing (RADIUS/AAA).
	TargetAAA TargetSystem = "aaa"
	// TargetIPAM is address allocation.
	TargetIPAM TargetSystem = "ipam"
	// TargetONU is optical network unit activation.
	TargetONU TargetSystem = "onu"
	// TargetCPE is customer premises equipment configuration.
	TargetCPE TargetSystem = "cpe"
	// TargetBilling is billing account activation.
	TargetBilling TargetSystem = "billing"
	// TargetNotification is customer notification (email/SMS).
	TargetNotification TargetSystem = "notification"
)

var knownTargets = []TargetSystem{
	TargetAAA,
	TargetIPAM,
	TargetONU,
	TargetCPE,
	TargetBilling,
	TargetNotification,
}

// KnownTargets returns every target system the orchestrator can bind.
func KnownTargets() []TargetSystem {
	return slices.Clone(knownTargets)
}

// Valid reports whether t is one of the known target systems.
func (t TargetSystem) Valid() bool {
	return slices.Contains(knownTargets, t)
}

// ParseTargetSystem converts a configured name to a TargetSystem.
func ParseTargetSystem(name string) (TargetSystem, error) {
	t := TargetSystem(name)
	if !t.Valid() {
		return "", fmt.Errorf("unknown target system %q (known: %v)", name, knownTargets)
	}
	return t, nil
}
