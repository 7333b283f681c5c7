// Package provisioning holds the built-in subscriber lifecycle workflows.
package provisioning

import (
	"time"

	"github.com/nomis52/provision/backoff"
	"github.com/nomis52/provision/workflow"
)

// Workflow types.
const (
	ProvisionSubscriber   = "provision_subscriber"
	DeprovisionSubscriber = "deprovision_subscriber"
)

// Step names shared by both workflows. Target systems key their effects by step, so
// deprovision uses distinct names for the reverse operations.
const (
	StepAllocateCredentials = "allocate_credentials"
	StepAllocateIP          = "allocate_ip"
	StepActivateONU         = "activate_onu"
	StepConfigureCPE        = "configure_cpe"
	StepActivateBilling     = "activate_billing"
	StepNotifySubscriber    = "notify_subscriber"

	StepSuspendBilling    = "suspend_billing"
	StepDeactivateONU     = "deactivate_onu"
	StepResetCPE          = "reset_cpe"
	StepReleaseIP         = "release_ip"
	StepRevokeCredentials = "revoke_credentials"
	StepNotifyFarewell    = "notify_farewell"
)

// activationGroup runs the ONU and CPE steps concurrently.
const activationGroup = "activation"

// networkRetry is used for steps talking to network elements, which are slow to
// converge and often briefly unavailable.
var networkRetry = workflow.RetryPolicy{
	MaxAttempts:     5,
	Backoff:         backoff.KindExponentialJitter,
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	Timeout:         2 * time.Minute,
}

// Provision returns the definition that brings a new subscriber online.
//
//	allocate_credentials -> allocate_ip -> {activate_onu, configure_cpe} -> activate_billing -> notify_subscriber
func Provision() workflow.Definition {
	return workflow.Definition{
		Type:        ProvisionSubscriber,
		Description: "Provision a new broadband subscriber across AAA, IPAM, access network, billing and notification",
		Steps: []workflow.StepDefinition{
			{
				Name:        StepAllocateCredentials,
				Target:      workflow.TargetAAA,
				Compensable: true,
			},
			{
				Name:        StepAllocateIP,
				Target:      workflow.TargetIPAM,
				Compensable: true,
				DependsOn:   []string{StepAllocateCredentials},
			},
			{
				Name:        StepActivateONU,
				Target:      workflow.TargetONU,
				Compensable: true,
				DependsOn:   []string{StepAllocateIP},
				Group:       activationGroup,
				Retry:       networkRetry,
			},
			{
				Name:        StepConfigureCPE,
				Target:      workflow.TargetCPE,
				Compensable: true,
				DependsOn:   []string{StepAllocateIP},
				Group:       activationGroup,
				Retry:       networkRetry,
			},
			{
				Name:        StepActivateBilling,
				Target:      workflow.TargetBilling,
				Compensable: true,
				DependsOn:   []string{StepActivateONU, StepConfigureCPE},
			},
			{
				// A sent message cannot be taken back.
				Name:      StepNotifySubscriber,
				Target:    workflow.TargetNotification,
				DependsOn: []string{StepActivateBilling},
				Retry:     workflow.RetryPolicy{MaxAttempts: 5},
			},
		},
	}
}

// Deprovision returns the definition that removes a subscriber. Its steps restore
// service when compensated, so a failed removal leaves the subscriber working.
func Deprovision() workflow.Definition {
	return workflow.Definition{
		Type:        DeprovisionSubscriber,
		Description: "Remove a broadband subscriber, restoring service if removal cannot complete",
		Steps: []workflow.StepDefinition{
			{
				Name:        StepSuspendBilling,
				Target:      workflow.TargetBilling,
				Compensable: true,
			},
			{
				Name:        StepDeactivateONU,
				Target:      workflow.TargetONU,
				Compensable: true,
				DependsOn:   []string{StepSuspendBilling},
				Group:       activationGroup,
				Retry:       networkRetry,
			},
			{
				Name:        StepResetCPE,
				Target:      workflow.TargetCPE,
				Compensable: true,
				DependsOn:   []string{StepSuspendBilling},
				Group:       activationGroup,
				Retry:       networkRetry,
			},
			{
				Name:        StepReleaseIP,
				Target:      workflow.TargetIPAM,
				Compensable: true,
				DependsOn:   []string{StepDeactivateONU, StepResetCPE},
			},
			{
				Name:        StepRevokeCredentials,
				Target:      workflow.TargetAAA,
				Compensable: true,
				DependsOn:   []string{StepReleaseIP},
			},
			{
				Name:      StepNotifyFarewell,
				Target:    workflow.TargetNotification,
				DependsOn: []string{StepRevokeCredentials},
			},
		},
	}
}

// Definitions returns every built-in definition.
func Definitions() []workflow.Definition {
	return []workflow.Definition{Provision(), Deprovision()}
}
