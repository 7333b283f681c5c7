// Package workflow defines the provisioning saga model: definitions, instances,
// step executions, the executor contract and the error taxonomy.
//
// # Definitions
//
// A Definition is a named list of steps. Each step targets one external system,
// carries its own retry policy and says whether it can be compensated:
//
//	def := workflow.Definition{
//	    Type: "provision_subscriber",
//	    Steps: []workflow.StepDefinition{
//	        {Name: "create_radius_account", Target: workflow.TargetAAA, Compensable: true},
//	        {Name: "allocate_ip", Target: workflow.TargetIPAM, Compensable: true},
//	        {Name: "activate_onu", Target: workflow.TargetONU, Compensable: true,
//	            DependsOn: []string{"allocate_ip"}},
//	    },
//	}
//
// Steps run in declaration order unless DependsOn says otherwise. Steps that share a
// Group run concurrently as one stage. Plan returns the stages; Validate returns a
// *DefinitionError for duplicate names, unknown dependencies, cycles, dependencies
// inside a group and unregistered targets.
//
// # Instances
//
// An Instance moves through
//
//	PENDING -> RUNNING -> (COMPLETED | ROLLED_BACK | FAILED | CANCELLED)
//
// and each StepExecution through
//
//	PENDING -> RUNNING -> (COMPLETED | FAILED), COMPLETED -> COMPENSATED
//
// Terminal instances never change again. Retrying creates a new instance.
//
// # Executors
//
// An Executor is bound to a TargetSystem in a Registry at startup. Executors return
// StepResult and CompensationResult values; they never panic or return errors for
// remote failures. Every request carries an IdempotencyKey derived from the tenant,
// business key and step name.
package workflow
