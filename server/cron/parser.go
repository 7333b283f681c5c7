package cron

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	triggerSeparator = ";"
	jobSeparator     = ":"
	jobListSeparator = ","
)

// TriggerSpec is a set of jobs run together on one cron schedule.
type TriggerSpec struct {
	Jobs     []string `yaml:"jobs"`
	CronSpec string   `yaml:"schedule"`
}

// ParseTriggerSpecs parses a multi-trigger specification string into individual trigger specs.
// The format is: job1,job2:cron_expression;job3:cron_expression2
//
// Example:
//
//	"recover:*/5 * * * *;publish_statistics:* * * * *"
//
// Returns an error if:
//   - Any trigger is missing jobs or cron expression
//   - Any job name is not in availableJobs
//   - Any cron expression is invalid
//   - Any trigger has duplicate jobs
func ParseTriggerSpecs(spec string, availableJobs map[string]bool) ([]TriggerSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("cron spec cannot be empty")
	}

	triggerStrs := strings.Split(spec, triggerSeparator)
	specs := make([]TriggerSpec, 0, len(triggerStrs))

	for _, triggerStr := range triggerStrs {
		triggerStr = strings.TrimSpace(triggerStr)
		if triggerStr == "" {
			continue // trailing semicolon
		}

		parts := strings.Split(triggerStr, jobSeparator)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid trigger spec: expected format 'jobs:cron', got '%s'", triggerStr)
		}
		var jobs []string
		for _, j := range strings.Split(parts[0], jobListSeparator) {
			if j = strings.TrimSpace(j); j != "" {
				jobs = append(jobs, j)
			}
		}

		ts := TriggerSpec{Jobs: jobs, CronSpec: strings.TrimSpace(parts[1])}
		if err := ts.Validate(availableJobs); err != nil {
			return nil, fmt.Errorf("invalid trigger spec '%s': %w", triggerStr, err)
		}
		specs = append(specs, ts)
	}

	if len(specs) == 0 {
		return nil, errors.New("no valid triggers found in cron spec")
	}

	return specs, nil
}

// Validate checks that the trigger names known jobs once each and has a valid schedule.
func (ts TriggerSpec) Validate(availableJobs map[string]bool) error {
	if len(ts.Jobs) == 0 {
		return errors.New("missing jobs")
	}
	if ts.CronSpec == "" {
		return errors.New("missing cron schedule")
	}

	seen := make(map[string]bool, len(ts.Jobs))
	for _, j := range ts.Jobs {
		if seen[j] {
			return fmt.Errorf("duplicate job '%s'", j)
		}
		seen[j] = true
		if !availableJobs[j] {
			return fmt.Errorf("unknown job '%s' (available: %s)", j, formatAvailableJobs(availableJobs))
		}
	}

	if _, err := specParser.Parse(ts.CronSpec); err != nil {
		return fmt.Errorf("invalid cron expression '%s': %w", ts.CronSpec, err)
	}
	return nil
}

func formatAvailableJobs(availableJobs map[string]bool) string {
	jobs := make([]string, 0, len(availableJobs))
	for j := range availableJobs {
		jobs = append(jobs, j)
	}
	slices.Sort(jobs)
	return strings.Join(jobs, ", ")
}
