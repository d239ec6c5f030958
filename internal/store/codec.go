package store

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/autoflow/pkg/schema"
)

// instanceRecord holds the JSON-encoded columns of an instance row.
type instanceRecord struct {
	tasks     string
	variables string
	lastError any
}

func encodeInstance(inst *schema.Instance) (instanceRecord, error) {
	var rec instanceRecord
	tasks, err := json.Marshal(inst.Tasks)
	if err != nil {
		return rec, fmt.Errorf("marshal instance tasks: %w", err)
	}
	rec.tasks = string(tasks)

	vars := inst.Variables
	if vars == nil {
		vars = schema.Values{}
	}
	variables, err := json.Marshal(vars)
	if err != nil {
		return rec, fmt.Errorf("marshal instance variables: %w", err)
	}
	rec.variables = string(variables)

	if inst.LastError != nil {
		le, err := json.Marshal(inst.LastError)
		if err != nil {
			return rec, fmt.Errorf("marshal last error: %w", err)
		}
		rec.lastError = string(le)
	}
	return rec, nil
}

func decodeInstance(inst *schema.Instance, tasks, variables, lastError string) error {
	if err := json.Unmarshal([]byte(tasks), &inst.Tasks); err != nil {
		return fmt.Errorf("unmarshal instance %s tasks: %w", inst.ID, err)
	}
	if variables != "" {
		if err := json.Unmarshal([]byte(variables), &inst.Variables); err != nil {
			return fmt.Errorf("unmarshal instance %s variables: %w", inst.ID, err)
		}
	}
	if inst.Variables == nil {
		inst.Variables = schema.Values{}
	}
	if lastError != "" {
		inst.LastError = &schema.AutoflowError{}
		if err := json.Unmarshal([]byte(lastError), inst.LastError); err != nil {
			return fmt.Errorf("unmarshal instance %s last error: %w", inst.ID, err)
		}
	}
	return nil
}

func decodeCandidate(c *schema.CandidateTemplate, pattern, tasks string) error {
	if err := json.Unmarshal([]byte(pattern), &c.Pattern); err != nil {
		return fmt.Errorf("unmarshal candidate %s pattern: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(tasks), &c.Tasks); err != nil {
		return fmt.Errorf("unmarshal candidate %s tasks: %w", c.ID, err)
	}
	return nil
}

// marshalValues returns nil for an empty bag so the column stays NULL.
func marshalValues(v schema.Values) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func applyStatusCount(st *schema.Stats, status schema.InstanceStatus, n int) {
	switch status {
	case schema.InstancePending, schema.InstanceRunning:
		st.RunningInstances += n
	case schema.InstanceWaitingHITL:
		st.PendingApprovals += n
	case schema.InstanceCompleted:
		st.CompletedInstances += n
	case schema.InstanceFailed:
		st.FailedInstances += n
	}
}

func jsonString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// jsonUnmarshal leaves dst untouched for NULL columns.
func jsonUnmarshal(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
