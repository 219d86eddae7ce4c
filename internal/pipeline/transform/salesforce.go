package transform

import (
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
)

// fanOutKind describes a CRM batch job whose list items become independent
// field-platform cases.
type fanOutKind struct {
	listField string
	caseType  string
}

var fanOutKinds = map[string]fanOutKind{
	"Participant":        {listField: "participants", caseType: "participant"},
	"Project Role":       {listField: "projectRoles", caseType: "project_role"},
	"Training Session":   {listField: "trainingSessions", caseType: "training_session"},
	"Training Group":     {listField: "trainingGroups", caseType: "training_group"},
	"Household Sampling": {listField: "households", caseType: "household"},
}

// caseBatch returns the fan-out transform for a CRM batch job type.
func caseBatch(jobType string) Func {
	kind := fanOutKinds[jobType]

	return func(payload json.RawMessage) ([]domain.Operation, error) {
		d, err := decode(payload)
		if err != nil {
			return nil, err
		}
		project := d.str("uniqueProjectKey")
		caseType := kind.caseType
		if project != "" {
			caseType = project + "_" + kind.caseType
		}

		records, err := d.records(kind.listField)
		if err != nil {
			return nil, err
		}
		ops := make([]domain.Operation, 0, len(records))
		for i, rec := range records {
			key := rec.str("id", "Id", "recordId")
			if key == "" {
				raw, err := json.Marshal(map[string]any(rec))
				if err != nil {
					return nil, fmt.Errorf("%s record %d: %w", kind.listField, i+1, err)
				}
				key = domain.StableKey(jobType, project, string(raw))
			}

			fields := make(map[string]any, len(rec))
			for k, v := range rec {
				if s := scalar(v); s != "" {
					fields[k] = s
				}
			}

			ops = append(ops, domain.Operation{
				Name:        fmt.Sprintf("%s_%d", kind.caseType, i+1),
				Destination: domain.DestinationFieldPlatform,
				Object:      caseType,
				KeyField:    "external_id",
				Key:         key,
				Fields:      fields,
			})
		}
		return ops, nil
	}
}
