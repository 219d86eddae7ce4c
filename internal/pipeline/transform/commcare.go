package transform

import (
	"encoding/json"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
)

// CommCare form submissions headed for the CRM or the relational store.

func farmerRegistration(payload json.RawMessage) ([]domain.Operation, error) {
	d, err := decode(payload)
	if err != nil {
		return nil, err
	}

	household, err := d.require("household id",
		"form.Household_Id",
		"form.participant_data.farmer_registration_details.Household_Id",
		"household")
	if err != nil {
		return nil, err
	}
	participant, err := d.require("participant case id",
		"form.subcase_0.case.@case_id",
		"form.case.@case_id",
		"participant")
	if err != nil {
		return nil, err
	}

	var ops []domain.Operation
	var householdDeps []string

	if group := d.str("form.Training_Group_Id"); group != "" {
		ops = append(ops, domain.Operation{
			Name:        "training_group_upsert",
			Destination: domain.DestinationCRM,
			Object:      "Training_Group__c",
			KeyField:    "CommCare_Case_Id__c",
			Key:         group,
			Fields:      d.collect(map[string]string{"Name": "form.Training_Group_Name"}),
		})
		householdDeps = []string{"training_group_upsert"}
	}

	householdFields := d.collect(map[string]string{
		"Farm_Size__c":         "form.Farm_Size",
		"Number_of_Members__c": "form.Number_of_Members",
		"Household_Number__c":  "form.Household_Number",
	})
	householdFields["Name"] = household

	ops = append(ops, domain.Operation{
		Name:        "household_upsert",
		Destination: domain.DestinationCRM,
		Object:      "Household__c",
		KeyField:    "Household_ID__c",
		Key:         household,
		Fields:      householdFields,
		DependsOn:   householdDeps,
	})

	participantFields := d.collect(map[string]string{
		"First_Name__c":   "form.First_Name",
		"Last_Name__c":    "form.Last_Name",
		"Gender__c":       "form.Gender",
		"Age__c":          "form.Age",
		"Phone_Number__c": "form.Phone_Number",
	})
	participantFields["Household__r"] = map[string]any{"Household_ID__c": household}

	ops = append(ops, domain.Operation{
		Name:        "participant_upsert",
		Destination: domain.DestinationCRM,
		Object:      "Participant__c",
		KeyField:    "CommCare_Case_Id__c",
		Key:         participant,
		Fields:      participantFields,
		DependsOn:   []string{"household_upsert"},
	})

	return ops, nil
}

func editFarmerDetails(payload json.RawMessage) ([]domain.Operation, error) {
	d, err := decode(payload)
	if err != nil {
		return nil, err
	}
	participant, err := d.require("participant case id", "form.case.@case_id", "participant")
	if err != nil {
		return nil, err
	}

	return []domain.Operation{{
		Name:        "participant_upsert",
		Destination: domain.DestinationCRM,
		Object:      "Participant__c",
		KeyField:    "CommCare_Case_Id__c",
		Key:         participant,
		Fields: d.collect(map[string]string{
			"First_Name__c":   "form.First_Name",
			"Last_Name__c":    "form.Last_Name",
			"Gender__c":       "form.Gender",
			"Age__c":          "form.Age",
			"Phone_Number__c": "form.Phone_Number",
			"Status__c":       "form.Status",
		}),
	}}, nil
}

// attendance returns the transform for the attendance forms. The full form
// also refreshes the training session the attendance hangs off.
func attendance(withSession bool) Func {
	return func(payload json.RawMessage) ([]domain.Operation, error) {
		d, err := decode(payload)
		if err != nil {
			return nil, err
		}
		submission, err := d.require("submission id", "id", "form.meta.instanceID")
		if err != nil {
			return nil, err
		}
		session, err := d.require("training session", "form.training_session")
		if err != nil {
			return nil, err
		}

		var ops []domain.Operation
		var deps []string
		if withSession {
			ops = append(ops, domain.Operation{
				Name:        "training_session_upsert",
				Destination: domain.DestinationCRM,
				Object:      "Training_Session__c",
				KeyField:    "CommCare_Case_Id__c",
				Key:         session,
				Fields: d.collect(map[string]string{
					"Date__c":                 "form.date",
					"Number_in_Attendance__c": "form.number_in_attendance",
				}),
			})
			deps = []string{"training_session_upsert"}
		}

		fields := d.collect(map[string]string{
			"Participant_CommCare_Id__c": "form.participant",
			"Attended__c":                "form.attended",
		})
		fields["Training_Session__r"] = map[string]any{"CommCare_Case_Id__c": session}

		ops = append(ops, domain.Operation{
			Name:        "attendance_upsert",
			Destination: domain.DestinationCRM,
			Object:      "Attendance__c",
			KeyField:    "Submission_ID__c",
			Key:         submission,
			Fields:      fields,
			DependsOn:   deps,
		})
		return ops, nil
	}
}

// observation returns the transform for observation forms of one record type.
func observation(recordType string) Func {
	return func(payload json.RawMessage) ([]domain.Operation, error) {
		d, err := decode(payload)
		if err != nil {
			return nil, err
		}
		submission, err := d.require("submission id", "id", "form.meta.instanceID")
		if err != nil {
			return nil, err
		}

		fields := d.collect(map[string]string{
			"Date__c":           "form.date",
			"Observer__c":       "form.observer",
			"Training_Group__c": "form.training_group",
		})
		fields["RecordType_Name__c"] = recordType

		return []domain.Operation{{
			Name:        "observation_upsert",
			Destination: domain.DestinationCRM,
			Object:      "Observation__c",
			KeyField:    "Submission_ID__c",
			Key:         submission,
			Fields:      fields,
		}}, nil
	}
}

// farmVisit returns the transform for farm visit forms. The full variant also
// touches the visited household.
func farmVisit(full bool) Func {
	return func(payload json.RawMessage) ([]domain.Operation, error) {
		d, err := decode(payload)
		if err != nil {
			return nil, err
		}
		submission, err := d.require("submission id", "id")
		if err != nil {
			return nil, err
		}
		visitKey := "FV-" + submission

		ops := []domain.Operation{
			{
				Name:        "farm_visit_upsert",
				Destination: domain.DestinationCRM,
				Object:      "Farm_Visit__c",
				KeyField:    "FV_Submission_ID__c",
				Key:         visitKey,
				Fields: d.collect(map[string]string{
					"Date_of_Visit__c": "form.date_of_visit",
					"Farm__c":          "form.farm_id",
					"Visited_By__c":    "form.meta.username",
				}),
			},
			{
				Name:        "best_practices_upsert",
				Destination: domain.DestinationCRM,
				Object:      "FV_Best_Practices__c",
				KeyField:    "FV_Submission_ID__c",
				Key:         visitKey,
				Fields: map[string]any{
					"Farm_Visit__r": map[string]any{"FV_Submission_ID__c": visitKey},
				},
				DependsOn: []string{"farm_visit_upsert"},
			},
		}

		if full {
			if household := d.str("form.case.@case_id"); household != "" {
				ops = append(ops, domain.Operation{
					Name:        "household_upsert",
					Destination: domain.DestinationCRM,
					Object:      "Household__c",
					KeyField:    "Id",
					Key:         household,
					Fields:      d.collect(map[string]string{"Farm_Size_Before__c": "form.farm_size"}),
					DependsOn:   []string{"farm_visit_upsert"},
				})
			}
		}
		return ops, nil
	}
}

func wetMillRegistration(payload json.RawMessage) ([]domain.Operation, error) {
	d, err := decode(payload)
	if err != nil {
		return nil, err
	}
	caseID, err := d.require("wet mill case id", "form.case.@case_id")
	if err != nil {
		return nil, err
	}

	return []domain.Operation{{
		Name:        "wetmill_upsert",
		Destination: domain.DestinationRelational,
		Object:      "wetmills",
		KeyField:    "commcare_case_id",
		Key:         caseID,
		Fields: d.collect(map[string]string{
			"name":               "form.name",
			"wet_mill_unique_id": "form.wet_mill_unique_id",
			"mill_status":        "form.mill_status",
			"registration_date":  "form.registration_date",
		}),
	}}, nil
}

func wetMillVisit(payload json.RawMessage) ([]domain.Operation, error) {
	d, err := decode(payload)
	if err != nil {
		return nil, err
	}
	submission, err := d.require("submission id", "id", "form.meta.instanceID")
	if err != nil {
		return nil, err
	}
	caseID, err := d.require("wet mill case id", "form.case.@case_id")
	if err != nil {
		return nil, err
	}

	visit := d.collect(map[string]string{
		"form_name":  "form.survey_type",
		"visit_date": "form.date",
	})
	visit["wetmill_case_id"] = caseID

	return []domain.Operation{
		{
			Name:        "wetmill_upsert",
			Destination: domain.DestinationRelational,
			Object:      "wetmills",
			KeyField:    "commcare_case_id",
			Key:         caseID,
			Fields:      map[string]any{},
		},
		{
			Name:        "form_visit_upsert",
			Destination: domain.DestinationRelational,
			Object:      "form_visits",
			KeyField:    "submission_id",
			Key:         submission,
			Fields:      visit,
			DependsOn:   []string{"wetmill_upsert"},
		},
	}, nil
}
