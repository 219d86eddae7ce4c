package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload is returned for bodies that cannot be classified at all.
var ErrInvalidPayload = errors.New("invalid payload")

// Classification is what intake learns from a payload before storing it.
type Classification struct {
	JobType    string
	ExternalID string
}

// Classifier extracts the job type and caller identifier of one origin's payloads.
type Classifier interface {
	Classify(payload json.RawMessage) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(payload json.RawMessage) (Classification, error)

func (f ClassifierFunc) Classify(payload json.RawMessage) (Classification, error) {
	return f(payload)
}

type commCareSubmission struct {
	ID   string `json:"id"`
	Form struct {
		Name string `json:"@name"`
		Meta struct {
			InstanceID string `json:"instanceID"`
		} `json:"meta"`
	} `json:"form"`
}

// CommCare classifies form submissions by form name.
var CommCare ClassifierFunc = func(payload json.RawMessage) (Classification, error) {
	var sub commCareSubmission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	jobType := strings.TrimSpace(sub.Form.Name)
	if jobType == "" {
		return Classification{}, fmt.Errorf("%w: form name not provided", ErrInvalidPayload)
	}

	externalID := sub.ID
	if externalID == "" {
		externalID = sub.Form.Meta.InstanceID
	}
	return Classification{JobType: jobType, ExternalID: externalID}, nil
}

type salesforceRequest struct {
	ID      string `json:"id"`
	JobType string `json:"jobType"`
}

// Salesforce classifies outbound CRM batches by their jobType field.
var Salesforce ClassifierFunc = func(payload json.RawMessage) (Classification, error) {
	var req salesforceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	jobType := strings.TrimSpace(req.JobType)
	if jobType == "" {
		return Classification{}, fmt.Errorf("%w: jobType not provided", ErrInvalidPayload)
	}
	return Classification{JobType: jobType, ExternalID: req.ID}, nil
}
