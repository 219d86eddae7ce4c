package transform

import "github.com/cuongbtq/formrelay/internal/pipeline/domain"

// Origin names of the built-in job types.
const (
	OriginCommCare   = "commcare"
	OriginSalesforce = "salesforce"
)

// Default returns a registry loaded with every built-in job type.
func Default() *Registry {
	r := NewRegistry()

	r.MustRegister(
		Entry{Origin: OriginCommCare, JobType: "Farmer Registration", Transform: farmerRegistration},
		Entry{Origin: OriginCommCare, JobType: "Edit Farmer Details", Transform: editFarmerDetails},
		Entry{Origin: OriginCommCare, JobType: "Attendance Full", Transform: attendance(true)},
		Entry{Origin: OriginCommCare, JobType: "Attendance Light", Transform: attendance(false)},
		Entry{Origin: OriginCommCare, JobType: "Training Observation", Transform: observation("Training")},
		Entry{Origin: OriginCommCare, JobType: "Demo Plot Observation", Transform: observation("Demo Plot")},
		Entry{Origin: OriginCommCare, JobType: "Farm Visit Full", Transform: farmVisit(true)},
		Entry{Origin: OriginCommCare, JobType: "Farm Visit AA", Transform: farmVisit(false)},
		Entry{Origin: OriginCommCare, JobType: "Wet Mill Registration Form", Transform: wetMillRegistration},
		Entry{Origin: OriginCommCare, JobType: "Wet Mill Visit", Transform: wetMillVisit},
	)

	for jobType := range fanOutKinds {
		r.MustRegister(Entry{
			Origin:    OriginSalesforce,
			JobType:   jobType,
			Mode:      domain.ModeFanOut,
			Transform: caseBatch(jobType),
		})
	}

	return r
}
