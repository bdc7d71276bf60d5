package model

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Precision modes
type Precision string

const (
	PrecisionFP16 Precision = "fp16"
	PrecisionFP32 Precision = "fp32"
)

// Schedulers
type Scheduler string

const (
	SchedulerDDIM                   Scheduler = "DDIM"
	SchedulerPNDM                   Scheduler = "PNDM"
	SchedulerDDPM                   Scheduler = "DDPM"
	SchedulerLMSDiscrete            Scheduler = "LMSDiscrete"
	SchedulerKDPM2Discrete          Scheduler = "KDPM2Discrete"
	SchedulerKDPM2AncestralDiscrete Scheduler = "KDPM2AncestralDiscrete"
	SchedulerDPMSolverMultistep     Scheduler = "DPMSolverMultistep"
	SchedulerEulerDiscrete          Scheduler = "EulerDiscrete"
	SchedulerEulerAncestralDiscrete Scheduler = "EulerAncestralDiscrete"
	SchedulerDEISMultistep          Scheduler = "DEISMultistep"
	SchedulerSharkEulerDiscrete     Scheduler = "SharkEulerDiscrete"
)

var ValidSchedulers = []Scheduler{
	SchedulerDDIM, SchedulerPNDM, SchedulerDDPM, SchedulerLMSDiscrete,
	SchedulerKDPM2Discrete, SchedulerKDPM2AncestralDiscrete, SchedulerDPMSolverMultistep,
	SchedulerEulerDiscrete, SchedulerEulerAncestralDiscrete, SchedulerDEISMultistep,
	SchedulerSharkEulerDiscrete,
}

// CPUScheduling reports whether the scheduler runs on the host rather than
// inside the compiled pipeline.
func (s Scheduler) CPUScheduling() bool {
	return s != SchedulerSharkEulerDiscrete
}

// Generation phases of the process-wide status record
type Phase string

const (
	PhaseReady     Phase = "ready"
	PhaseRunning   Phase = "running"
	PhaseCanceling Phase = "canceling"
)
