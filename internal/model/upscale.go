package model

import "time"

// UpscaleStartRequest represents the request to start an upscale job
type UpscaleStartRequest struct {
	Prompt             string    `json:"prompt" validate:"max=2000"`
	NegativePrompt     string    `json:"negativePrompt" validate:"max=2000"`
	Image              string    `json:"image" validate:"required"`
	Height             int       `json:"height" validate:"required,min=1,max=1024"`
	Width              int       `json:"width" validate:"required,min=1,max=1024"`
	Steps              int       `json:"steps" validate:"required,min=1,max=100"`
	NoiseLevel         int       `json:"noiseLevel" validate:"min=0,max=350"`
	GuidanceScale      float64   `json:"guidanceScale" validate:"min=0,max=50"`
	Seed               int64     `json:"seed" validate:"min=-1"`
	BatchCount         int       `json:"batchCount" validate:"required,min=1,max=100"`
	BatchSize          int       `json:"batchSize" validate:"required,min=1,max=4"`
	Scheduler          Scheduler `json:"scheduler" validate:"required,oneof=DDIM PNDM DDPM LMSDiscrete KDPM2Discrete KDPM2AncestralDiscrete DPMSolverMultistep EulerDiscrete EulerAncestralDiscrete DEISMultistep SharkEulerDiscrete"`
	CustomModel        string    `json:"customModel" validate:"required"`
	HFModelID          string    `json:"hfModelId"`
	Precision          Precision `json:"precision" validate:"required,oneof=fp16 fp32"`
	Device             string    `json:"device" validate:"required"`
	MaxLength          int       `json:"maxLength" validate:"required,oneof=64 77"`
	LoraWeights        string    `json:"loraWeights"`
	LoraHFID           string    `json:"loraHfId"`
	OnDemand           bool      `json:"onDemand"`
	SaveMetadataToJSON bool      `json:"saveMetadataToJson"`
	SaveMetadataToPNG  bool      `json:"saveMetadataToPng"`

	// UserID is the caller, set by the handler from the auth middleware.
	UserID string `json:"-"`
}

// UpscaleStartResponse represents the response when starting an upscale job
type UpscaleStartResponse struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	BatchCount int       `json:"batchCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UpscaleStatusResponse represents the status of an upscale job
type UpscaleStatusResponse struct {
	JobID        string     `json:"jobId"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStep  string     `json:"currentStep,omitempty"`
	CurrentBatch int        `json:"currentBatch"`
	TotalBatches int        `json:"totalBatches"`
	Error        *string    `json:"error"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
	RetryCount   int        `json:"retryCount"`
}

// UpscaleResultResponse holds the images produced so far and the text log
type UpscaleResultResponse struct {
	JobID    string         `json:"jobId"`
	Status   JobStatus      `json:"status"`
	Images   []UpscaledItem `json:"images"`
	Log      string         `json:"log"`
	Complete bool           `json:"complete"`
}

// UpscaledItem is one persisted batch output
type UpscaledItem struct {
	Batch  int    `json:"batch"`
	Seed   int64  `json:"seed"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// UpscaleCancelResponse represents the response when canceling an upscale job
type UpscaleCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// GenerationStatusResponse is the process-wide generation status polled by UIs
type GenerationStatusResponse struct {
	Phase        Phase     `json:"phase"`
	Message      string    `json:"message"`
	JobID        string    `json:"jobId,omitempty"`
	Label        string    `json:"label,omitempty"`
	CurrentBatch int       `json:"currentBatch"`
	TotalBatches int       `json:"totalBatches"`
	Steps        int       `json:"steps"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
