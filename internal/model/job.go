package model

import (
	"sort"
	"time"
)

// Job represents a background job in the system
type Job struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Status       JobStatus      `json:"status"`
	Progress     int            `json:"progress"`
	CurrentStep  string         `json:"currentStep,omitempty"`
	CurrentBatch int            `json:"currentBatch"`
	TotalBatches int            `json:"totalBatches"`
	Error        *string        `json:"error,omitempty"`
	Payload      []byte         `json:"payload,omitempty"` // Stored as JSON
	Images       []UpscaledItem `json:"images,omitempty"`
	Log          string         `json:"log,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	RetryCount   int            `json:"retryCount"`
	UserID       string         `json:"userId,omitempty"`
}

// Job types
const (
	JobTypeUpscale = "upscale"
)

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// MergeImages stores items by batch index. An item replaces a stored one with
// the same index; the list stays ordered by batch.
func (j *Job) MergeImages(items []UpscaledItem) {
	for _, item := range items {
		replaced := false
		for i := range j.Images {
			if j.Images[i].Batch == item.Batch {
				j.Images[i] = item
				replaced = true
				break
			}
		}
		if !replaced {
			j.Images = append(j.Images, item)
		}
	}
	sort.Slice(j.Images, func(a, b int) bool { return j.Images[a].Batch < j.Images[b].Batch })
}

// NextBatch is the first batch index with no stored image, where a retried
// job picks up.
func (j *Job) NextBatch() int {
	next := 0
	for _, item := range j.Images {
		if item.Batch != next {
			break
		}
		next++
	}
	return next
}

// UpscaleJobPayload contains the data for an upscale job. The source image
// is stored separately under the job's source key.
type UpscaleJobPayload struct {
	Prompt             string    `json:"prompt"`
	NegativePrompt     string    `json:"negativePrompt"`
	Height             int       `json:"height"`
	Width              int       `json:"width"`
	Steps              int       `json:"steps"`
	NoiseLevel         int       `json:"noiseLevel"`
	GuidanceScale      float64   `json:"guidanceScale"`
	Seed               int64     `json:"seed"`
	BatchCount         int       `json:"batchCount"`
	BatchSize          int       `json:"batchSize"`
	Scheduler          Scheduler `json:"scheduler"`
	CustomModel        string    `json:"customModel"`
	HFModelID          string    `json:"hfModelId"`
	Precision          Precision `json:"precision"`
	Device             string    `json:"device"`
	MaxLength          int       `json:"maxLength"`
	LoraWeights        string    `json:"loraWeights"`
	LoraHFID           string    `json:"loraHfId"`
	OnDemand           bool      `json:"onDemand"`
	SaveMetadataToJSON bool      `json:"saveMetadataToJson"`
	SaveMetadataToPNG  bool      `json:"saveMetadataToPng"`
}

// PayloadFromRequest copies the generation parameters of req.
func PayloadFromRequest(req *UpscaleStartRequest) UpscaleJobPayload {
	return UpscaleJobPayload{
		Prompt:             req.Prompt,
		NegativePrompt:     req.NegativePrompt,
		Height:             req.Height,
		Width:              req.Width,
		Steps:              req.Steps,
		NoiseLevel:         req.NoiseLevel,
		GuidanceScale:      req.GuidanceScale,
		Seed:               req.Seed,
		BatchCount:         req.BatchCount,
		BatchSize:          req.BatchSize,
		Scheduler:          req.Scheduler,
		CustomModel:        req.CustomModel,
		HFModelID:          req.HFModelID,
		Precision:          req.Precision,
		Device:             req.Device,
		MaxLength:          req.MaxLength,
		LoraWeights:        req.LoraWeights,
		LoraHFID:           req.LoraHFID,
		OnDemand:           req.OnDemand,
		SaveMetadataToJSON: req.SaveMetadataToJSON,
		SaveMetadataToPNG:  req.SaveMetadataToPNG,
	}
}
