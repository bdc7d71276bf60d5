package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/sdtile/upscaler/internal/middleware"
	"github.com/sdtile/upscaler/internal/model"
	"github.com/sdtile/upscaler/internal/service"
	"github.com/sdtile/upscaler/internal/upscaler"
	"github.com/sdtile/upscaler/pkg/response"
)

// UpscaleService is what the handler needs from the service layer.
type UpscaleService interface {
	StartUpscale(ctx context.Context, req *model.UpscaleStartRequest) (*model.UpscaleStartResponse, error)
	GetStatus(ctx context.Context, jobID string) (*model.UpscaleStatusResponse, error)
	GetResult(ctx context.Context, jobID string) (*model.UpscaleResultResponse, error)
	CancelUpscale(ctx context.Context, jobID string) (*model.UpscaleCancelResponse, error)
	JobOwner(ctx context.Context, jobID string) (string, error)
	GenerationStatus() *model.GenerationStatusResponse
}

var errNotOwner = errors.New("job belongs to another user")

type UpscaleHandler struct {
	service   UpscaleService
	validator *validator.Validate
}

func NewUpscaleHandler(svc UpscaleService, v *validator.Validate) *UpscaleHandler {
	return &UpscaleHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/upscale/start
// @Summary      Start upscale job
// @Description  Queue a tiled 4x upscale of the given image
// @Tags         Upscale
// @Accept       json
// @Produce      json
// @Param        request body model.UpscaleStartRequest true "Upscale start request"
// @Success      202 {object} model.UpscaleStartResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/upscale/start [post]
func (h *UpscaleHandler) Start(c *fiber.Ctx) error {
	var req model.UpscaleStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	req.UserID = middleware.GetUserID(c)
	result, err := h.service.StartUpscale(c.UserContext(), &req)
	if err != nil {
		var cfgErr *upscaler.ConfigurationError
		if errors.As(err, &cfgErr) {
			return response.ValidationError(c, cfgErr.Message, nil)
		}
		log.Error().Err(err).Msg("failed to start upscale job")
		return response.ServiceError(c, "Failed to start upscale job")
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/upscale/status/:jobId
// @Summary      Get upscale job status
// @Tags         Upscale
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.UpscaleStatusResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/upscale/status/{jobId} [get]
func (h *UpscaleHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	if err := h.checkOwner(c, jobID); err != nil {
		return h.jobError(c, err)
	}
	result, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// Result handles GET /api/upscale/result/:jobId
// @Summary      Get upscale job result
// @Description  Images persisted so far; complete is true once the job has finished
// @Tags         Upscale
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.UpscaleResultResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/upscale/result/{jobId} [get]
func (h *UpscaleHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	if err := h.checkOwner(c, jobID); err != nil {
		return h.jobError(c, err)
	}
	result, err := h.service.GetResult(c.UserContext(), jobID)
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/upscale/cancel/:jobId
// @Summary      Cancel upscale job
// @Description  Cancel a queued job, or stop a running one after its current batch
// @Tags         Upscale
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.UpscaleCancelResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/upscale/cancel/{jobId} [post]
func (h *UpscaleHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	if err := h.checkOwner(c, jobID); err != nil {
		return h.jobError(c, err)
	}
	result, err := h.service.CancelUpscale(c.UserContext(), jobID)
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// GenerationStatus handles GET /api/status
// @Summary      Generation status
// @Description  What the generation slot of this instance is doing
// @Tags         Upscale
// @Produce      json
// @Success      200 {object} model.GenerationStatusResponse
// @Router       /api/status [get]
func (h *UpscaleHandler) GenerationStatus(c *fiber.Ctx) error {
	return response.OK(c, h.service.GenerationStatus())
}

// checkOwner lets a caller see only jobs they started. Jobs with no
// recorded owner are open to any authenticated caller.
func (h *UpscaleHandler) checkOwner(c *fiber.Ctx, jobID string) error {
	owner, err := h.service.JobOwner(c.UserContext(), jobID)
	if err != nil {
		return err
	}
	if owner != "" && owner != middleware.GetUserID(c) {
		return errNotOwner
	}
	return nil
}

func (h *UpscaleHandler) jobError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, errNotOwner):
		return response.Forbidden(c, "Job belongs to another user")
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrJobFinished):
		return response.Conflict(c, "Job already finished")
	default:
		log.Error().Err(err).Str("job_id", c.Params("jobId")).Msg("job lookup failed")
		return response.ServiceError(c, "Job lookup failed")
	}
}
