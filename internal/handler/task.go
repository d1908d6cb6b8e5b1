package handler

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/styleshot/api/internal/client"
	"github.com/styleshot/api/internal/model"
	"github.com/styleshot/api/internal/repository"
	"github.com/styleshot/api/internal/service"
	"github.com/styleshot/api/pkg/response"
)

var validImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

type TaskHandler struct {
	tasks     *service.TaskService
	templates *service.TemplateCatalog
	storage   client.StorageClient
	validator *validator.Validate
	maxUpload int64
}

func NewTaskHandler(tasks *service.TaskService, templates *service.TemplateCatalog, storage client.StorageClient, v *validator.Validate, maxUploadMB int) *TaskHandler {
	return &TaskHandler{
		tasks:     tasks,
		templates: templates,
		storage:   storage,
		validator: v,
		maxUpload: int64(maxUploadMB) * 1024 * 1024,
	}
}

// Create handles POST /api/tasks: multipart {templateId, referenceImage}.
// Validation failures are answered synchronously and never create a task.
func (h *TaskHandler) Create(c *fiber.Ctx) error {
	templateID := c.FormValue("templateId")
	if templateID == "" {
		return response.ValidationError(c, "templateId is required", nil)
	}

	template, err := h.templates.Get(templateID)
	if err != nil {
		return response.ValidationError(c, "Unknown style template", map[string]interface{}{
			"templateId": templateID,
		})
	}

	file, err := c.FormFile("referenceImage")
	if err != nil {
		return response.ValidationError(c, "Reference image is required", nil)
	}

	if file.Size == 0 {
		return response.ValidationError(c, "Reference image is empty", nil)
	}
	if file.Size > h.maxUpload {
		return response.ValidationError(c, "Reference image exceeds the size limit", map[string]interface{}{
			"maxSize":  h.maxUpload,
			"fileSize": file.Size,
		})
	}

	contentType := file.Header.Get("Content-Type")
	if !validImageTypes[contentType] {
		return response.ValidationError(c, "Invalid image type. Supported: JPEG, PNG, WebP", map[string]interface{}{
			"contentType": contentType,
		})
	}

	if h.storage == nil {
		return response.ServiceError(c, "Object storage is not configured")
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open uploaded file")
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext == "" {
		ext = ".jpg"
	}
	key := fmt.Sprintf("references/%s%s", uuid.New().String(), ext)
	if _, err := h.storage.Upload(c.Context(), key, f, contentType); err != nil {
		return response.ServiceError(c, "Failed to store reference image")
	}

	task, err := h.tasks.CreateTask(c.Context(), templateID, key, template.Prompt)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, task)
}

// List handles GET /api/tasks?status=&page=&limit=.
func (h *TaskHandler) List(c *fiber.Ctx) error {
	query := model.ListTasksQuery{
		Status: c.Query("status"),
		Page:   c.QueryInt("page", 1),
		Limit:  c.QueryInt("limit", 20),
	}

	if err := h.validator.Struct(&query); err != nil {
		return response.ValidationError(c, "Invalid query parameters", formatValidationErrors(err))
	}

	tasks, total, err := h.tasks.ListTasks(c.Context(), model.TaskStatus(query.Status), query.Page, query.Limit)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, model.ListTasksResponse{Tasks: tasks, Total: total})
}

// Get handles GET /api/tasks/:id.
func (h *TaskHandler) Get(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	task, err := h.tasks.GetTask(c.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return response.NotFound(c, "Task not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, task)
}

// Retry handles POST /api/tasks/:id/retry.
func (h *TaskHandler) Retry(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	task, err := h.tasks.RetryTask(c.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return response.NotFound(c, "Task not found")
		}
		if errors.Is(err, service.ErrNotRetryable) {
			return response.ValidationError(c, "Only failed tasks can be retried", nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, task)
}

// Delete handles DELETE /api/tasks/:id. Deleting an absent task succeeds.
func (h *TaskHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	if err := h.tasks.DeleteTask(c.Context(), id); err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.NoContent(c)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
