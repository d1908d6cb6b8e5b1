package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/styleshot/api/internal/model"
	"github.com/styleshot/api/internal/service"
	"github.com/styleshot/api/pkg/response"
)

type TemplateHandler struct {
	templates *service.TemplateCatalog
}

func NewTemplateHandler(templates *service.TemplateCatalog) *TemplateHandler {
	return &TemplateHandler{templates: templates}
}

// List handles GET /api/templates.
func (h *TemplateHandler) List(c *fiber.Ctx) error {
	return response.OK(c, model.ListTemplatesResponse{Templates: h.templates.List()})
}
