package service

import (
	"errors"

	"github.com/styleshot/api/internal/model"
)

// ErrTemplateNotFound is returned for an unknown template id.
var ErrTemplateNotFound = errors.New("template not found")

// defaultTemplates backs the catalog when the config carries none.
var defaultTemplates = []model.StyleTemplate{
	{ID: "watercolor", Name: "Watercolor", Prompt: "a delicate watercolor painting with soft washes of color"},
	{ID: "oil-portrait", Name: "Oil Portrait", Prompt: "a classical oil portrait with rich warm tones and visible brushwork"},
	{ID: "anime", Name: "Anime", Prompt: "a vibrant anime illustration with clean lines and expressive shading"},
	{ID: "cyberpunk", Name: "Cyberpunk", Prompt: "a neon-lit cyberpunk scene with rain-slicked streets and holographic light"},
	{ID: "sketch", Name: "Pencil Sketch", Prompt: "a detailed graphite pencil sketch with fine cross-hatching"},
}

// TemplateCatalog resolves style template ids to their prompt text. Loading
// the catalog from disk is an external concern; this service only serves
// whatever set it was constructed with.
type TemplateCatalog struct {
	templates []model.StyleTemplate
	byID      map[string]*model.StyleTemplate
}

func NewTemplateCatalog(templates []model.StyleTemplate) *TemplateCatalog {
	if len(templates) == 0 {
		templates = defaultTemplates
	}
	c := &TemplateCatalog{
		templates: templates,
		byID:      make(map[string]*model.StyleTemplate, len(templates)),
	}
	for i := range c.templates {
		c.byID[c.templates[i].ID] = &c.templates[i]
	}
	return c
}

// Get returns the template with the given id.
func (c *TemplateCatalog) Get(id string) (*model.StyleTemplate, error) {
	t, ok := c.byID[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

// List returns the full catalog.
func (c *TemplateCatalog) List() []model.StyleTemplate {
	return c.templates
}
