package model

// StyleTemplate describes one entry of the style catalog.
type StyleTemplate struct {
	ID         string `json:"id" mapstructure:"id"`
	Name       string `json:"name" mapstructure:"name"`
	Prompt     string `json:"prompt" mapstructure:"prompt"`
	PreviewURL string `json:"previewUrl,omitempty" mapstructure:"preview_url"`
}

// ListTemplatesResponse is the payload of GET /api/templates.
type ListTemplatesResponse struct {
	Templates []StyleTemplate `json:"templates"`
}
