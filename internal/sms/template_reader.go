package sms

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultTemplateFile is the template looked up when none is configured.
const DefaultTemplateFile = "sms-http-template.json"

// TemplateReader loads the gateway template from disk.
type TemplateReader struct {
	path string
}

func NewTemplateReader(path string) *TemplateReader {
	if path == "" {
		path = DefaultTemplateFile
	}
	return &TemplateReader{path: path}
}

func (r *TemplateReader) Path() string {
	return r.path
}

// Read loads and validates the template on every call so edits to the file
// take effect without a restart.
func (r *TemplateReader) Read() (*Template, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read sms template: %w", err)
	}
	return ParseTemplate(data)
}

func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode sms template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
