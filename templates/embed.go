package templates

import (
	"embed"
	"html/template"
)

//go:embed *.html
var FS embed.FS

// LoadTemplates parses every template in the embedded filesystem
func LoadTemplates() (*template.Template, error) {
	return template.ParseFS(FS, "*.html")
}
