package handlers

import (
	"fmt"
	"net/http"
)

// docsPage is the Stoplight Elements shell; it loads the OpenAPI JSON
// client-side from the path interpolated into apiDescriptionUrl.
const docsPage = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="referrer" content="same-origin" />
    <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
    <title>%s</title>
    <link href="https://unpkg.com/@stoplight/elements@8/styles.min.css" rel="stylesheet" />
    <script src="https://unpkg.com/@stoplight/elements@8/web-components.min.js" crossorigin="anonymous"></script>
  </head>
  <body style="height: 100vh; margin: 0;">
    <elements-api
      apiDescriptionUrl="%s"
      router="hash"
      layout="sidebar"
      tryItCredentialsPolicy="same-origin"
    />
  </body>
</html>`

// DocsHandler serves the interactive API documentation page.
type DocsHandler struct {
	title    string
	specPath string
}

// NewDocsHandler creates a docs handler. specPath is the route serving
// the OpenAPI JSON (Huma registers it at /openapi.json).
func NewDocsHandler(title, specPath string) *DocsHandler {
	return &DocsHandler{
		title:    title,
		specPath: specPath,
	}
}

func (h *DocsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, docsPage, h.title, h.specPath)
}
