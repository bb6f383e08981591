// Package handler contains HTTP request handlers for the lab application.
//
// WHAT IS A HANDLER?
// In Go, an HTTP handler is anything that implements the http.Handler interface:
//
//	type Handler interface {
//	    ServeHTTP(ResponseWriter, *Request)
//	}
//
// Or more commonly, we use http.HandlerFunc — a function with the right signature
// that automatically satisfies the Handler interface. Chi's router accepts these directly.
//
// HANDLER RESPONSIBILITIES:
// 1. Parse the incoming HTTP request (query params, body, headers)
// 2. Call business logic (the service layer or the runner)
// 3. Write the HTTP response (status code, headers, body)
//
// Handlers should NOT contain business logic — they are the "glue" between HTTP and your app.
package handler

import (
	_ "embed"
	"html/template"
	"log/slog"
	"net/http"
)

//go:embed index.html
var indexHTML string

// PageHandler serves the editor page.
//
// The page shell is embedded in the binary with go:embed — the template is
// parsed once at startup (expensive) and reused per request (cheap). All the
// interesting UI state lives client-side; the server only renders the shell.
type PageHandler struct {
	tmpl   *template.Template
	logger *slog.Logger
}

// NewPageHandler parses the embedded page template.
func NewPageHandler(logger *slog.Logger) (*PageHandler, error) {
	tmpl, err := template.New("index").Parse(indexHTML)
	if err != nil {
		return nil, err
	}
	return &PageHandler{
		tmpl:   tmpl,
		logger: logger,
	}, nil
}

// HandleIndex serves the editor page.
func (h *PageHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"Title": "Compiler Lab",
	}

	// Set content type header BEFORE writing the body
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := h.tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render page",
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
