//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

// MountSwagger serves the swagger UI under /swagger/. The UI loads
// /swagger/doc.json, which http-swagger answers from the document registered
// with swaggo/swag. None is registered until `swag init -g cmd/remoted/docs.go`
// has generated a docs package and the binary imports it.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
