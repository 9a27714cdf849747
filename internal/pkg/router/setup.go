package router

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/rentalyze/rentalyze/internal/api/v1"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter wires all route groups onto the app.
func InstallRouter(app *fiber.App, server *apiv1.APIServer) {
	setup(app, NewApiRouter(server))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
