package challenge

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// WellKnownPath is where CAs fetch http-01 proofs from.
const WellKnownPath = "/.well-known/acme-challenge/:token"

// NewServer builds the in-process http-01 responder serving tokens from
// the store. The caller owns Start and Shutdown.
func NewServer(store *Store) *echo.Echo {
	app := echo.New()
	app.HideBanner = true
	app.HidePort = true

	app.Use(makeLoggerMiddleware())
	app.Use(middleware.Recover())

	app.GET(WellKnownPath, func(c echo.Context) error {
		keyAuthorization, ok := store.Lookup(c.Param("token"))
		if !ok {
			return c.String(http.StatusNotFound, "Not Found")
		}
		return c.String(http.StatusOK, keyAuthorization)
	})

	return app
}
