package middleware

import (
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/engine"
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/queue"

	"github.com/labstack/echo/v4"
)

// App holds what request handlers need. Publisher is nil when no broker is
// configured; jobs are then processed inside the request.
type App struct {
	Engine    *engine.Engine
	Publisher queue.Publisher
	APIKey    string
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}
