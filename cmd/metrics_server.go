package cmd

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-userops/pkg/logger"
	"github.com/AvaProtocol/ap-userops/version"
)

func newMetricsServer(reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		return c.String(http.StatusOK, "up")
	})
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"version":  version.Get(),
			"revision": version.GetRevision(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return e
}

// startMetricsServer serves the registry in the background for as long as the command runs.
func startMetricsServer(addr string, reg *prometheus.Registry, lgr logger.Logger) *echo.Echo {
	e := newMetricsServer(reg)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lgr.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	lgr.Info("serving metrics", "addr", addr)
	return e
}
