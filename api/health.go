package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// healthProbeTimeout bounds each component probe.
const healthProbeTimeout = 5 * time.Second

type healthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// health probes every backing component. The endpoint reports degraded with
// a 503 when any probe fails, so load balancers stop routing here.
func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthProbeTimeout)
	defer cancel()

	probes := map[string]func(context.Context) error{
		"docker":   s.deps.PingDocker,
		"postgres": s.deps.PingStore,
	}
	if s.deps.Provisioner != nil {
		probes["mariadb"] = s.deps.Provisioner.Ping
	}

	report := healthReport{Status: "ok", Components: map[string]string{}}
	for name, probe := range probes {
		if probe == nil {
			continue
		}
		if err := probe(ctx); err != nil {
			report.Status = "degraded"
			report.Components[name] = err.Error()
			continue
		}
		report.Components[name] = "ok"
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}
