package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/civicsignal/billwatch/internal/pipeline"
)

// PipelineHandler exposes one trigger endpoint per stage plus a full-cycle
// runner endpoint. Each stage endpoint performs exactly one bounded unit of
// work and returns its JSON summary.
type PipelineHandler struct {
	Runner *pipeline.Runner
}

// Register mounts the pipeline endpoints under the provided group.
func (h *PipelineHandler) Register(g *echo.Group) {
	g.POST("/collect", h.stage(pipeline.StageCollect))
	g.POST("/fetch", h.stage(pipeline.StageFetch))
	g.POST("/categorize", h.stage(pipeline.StageCategorize))
	g.POST("/embed", h.stage(pipeline.StageEmbed))
	g.POST("/score", h.stage(pipeline.StageScore))
	g.POST("/run", h.run)
}

func (h *PipelineHandler) stage(stage pipeline.Stage) echo.HandlerFunc {
	return func(c echo.Context) error {
		summary, err := h.Runner.RunStage(c.Request().Context(), stage)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, summary)
	}
}

// run drives the whole chain from a starting stage (default: collect) until
// no stage reports further work.
func (h *PipelineHandler) run(c echo.Context) error {
	start := pipeline.Stage(c.QueryParam("stage"))
	if start == "" {
		start = pipeline.StageCollect
	}
	summaries, err := h.Runner.Run(c.Request().Context(), start)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"invocations": len(summaries),
		"summaries":   summaries,
	})
}
