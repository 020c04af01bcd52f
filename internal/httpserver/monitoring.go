package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/lookout/internal/model"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, envelope{Success: false, Message: msg})
}

func (s *Server) handleAll(c *gin.Context) {
	records, err := s.queries.All(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, records)
}

func (s *Server) handleShow(c *gin.Context) {
	rec, err := s.queries.ByID(c.Request.Context(), c.Param("key"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		fail(c, http.StatusNotFound, "entry not found")
		return
	}
	ok(c, rec)
}

// handleFilter serves /monitoring/type/:type, /monitoring/batch/:id and
// /monitoring/period/:period.
func (s *Server) handleFilter(c *gin.Context) {
	var (
		records []model.Record
		err     error
	)
	ctx := c.Request.Context()
	value := c.Param("value")
	switch c.Param("key") {
	case "type":
		records, err = s.queries.ByType(ctx, value)
	case "batch":
		records, err = s.queries.ByBatch(ctx, value)
	case "period":
		records, err = s.queries.Period(ctx, value)
	default:
		fail(c, http.StatusNotFound, "unknown filter")
		return
	}
	if err != nil {
		fail(c, statusFor(err), err.Error())
		return
	}
	ok(c, records)
}

func (s *Server) handleTags(c *gin.Context) {
	var req tagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	records, err := s.queries.ByTags(c.Request.Context(), req.Tags)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, records)
}
