package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/collector"
	"github.com/tinytelemetry/lookout/internal/model"
	"github.com/tinytelemetry/lookout/internal/query"
)

// maxIngestBytes bounds one posted batch.
const maxIngestBytes = 8 << 20

func (s *Server) requireAPIKey(c *gin.Context) {
	got := c.GetHeader(collector.APIKeyHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	c.Next()
}

// handleIngest accepts a batch posted by a remote collector client.
func (s *Server) handleIngest(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(data) > maxIngestBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch too large"})
		return
	}
	var batch []*model.Entry
	if err := json.Unmarshal(data, &batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON array of entries"})
		return
	}
	if err := validateBatch(batch); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	if err := s.backend.Create(c.Request.Context(), batch); err != nil {
		if model.IsUndeliverable(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		s.logger.Warn("receiver: store batch failed", zap.Int("entries", len(batch)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(batch)})
}

func validateBatch(batch []*model.Entry) error {
	for i, e := range batch {
		if e == nil {
			return fmt.Errorf("entry %d is null", i)
		}
		if e.ID == "" {
			return fmt.Errorf("entry %d has no uuid", i)
		}
		if !e.Type.Valid() {
			return fmt.Errorf("entry %d has unknown type %q", i, e.Type)
		}
	}
	return nil
}

func (s *Server) handleRawAll(c *gin.Context) {
	records, err := s.queries.All(query.Strict(c.Request.Context()))
	s.rawList(c, records, err)
}

func (s *Server) handleRawShow(c *gin.Context) {
	rec, err := s.queries.ByID(query.Strict(c.Request.Context()), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleRawList(c *gin.Context) {
	ctx := query.Strict(c.Request.Context())
	var (
		records []model.Record
		err     error
	)
	switch {
	case c.Param("type") != "":
		records, err = s.queries.ByType(ctx, c.Param("type"))
	case c.Param("id") != "":
		records, err = s.queries.ByBatch(ctx, c.Param("id"))
	default:
		records, err = s.queries.Period(ctx, c.Param("period"))
	}
	s.rawList(c, records, err)
}

func (s *Server) handleRawTags(c *gin.Context) {
	var req tagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	records, err := s.queries.ByTags(query.Strict(c.Request.Context()), req.Tags)
	s.rawList(c, records, err)
}

func (s *Server) rawList(c *gin.Context, records []model.Record, err error) {
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

func statusFor(err error) int {
	if errors.Is(err, query.ErrInvalidArgument) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
