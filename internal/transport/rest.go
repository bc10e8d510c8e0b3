package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TrainLCD/THQ/internal/auth"
	"github.com/TrainLCD/THQ/internal/domain"
	"github.com/TrainLCD/THQ/internal/ingest"
	"github.com/TrainLCD/THQ/internal/logging"
)

// restResponse is the `{ok,id,warning?,error?}` envelope spec §6.2 requires
// for both REST endpoints.
type restResponse struct {
	OK      bool                  `json:"ok"`
	ID      string                `json:"id,omitempty"`
	Warning *domain.OutgoingError `json:"warning,omitempty"`
	Error   *domain.OutgoingError `json:"error,omitempty"`
}

// handleLocationREST implements POST /api/location from spec §4.7/§6.2:
// Bearer auth, negative speed coerced to absent (unlike the duplex path,
// which accepts it as sent), same ingestion pipeline as the duplex surface.
func (s *Server) handleLocationREST(c *gin.Context) {
	if !s.authorizeBearer(c) {
		return
	}
	var in domain.IncomingLocation
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, restResponse{Error: &domain.OutgoingError{Type: domain.ErrJSONParse, Reason: err.Error()}})
		return
	}
	result, verr := s.pipeline.AcceptLocation(c.Request.Context(), in, ingest.Options{CoerceNegativeSpeedToAbsent: true})
	if verr != nil {
		ingest.RejectReason(verr)
		c.JSON(http.StatusBadRequest, restResponse{Error: &domain.OutgoingError{Type: verr.Type, Reason: verr.Reason}})
		return
	}
	c.JSON(http.StatusOK, restResponse{OK: true, ID: result.Location.ID, Warning: result.Warning})
}

// handleLogREST implements POST /api/log from spec §4.7/§6.2.
func (s *Server) handleLogREST(c *gin.Context) {
	if !s.authorizeBearer(c) {
		return
	}
	var in domain.IncomingLog
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, restResponse{Error: &domain.OutgoingError{Type: domain.ErrJSONParse, Reason: err.Error()}})
		return
	}
	out, verr := s.pipeline.AcceptLog(c.Request.Context(), in)
	if verr != nil {
		ingest.RejectReason(verr)
		c.JSON(http.StatusBadRequest, restResponse{Error: &domain.OutgoingError{Type: verr.Type, Reason: verr.Reason}})
		return
	}
	c.JSON(http.StatusOK, restResponse{OK: true, ID: out.ID})
}

func (s *Server) authorizeBearer(c *gin.Context) bool {
	err := s.verifier.VerifyBearer(c.GetHeader("Authorization"))
	if err == nil {
		return true
	}
	loggerFrom(c).Warn("rejecting REST request: authentication failed", logging.Error(err))
	status := http.StatusUnauthorized
	if authErr, ok := err.(*auth.Error); ok {
		status = authErr.Status
	}
	c.JSON(status, restResponse{Error: &domain.OutgoingError{Type: domain.ErrUnknown, Reason: "invalid or missing auth token"}})
	return false
}
