package gateway

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxCommandBody = 4 << 20

var errMissingGateway = errors.New("gateway is required")

// NewBridge exposes the gateway over HTTP for a local front end.
func NewBridge(g *Gateway, logger *zap.Logger) (http.Handler, error) {
	if g == nil {
		return nil, errMissingGateway
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/commands", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"commands": Commands()})
	})
	router.POST("/commands/:name", func(c *gin.Context) {
		name := c.Param("name")
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCommandBody)
		body, err := c.GetRawData()
		if err != nil {
			logger.Debug("command body unreadable", zap.String("command", name), zap.Error(err))
			failure := Translate(apperr.InvalidInput("gateway.bridge", "unreadable_body", err))
			c.JSON(http.StatusBadRequest, failure)
			return
		}
		result, err := g.Dispatch(c.Request.Context(), name, body)
		if err != nil {
			failure := Translate(err)
			c.JSON(StatusFor(failure.Kind), failure)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result})
	})

	return router, nil
}

// StatusFor maps a failure kind onto an HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
