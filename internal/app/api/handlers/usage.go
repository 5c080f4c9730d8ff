package handlers

import (
	"net/http"
	"time"

	"github.com/forgecloud/billing/internal/app/api/middleware"
	"github.com/forgecloud/billing/internal/app/service/metering"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/response"

	"github.com/gin-gonic/gin"
)

// writeServiceError maps error kinds to transport status codes.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case billingerr.IsKind(err, billingerr.KindValidation),
		billingerr.IsKind(err, billingerr.KindInsufficientContext):
		c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
	case billingerr.IsKind(err, billingerr.KindNotFound):
		c.JSON(http.StatusNotFound, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
	case billingerr.IsKind(err, billingerr.KindConcurrencyConflict):
		c.JSON(http.StatusConflict, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
	}
}

type startSessionRequest struct {
	ResourceID string `json:"resource_id" binding:"required"`
}

// @Summary      Start sandbox session
// @Tags         Usage
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/usage/sandbox/sessions [post]
func ApiStartSandboxSession(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		session, err := svc.StartSandboxSession(c.Request.Context(), middleware.UserID(c), req.ResourceID)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(session))
	}
}

type endSessionRequest struct {
	EndAt *time.Time `json:"end_at"`
}

// @Summary      End sandbox session
// @Description  Finalizes the session and bills wall-clock minutes, rounded up.
// @Tags         Usage
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/usage/sandbox/sessions/{id}/end [post]
func ApiEndSandboxSession(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req endSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		result, err := svc.EndSandboxSession(c.Request.Context(), c.Param("id"), req.EndAt)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

// @Summary      Track storage usage
// @Tags         Usage
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/usage/storage [post]
func ApiTrackStorage(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req metering.StorageUsageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		req.UserID = middleware.UserID(c)
		result, err := svc.TrackStorageUsage(c.Request.Context(), &req)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

// @Summary      Track AI usage
// @Tags         Usage
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/usage/ai [post]
func ApiTrackAI(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req metering.AIUsageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		req.UserID = middleware.UserID(c)
		result, err := svc.TrackAIUsage(c.Request.Context(), &req)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

// @Summary      Track deployment
// @Tags         Usage
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/usage/deployments [post]
func ApiTrackDeployment(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req metering.DeploymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		req.UserID = middleware.UserID(c)
		result, err := svc.TrackDeployment(c.Request.Context(), &req)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

func RegisterUsageRoutes(r gin.IRouter, svc *metering.Service) {
	r.POST("/sandbox/sessions", ApiStartSandboxSession(svc))
	r.POST("/sandbox/sessions/:id/end", ApiEndSandboxSession(svc))
	r.POST("/storage", ApiTrackStorage(svc))
	r.POST("/ai", ApiTrackAI(svc))
	r.POST("/deployments", ApiTrackDeployment(svc))
}
