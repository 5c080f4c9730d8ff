package handlers

import (
	"io"
	"net/http"

	"github.com/forgecloud/billing/internal/app/service/webhookproc"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/config"
	"github.com/forgecloud/billing/pkg/logctx"
	"github.com/forgecloud/billing/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// @Summary      Payment provider webhook
// @Description  Ingests provider events. The raw body is HMAC-signed; replays of processed events are acknowledged without effect.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        payload body webhookproc.Event true "provider event envelope"
// @Success      200  {object}  handlers.RespWebhookResult
// @Failure      400  {object}  handlers.RespOK
// @Failure      401  {object}  handlers.RespOK
// @Router       /api/v1/payment/webhook [post]
func ApiPaymentWebhook(cfg *config.Config, proc *webhookproc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, "unreadable body"))
			return
		}

		signature := c.GetHeader(cfg.Webhook.SignatureHeader)
		traceID := c.GetString("traceID")

		result, err := proc.Process(c.Request.Context(), body, signature, traceID)
		if err != nil {
			logctx.FromCtx(c, log).Warnw("webhook rejected", "error", err)
			switch {
			case billingerr.IsKind(err, billingerr.KindSignature):
				c.JSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			case billingerr.IsKind(err, billingerr.KindValidation):
				c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			default:
				c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			}
			return
		}

		// handler failures still ack with 200; the event log owns retries
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

func RegisterWebhookRoutes(r gin.IRouter, cfg *config.Config, proc *webhookproc.Service, log *zap.SugaredLogger) {
	r.POST("/webhook", ApiPaymentWebhook(cfg, proc, log))
}
