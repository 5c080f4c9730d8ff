package handlers

import (
	"net/http"
	"time"

	"github.com/forgecloud/billing/internal/app/service/graceperiod"
	"github.com/forgecloud/billing/internal/app/service/ledger"
	"github.com/forgecloud/billing/internal/app/service/metering"
	"github.com/forgecloud/billing/internal/app/service/proration"
	"github.com/forgecloud/billing/internal/app/service/statistics"
	"github.com/forgecloud/billing/internal/app/service/webhookproc"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/response"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// @Summary      Scan balance transactions
// @Description  Filtered, paginated scan across all users.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/transactions [post]
func ApiAdminScanTransactions(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.ScanTransactionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := led.ScanTransactions(c.Request.Context(), &req)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

type adjustmentRequest struct {
	UserID      string          `json:"user_id" binding:"required"`
	AmountUSD   decimal.Decimal `json:"amount_usd" binding:"required"`
	Description string          `json:"description" binding:"required"`
}

// @Summary      Manual balance adjustment
// @Description  Credits positive amounts and debits negative ones, recorded as an adjustment.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/adjustments [post]
func ApiAdminAdjustBalance(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adjustmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		mutation := &ledger.Mutation{
			UserID:      req.UserID,
			Amount:      req.AmountUSD.Abs(),
			Type:        types.TransactionTypeAdjustment,
			Description: req.Description,
		}
		var (
			entry *ledger.Entry
			err   error
		)
		if req.AmountUSD.IsNegative() {
			entry, err = led.Debit(c.Request.Context(), mutation)
		} else {
			entry, err = led.Credit(c.Request.Context(), mutation)
		}
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(entry))
	}
}

// @Summary      Billing summary
// @Tags         Admin
// @Produce      json
// @Param        from query string false "RFC3339 window start, default 30 days ago"
// @Param        to query string false "RFC3339 window end, default now"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/stats/summary [get]
func ApiAdminSummary(stats *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -30)
		if v := c.Query("from"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				from = t
			}
		}
		if v := c.Query("to"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				to = t
			}
		}
		summary, err := stats.Summarize(c.Request.Context(), from, to)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(summary))
	}
}

// @Summary      Subscription status counts
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/stats/subscriptions [get]
func ApiAdminSubscriptionCounts(stats *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := stats.SubscriptionCounts(c.Request.Context())
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(counts))
	}
}

// @Summary      Upsert AI model pricing
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/ai-models [put]
func ApiAdminUpsertModel(registry *metering.ModelRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var model models.AIModel
		if err := c.ShouldBindJSON(&model); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := registry.UpsertModel(c.Request.Context(), &model); err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(&model))
	}
}

// @Summary      Apply due plan changes
// @Description  Runs the deferred-downgrade sweep outside its cron schedule.
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/sweeps/plan-changes [post]
func ApiAdminSweepPlanChanges(prora *proration.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := prora.ProcessPendingPlanChanges(c.Request.Context())
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

// @Summary      Expire lapsed grace periods
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/sweeps/grace-expiry [post]
func ApiAdminSweepGraceExpiry(grace *graceperiod.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := grace.ProcessExpired(c.Request.Context())
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

// @Summary      Retry failed webhook events
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/sweeps/webhook-retries [post]
func ApiAdminSweepWebhookRetries(proc *webhookproc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := proc.RetryFailed(c.Request.Context())
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

func RegisterAdminRoutes(r gin.IRouter, led *ledger.Service, stats *statistics.Service, registry *metering.ModelRegistry,
	prora *proration.Service, grace *graceperiod.Service, proc *webhookproc.Service) {
	r.POST("/transactions", ApiAdminScanTransactions(led))
	r.POST("/adjustments", ApiAdminAdjustBalance(led))
	r.GET("/stats/summary", ApiAdminSummary(stats))
	r.GET("/stats/subscriptions", ApiAdminSubscriptionCounts(stats))
	r.PUT("/ai-models", ApiAdminUpsertModel(registry))
	r.POST("/sweeps/plan-changes", ApiAdminSweepPlanChanges(prora))
	r.POST("/sweeps/grace-expiry", ApiAdminSweepGraceExpiry(grace))
	r.POST("/sweeps/webhook-retries", ApiAdminSweepWebhookRetries(proc))
}
