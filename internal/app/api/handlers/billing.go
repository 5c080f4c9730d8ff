package handlers

import (
	"net/http"
	"strconv"

	"github.com/forgecloud/billing/internal/app/api/middleware"
	"github.com/forgecloud/billing/internal/app/service/graceperiod"
	"github.com/forgecloud/billing/internal/app/service/ledger"
	"github.com/forgecloud/billing/internal/app/service/proration"
	"github.com/forgecloud/billing/internal/app/service/receipt"
	"github.com/forgecloud/billing/internal/app/service/subscription"
	"github.com/forgecloud/billing/pkg/pricing"
	"github.com/forgecloud/billing/pkg/response"

	"github.com/gin-gonic/gin"
)

func pageParams(c *gin.Context) (from, size int) {
	from, _ = strconv.Atoi(c.Query("from"))
	if from < 0 {
		from = 0
	}
	size, _ = strconv.Atoi(c.Query("size"))
	if size <= 0 {
		size = 100
	}
	return from, size
}

// @Summary      Current balance
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/billing/balance [get]
func ApiBalance(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		balance, err := led.Balance(c.Request.Context(), middleware.UserID(c))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(gin.H{"balance": balance}))
	}
}

// @Summary      Balance transaction history
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/billing/transactions [get]
func ApiTransactionHistory(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, size := pageParams(c)
		res, err := led.History(c.Request.Context(), middleware.UserID(c), from, size)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Available plans
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/billing/plans [get]
func ApiListPlans(catalog *pricing.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, response.OKT(catalog.All()))
	}
}

// @Summary      Current subscription
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/billing/subscription [get]
func ApiGetSubscription(subs *subscription.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := subs.Get(c.Request.Context(), middleware.UserID(c))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

type planChangeRequest struct {
	PlanID string `json:"plan_id" binding:"required"`
}

// @Summary      Preview a plan change
// @Description  Prices the change without applying it. Upgrade charges are the full price difference.
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/billing/subscription/plan/preview [post]
func ApiPreviewPlanChange(prora *proration.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req planChangeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		quote, err := prora.Preview(c.Request.Context(), middleware.UserID(c), req.PlanID)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(quote))
	}
}

// @Summary      Apply a plan change
// @Description  Upgrades apply immediately; downgrades are scheduled for the period boundary.
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/billing/subscription/plan [post]
func ApiApplyPlanChange(prora *proration.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req planChangeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		quote, err := prora.Apply(c.Request.Context(), middleware.UserID(c), req.PlanID)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(quote))
	}
}

// @Summary      Grace period status
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/billing/subscription/grace [get]
func ApiGraceStatus(grace *graceperiod.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := grace.Status(c.Request.Context(), middleware.UserID(c))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(status))
	}
}

// @Summary      List payments and receipts
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/billing/payments [get]
func ApiListPayments(receipts *receipt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, size := pageParams(c)
		items, err := receipts.List(c.Request.Context(), middleware.UserID(c), from, size)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(items))
	}
}

// @Summary      Receipt PDF
// @Tags         Billing
// @Produce      application/pdf
// @Success      200  {file}  binary
// @Router       /api/v1/billing/payments/{id}/receipt [get]
func ApiReceiptPDF(receipts *receipt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := receipts.PDF(c.Request.Context(), middleware.UserID(c), c.Param("id"))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/pdf", doc)
	}
}

func RegisterBillingRoutes(r gin.IRouter, led *ledger.Service, subs *subscription.Service, prora *proration.Service, grace *graceperiod.Service, receipts *receipt.Service, catalog *pricing.Catalog) {
	r.GET("/balance", ApiBalance(led))
	r.GET("/transactions", ApiTransactionHistory(led))
	r.GET("/plans", ApiListPlans(catalog))
	r.GET("/subscription", ApiGetSubscription(subs))
	r.POST("/subscription/plan/preview", ApiPreviewPlanChange(prora))
	r.POST("/subscription/plan", ApiApplyPlanChange(prora))
	r.GET("/subscription/grace", ApiGraceStatus(grace))
	r.GET("/payments", ApiListPayments(receipts))
	r.GET("/payments/:id/receipt", ApiReceiptPDF(receipts))
}
