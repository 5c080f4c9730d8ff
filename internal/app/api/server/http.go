package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/forgecloud/billing/docs"
	"github.com/forgecloud/billing/internal/app/api/handlers"
	mw "github.com/forgecloud/billing/internal/app/api/middleware"
	"github.com/forgecloud/billing/internal/app/service/graceperiod"
	"github.com/forgecloud/billing/internal/app/service/ledger"
	"github.com/forgecloud/billing/internal/app/service/metering"
	"github.com/forgecloud/billing/internal/app/service/proration"
	"github.com/forgecloud/billing/internal/app/service/receipt"
	"github.com/forgecloud/billing/internal/app/service/statistics"
	"github.com/forgecloud/billing/internal/app/service/subscription"
	"github.com/forgecloud/billing/internal/app/service/webhookproc"
	cfgpkg "github.com/forgecloud/billing/pkg/config"
	metrics "github.com/forgecloud/billing/pkg/metrics"
	"github.com/forgecloud/billing/pkg/pricing"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

type routeDeps struct {
	fx.In

	Log       *zap.SugaredLogger
	Cfg       *cfgpkg.Config
	Catalog   *pricing.Catalog
	Ledger    *ledger.Service
	Metering  *metering.Service
	Registry  *metering.ModelRegistry
	Subs      *subscription.Service
	Proration *proration.Service
	Grace     *graceperiod.Service
	Receipts  *receipt.Service
	Webhooks  *webhookproc.Service
	Stats     *statistics.Service
}

func registerRoutes(r *gin.Engine, deps routeDeps) {
	log := deps.Log
	cfg := deps.Cfg

	// Prometheus metrics
	if cfg != nil && cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return c.Request.URL.Path
			},
			Logger: log,
		})
		p.SetListenAddress(cfg.MetricsAddr)
		p.Use(r)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Provider webhooks authenticate by signature, not bearer token
	webhook := r.Group("/api/v1/payment")
	webhook.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterWebhookRoutes(webhook, cfg, deps.Webhooks, log)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(), mw.AuthMiddleware(cfg))

	handlers.RegisterUsageRoutes(apiV1.Group("/usage"), deps.Metering)
	handlers.RegisterBillingRoutes(apiV1.Group("/billing"),
		deps.Ledger, deps.Subs, deps.Proration, deps.Grace, deps.Receipts, deps.Catalog)

	admin := apiV1.Group("/admin")
	admin.Use(mw.AdminOnly())
	handlers.RegisterAdminRoutes(admin, deps.Ledger, deps.Stats, deps.Registry,
		deps.Proration, deps.Grace, deps.Webhooks)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
