package app

import (
	"time"

	"github.com/forgecloud/billing/internal/app/api/server"
	"github.com/forgecloud/billing/internal/app/service/graceperiod"
	"github.com/forgecloud/billing/internal/app/service/ledger"
	"github.com/forgecloud/billing/internal/app/service/metering"
	"github.com/forgecloud/billing/internal/app/service/notify"
	"github.com/forgecloud/billing/internal/app/service/proration"
	"github.com/forgecloud/billing/internal/app/service/receipt"
	"github.com/forgecloud/billing/internal/app/service/statistics"
	"github.com/forgecloud/billing/internal/app/service/subscription"
	"github.com/forgecloud/billing/internal/app/service/webhookproc"
	"github.com/forgecloud/billing/internal/platform/db"
	"github.com/forgecloud/billing/internal/scheduler"
	"github.com/forgecloud/billing/pkg/config"
	"github.com/forgecloud/billing/pkg/logger"

	"go.uber.org/fx"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	ledger.Module,
	metering.Module,
	subscription.Module,
	proration.Module,
	graceperiod.Module,
	webhookproc.Module,
	receipt.Module,
	notify.Module,
	statistics.Module,
	scheduler.Module,
)
