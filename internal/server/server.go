package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/factura/internal/audit"
	auditdomain "github.com/smallbiznis/factura/internal/audit/domain"
	"github.com/smallbiznis/factura/internal/config"
	"github.com/smallbiznis/factura/internal/document"
	documentdomain "github.com/smallbiznis/factura/internal/document/domain"
	"github.com/smallbiznis/factura/internal/providers/email"
	"github.com/smallbiznis/factura/internal/reminder"
	"github.com/smallbiznis/factura/internal/settlement"
	settlementdomain "github.com/smallbiznis/factura/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	document.Module,
	settlement.Module,
	email.Module,
	reminder.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	documentSvc   documentdomain.Service
	settlementSvc settlementdomain.Service
	auditSvc      auditdomain.Service
	scheduler     *reminder.Scheduler
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	DocumentSvc   documentdomain.Service
	SettlementSvc settlementdomain.Service
	AuditSvc      auditdomain.Service

	Scheduler *reminder.Scheduler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("server"),
		genID:         p.GenID,
		documentSvc:   p.DocumentSvc,
		settlementSvc: p.SettlementSvc,
		auditSvc:      p.AuditSvc,
		scheduler:     p.Scheduler,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerJobRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.OrgContext())

	docs := api.Group("/documents")
	{
		docs.POST("", s.CreateDocument)
		docs.GET("", s.ListDocuments)
		docs.GET("/:id", s.GetDocument)
		docs.PATCH("/:id", s.UpdateDocument)
		docs.DELETE("/:id", s.DeleteDocument)

		docs.POST("/:id/send", s.SendDocument)
		docs.POST("/:id/mark_paid", s.MarkDocumentPaid)
		docs.POST("/:id/cancel", s.CancelDocument)
		docs.POST("/:id/accept", s.AcceptQuote)
		docs.POST("/:id/decline", s.DeclineQuote)
		docs.POST("/:id/convert", s.ConvertQuote)
		docs.POST("/:id/refund", s.RefundDocument)
	}

	audit := api.Group("/audit-logs")
	{
		audit.GET("", s.ListAuditLogs)
	}
}

func (s *Server) registerWebhookRoutes() {
	// Webhooks carry no org header; the document annotation scopes them.
	s.engine.POST("/webhooks/payments", s.HandlePaymentWebhook)
}

func (s *Server) registerJobRoutes() {
	jobs := s.engine.Group("/v1/jobs")
	{
		jobs.POST("/reminders/run", s.RunReminders)
	}
}
