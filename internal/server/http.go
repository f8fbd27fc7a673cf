package server

import (
	"time"

	"credit-service/internal/conf"
	"credit-service/internal/service"

	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(c *conf.Bootstrap, creditService *service.CreditService) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
		),
	}
	if c.Server != nil && c.Server.Http != nil {
		if c.Server.Http.Network != "" {
			opts = append(opts, http.Network(c.Server.Http.Network))
		}
		if c.Server.Http.Addr != "" {
			opts = append(opts, http.Address(c.Server.Http.Addr))
		}
		if c.Server.Http.Timeout > 0 {
			opts = append(opts, http.Timeout(time.Duration(c.Server.Http.Timeout)*time.Second))
		}
	}
	srv := http.NewServer(opts...)
	registerRoutes(srv, creditService)
	srv.Handle("/metrics", promhttp.Handler())
	return srv
}

// registerRoutes 注册积分服务路由（JSON in / JSON out）
func registerRoutes(srv *http.Server, s *service.CreditService) {
	r := srv.Route("/v1/credits")

	r.POST("/apply", func(ctx http.Context) error {
		var req service.ApplyRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := s.Apply(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/reverse", func(ctx http.Context) error {
		var req service.ReverseRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := s.Reverse(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.GET("/balance/{client_id}/{credit_type}", func(ctx http.Context) error {
		req := service.GetBalanceRequest{
			ClientID:   ctx.Vars().Get("client_id"),
			CreditType: ctx.Vars().Get("credit_type"),
		}
		reply, err := s.GetBalance(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.GET("/account/{client_id}", func(ctx http.Context) error {
		req := service.GetAccountRequest{ClientID: ctx.Vars().Get("client_id")}
		reply, err := s.GetAccount(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/entries", func(ctx http.Context) error {
		var req service.ListEntriesRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := s.ListEntries(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/reconcile", func(ctx http.Context) error {
		reply, err := s.Reconcile(ctx)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/repair/running-totals", func(ctx http.Context) error {
		reply, err := s.RepairRunningTotals(ctx)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/repair/system", func(ctx http.Context) error {
		reply, err := s.RunSystemRepair(ctx)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/integrity", func(ctx http.Context) error {
		var req service.VerifyIntegrityRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := s.VerifyIntegrity(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/subscription/change", func(ctx http.Context) error {
		var req service.ChangeSubscriptionRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := s.ChangeSubscription(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/subscription/change/cancel", func(ctx http.Context) error {
		var req service.CancelChangeRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := s.CancelChange(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.GET("/promotion/{client_id}", func(ctx http.Context) error {
		req := service.PromotionEligibilityRequest{ClientID: ctx.Vars().Get("client_id")}
		reply, err := s.CheckPromotionEligibility(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/promotion/apply", func(ctx http.Context) error {
		var req service.ApplyPromotionRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := s.ApplyPromotion(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})
}
