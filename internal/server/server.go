// Package server exposes the engine over HTTP: trade intake, the queue
// consume endpoint, follower settings, delegations and job inspection.
package server

import (
	"context"
	"expvar"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/betbot/copytrade/internal/fanout"
	"github.com/betbot/copytrade/internal/store"
)

type Server struct {
	store      *store.Store
	dispatcher *fanout.Dispatcher
	worker     *fanout.Worker
	sweeper    *fanout.Sweeper
}

func New(st *store.Store, d *fanout.Dispatcher, w *fanout.Worker, sw *fanout.Sweeper) *Server {
	return &Server{store: st, dispatcher: d, worker: w, sweeper: sw}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))

	// the durable queue POSTs one job message per delivery here
	r.POST("/queue/copy-jobs", s.wrap(s.handleQueueConsume))

	api := r.Group("/api")

	api.POST("/trades", s.wrap(s.handleTradeIntake))
	api.GET("/trades/:tradeID", s.wrap(s.handleTradeGet))
	api.GET("/trades/:tradeID/jobs", s.wrap(s.handleTradeJobs))

	followers := api.Group("/followers/:followerID")
	followers.GET("/jobs", s.wrap(s.handleFollowerJobs))
	settings := followers.Group("/settings/:leaderID")
	settings.GET("", s.wrap(s.handleSettingsGet))
	settings.PUT("", s.wrap(s.handleSettingsPut))
	settings.PATCH("", s.wrap(s.handleSettingsPatch))
	settings.POST("/toggle", s.wrap(s.handleSettingsToggle))

	users := api.Group("/users/:userID")
	users.GET("/delegation", s.wrap(s.handleDelegationGet))
	users.GET("/delegation/message", s.wrap(s.handleDelegationMessage))
	users.PUT("/delegation", s.wrap(s.handleDelegationPut))
	users.DELETE("/delegation", s.wrap(s.handleDelegationRevoke))

	api.POST("/admin/sweep", s.wrap(s.handleSweepNow))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "copytrade_path_params"

// wrap adapts net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}
