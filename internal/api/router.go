package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"

	"tasknotify/internal/gate"
	"tasknotify/internal/item"
	"tasknotify/internal/metrics"
	"tasknotify/internal/observe"
	"tasknotify/internal/poller"
	"tasknotify/internal/state"
	logx "tasknotify/pkg/logx"
)

// Poller runs on-demand cycles.
type Poller interface {
	Poll(ctx context.Context, key string) (poller.CycleResult, error)
}

// Observer announces pushed observations.
type Observer interface {
	Handle(ctx context.Context, o observe.Observation) gate.Outcome
}

// Tester sends the operator test notification.
type Tester interface {
	Test(ctx context.Context) error
}

// Deps are the components the API drives. Metrics and Status are optional.
type Deps struct {
	Flag     state.Flag
	Cursors  state.Cursors
	Poller   Poller
	Observer Observer
	Tester   Tester
	Metrics  *metrics.Metrics
	Status   func(ctx context.Context) any
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

// NewRouter builds the gin engine. token may be empty (no auth).
func NewRouter(d Deps, token string, withPprof bool, log logx.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	authed := r.Group("/", withAuth(token))
	if d.Metrics != nil {
		authed.GET("/metrics", d.Metrics.Handler())
	}

	v1 := authed.Group("/api/v1")
	v1.GET("/enabled", func(c *gin.Context) {
		on, err := d.Flag.Get(c.Request.Context())
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": on})
	})
	v1.PUT("/enabled", func(c *gin.Context) {
		var body enabledBody
		if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
			fail(c, http.StatusBadRequest, errors.New(`body must be {"enabled": true|false}`))
			return
		}
		if err := d.Flag.Set(state.WithActor(c.Request.Context(), "api"), *body.Enabled); err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": *body.Enabled})
	})
	v1.POST("/observations", func(c *gin.Context) {
		var o observe.Observation
		if err := c.ShouldBindJSON(&o); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		out := d.Observer.Handle(c.Request.Context(), o)
		c.JSON(http.StatusAccepted, gin.H{"outcome": out.String()})
	})
	v1.POST("/sources/:key/poll", func(c *gin.Context) {
		res, err := d.Poller.Poll(c.Request.Context(), c.Param("key"))
		switch {
		case errors.Is(err, poller.ErrUnknownSource):
			fail(c, http.StatusNotFound, err)
		case item.IsFetchFailure(err):
			c.JSON(http.StatusBadGateway, res)
		case err != nil:
			fail(c, http.StatusInternalServerError, err)
		default:
			c.JSON(http.StatusOK, res)
		}
	})
	v1.DELETE("/sources/:key/cursor", func(c *gin.Context) {
		if err := d.Cursors.Reset(state.WithActor(c.Request.Context(), "api"), c.Param("key")); err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	v1.POST("/test", func(c *gin.Context) {
		if err := d.Tester.Test(c.Request.Context()); err != nil {
			fail(c, http.StatusBadGateway, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	v1.GET("/status", func(c *gin.Context) {
		if d.Status == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, d.Status(c.Request.Context()))
	})

	if withPprof {
		pp := authed.Group("/debug/pprof")
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		pp.GET("/:name", func(c *gin.Context) {
			hpprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			const p = "Bearer "
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
		)
	}
}
