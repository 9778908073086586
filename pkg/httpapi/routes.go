// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
)

// Options configures the router
type Options struct {
	Metrics http.Handler
	APIKeys []string
	Logger  *zap.Logger
}

// NewRouter builds the gin engine serving mgr
func NewRouter(mgr *session.Manager, opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api := r.Group("/", apiKeyAuth(opts.APIKeys, log))
	api.GET("/commands", listCommands(mgr.Registry()))
	api.GET("/devices", listDevices(mgr))

	dev := api.Group("/devices/:id")
	{
		dev.GET("/state", deviceState(mgr))
		dev.POST("/query/:family", execute(mgr, func(c *gin.Context) (session.Command, error) {
			return session.Command{Op: session.OpQuery, ID: c.Param("family")}, nil
		}))
		dev.POST("/set/:command", execute(mgr, func(c *gin.Context) (session.Command, error) {
			var body struct {
				Value *int `json:"value"`
			}
			if err := bindOptional(c, &body); err != nil {
				return session.Command{}, err
			}
			return session.Command{Op: session.OpSet, ID: c.Param("command"), Value: body.Value}, nil
		}))
		dev.POST("/enum/:command", execute(mgr, func(c *gin.Context) (session.Command, error) {
			return session.Command{Op: session.OpEnum, ID: c.Param("command")}, nil
		}))
		dev.POST("/press/:button", execute(mgr, func(c *gin.Context) (session.Command, error) {
			return session.Command{Op: session.OpPress, ID: c.Param("button")}, nil
		}))
		dev.POST("/group/:group", execute(mgr, func(c *gin.Context) (session.Command, error) {
			var body struct {
				Values map[string]int `json:"values"`
			}
			if err := bindOptional(c, &body); err != nil {
				return session.Command{}, err
			}
			return session.Command{Op: session.OpGroup, ID: c.Param("group"), Values: body.Values}, nil
		}))
		dev.POST("/status", execute(mgr, func(*gin.Context) (session.Command, error) {
			return session.Command{Op: session.OpStatus}, nil
		}))
	}
	return r
}

// bindOptional decodes a JSON body when one is present
func bindOptional(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("request body: %v: %w", err, exlink.ErrInvalidParameter)
	}
	return nil
}

func errorBody(err error) gin.H {
	return gin.H{"ok": false, "error": err.Error()}
}

func execute(mgr *session.Manager, build func(*gin.Context) (session.Command, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := mgr.Get(c.Param("id"))
		if err != nil {
			c.JSON(StatusFor(err), errorBody(err))
			return
		}
		cmd, err := build(c)
		if err != nil {
			c.JSON(StatusFor(err), errorBody(err))
			return
		}
		res := sess.Execute(c.Request.Context(), cmd)
		c.JSON(StatusFor(res.Err()), res)
	}
}

func deviceState(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := mgr.Get(c.Param("id"))
		if err != nil {
			c.JSON(StatusFor(err), errorBody(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"device": sess.ID(), "state": sess.State()})
	}
}

func listDevices(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		states := mgr.States()
		devices := make([]gin.H, 0, len(states))
		for _, id := range mgr.Devices() {
			st, ok := states[id]
			if !ok {
				continue
			}
			devices = append(devices, gin.H{"id": id, "state": st})
		}
		c.JSON(http.StatusOK, gin.H{"count": len(devices), "devices": devices})
	}
}

type commandInfo struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Min      *int   `json:"min,omitempty"`
	Max      *int   `json:"max,omitempty"`
	Group    string `json:"group,omitempty"`
	Label    string `json:"label,omitempty"`
	Family   string `json:"family,omitempty"`
}

func listCommands(reg *exlink.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		cats := []exlink.Category{exlink.CategoryQuery, exlink.CategoryInteger, exlink.CategoryEnum, exlink.CategoryButton}
		if name := c.Query("category"); name != "" {
			cat, err := exlink.ParseCategory(name)
			if err != nil {
				c.JSON(http.StatusBadRequest, errorBody(err))
				return
			}
			cats = []exlink.Category{cat}
		}

		out := []commandInfo{}
		for _, cat := range cats {
			for _, spec := range reg.Commands(cat) {
				info := commandInfo{
					ID:       spec.ID,
					Category: spec.Category.String(),
					Group:    spec.Group,
					Label:    spec.Label,
					Family:   string(spec.Family),
				}
				if spec.HasParameter() {
					lo, hi := spec.Min, spec.Max
					info.Min, info.Max = &lo, &hi
				}
				out = append(out, info)
			}
		}
		c.JSON(http.StatusOK, gin.H{"count": len(out), "commands": out})
	}
}
