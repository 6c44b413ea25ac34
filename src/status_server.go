package main

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ryansname/battdisplay/src/meter"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

type statusServer struct {
	latest *SnapshotStore
	fb     *meter.Framebuffer
}

func setupRoutes(latest *SnapshotStore, fb *meter.Framebuffer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	s := &statusServer{latest: latest, fb: fb}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", s.getStatus)
	router.GET("/screen.png", s.getScreen)
	router.GET("/version", getVersion)

	return router
}

func (s *statusServer) getStatus(c *gin.Context) {
	snap, ok := s.latest.Load()
	if !ok {
		c.IndentedJSON(http.StatusServiceUnavailable, gin.H{"error": "no reading yet"})
		return
	}
	c.IndentedJSON(http.StatusOK, snap)
}

func (s *statusServer) getScreen(c *gin.Context) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.fb.Snapshot()); err != nil {
		logrus.Errorf("getScreen failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, Version)
}

func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// other handler can change c.Path so:
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		entry := logger.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    latency,
			"method":     c.Request.Method,
			"path":       path,
			"dataLength": dataLength,
		})

		if len(c.Errors) > 0 {
			entry.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		msg := fmt.Sprintf("%s %s %d (%dms)", c.Request.Method, path, statusCode, latency)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(msg)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}

// statusServerWorker serves the status API until ctx is cancelled
func statusServerWorker(ctx context.Context, listen string, latest *SnapshotStore, fb *meter.Framebuffer) {
	srv := &http.Server{
		Addr:              listen,
		Handler:           setupRoutes(latest, fb),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logrus.Infof("http server listening on %s", listen)
	if err := serveUntilDone(ctx, srv); err != nil {
		// Panics so SafeGo retries the listener
		panic(fmt.Sprintf("http server: %v", err))
	}
}

// serveUntilDone runs srv until ctx is cancelled or the listener fails.
// The shutdown watcher always exits before it returns.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	served := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
		case <-served:
			return
		}
		logrus.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("failed to shutdown http server: %v", err)
		}
	}()

	err := srv.ListenAndServe()
	close(served)
	<-watcherDone
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listening")
	}
	return nil
}
