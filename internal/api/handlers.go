package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/listen"
	"github.com/roman-kulish/listening-post/internal/session"
	"github.com/roman-kulish/listening-post/internal/spectrum"
)

type rangeRequest struct {
	Start float64 `json:"start" binding:"required"`
	End   float64 `json:"end" binding:"required"`
	Step  float64 `json:"step" binding:"required"`
}

func (r rangeRequest) toRange() spectrum.Range {
	return spectrum.Range{Start: r.Start, End: r.End, Step: r.Step}
}

type listenRequest struct {
	Frequency  float64             `json:"frequency" binding:"required"`
	Modulation spectrum.Modulation `json:"modulation" binding:"required"`
	Gain       float64             `json:"gain"`
	Squelch    int                 `json:"squelch"`
	Device     string              `json:"device"`
	Immediate  *bool               `json:"immediate"`
}

func (r listenRequest) toParams() spectrum.ListenParams {
	return spectrum.ListenParams{
		Frequency:  r.Frequency,
		Modulation: r.Modulation,
		Gain:       r.Gain,
		Squelch:    r.Squelch,
		Device:     r.Device,
	}
}

// bindRange decodes and validates a range body, writing a 400 on failure.
func bindRange(c *gin.Context) (spectrum.Range, bool) {
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing start, end or step"})
		return spectrum.Range{}, false
	}

	rng := req.toRange()
	if err := rng.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return spectrum.Range{}, false
	}
	return rng, true
}

func (s *Server) handleScanStart(c *gin.Context) {
	rng, ok := bindRange(c)
	if !ok {
		return
	}

	id, err := s.scanner.Start(c.Request.Context(), rng)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "steps": rng.TotalSteps()})
}

func (s *Server) handleScanStop(c *gin.Context) {
	if err := s.scanner.Stop(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleScanStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.scanner.Status())
}

// handleScanEvents streams progress snapshots as server-sent "progress" events,
// starting with the current one.
func (s *Server) handleScanEvents(c *gin.Context) {
	snapshots, unsubscribe := s.scanner.Subscribe()
	defer unsubscribe()

	c.SSEvent("progress", s.scanner.Status().Progress)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap := <-snapshots:
			c.SSEvent("progress", snap)
			return true
		}
	})
}

func (s *Server) handleListen(defaultImmediate bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		immediate := defaultImmediate

		var req listenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing frequency or modulation"})
			return
		}
		if req.Immediate != nil {
			immediate = *req.Immediate
		}

		p := req.toParams()
		if err := p.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := s.listener.RequestListen(c.Request.Context(), p, immediate); err != nil {
			s.writeError(c, err)
			return
		}

		if !immediate {
			c.JSON(http.StatusAccepted, s.listener.Status())
			return
		}
		c.JSON(http.StatusOK, s.listener.Status())
	}
}

func (s *Server) handleListenStop(c *gin.Context) {
	if err := s.listener.Stop(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListenStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.listener.Status())
}

func (s *Server) handleListenUnlock(c *gin.Context) {
	if err := s.listener.Unlock(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.listener.Status())
}

// handleListenAudio streams raw audio chunks until the client goes away.
func (s *Server) handleListenAudio(c *gin.Context) {
	chunks, detach := s.audio.Attach()
	defer detach()

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case chunk, ok := <-chunks:
			if !ok {
				return false
			}
			_, err := w.Write(chunk)
			return err == nil
		}
	})
}

func (s *Server) handleWaterfallStart(c *gin.Context) {
	rng, ok := bindRange(c)
	if !ok {
		return
	}

	id, err := s.waterfall.Start(c.Request.Context(), rng)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) handleWaterfallStop(c *gin.Context) {
	if err := s.waterfall.Stop(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWaterfallStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.waterfall.Status())
}

func (s *Server) handleWaterfallImage(c *gin.Context) {
	snap := s.waterfall.Snapshot()
	if snap.Rows == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no waterfall rows yet"})
		return
	}

	var buf bytes.Buffer
	if err := s.renderer.WritePNG(&buf, snap); err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// writeError maps session errors to responses. A busy device is a retryable conflict.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		busy       *device.BusyError
		backendErr *control.BackendError
		respErr    *control.ResponseError
	)

	switch {
	case errors.As(err, &busy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true, "holder": busy.Holder})
	case errors.Is(err, device.ErrDeviceBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, session.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": false})
	case errors.Is(err, listen.ErrNotListening), errors.Is(err, listen.ErrPlaybackBlocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, listen.ErrSuperseded):
		c.JSON(http.StatusAccepted, gin.H{"status": "superseded"})
	case errors.As(err, &backendErr), errors.As(err, &respErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		s.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
