package server

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"

	"github.com/guardcam/protection-server/internal/logger"
)

const mjpegBoundary = "frameboundary"

var placeholderOnce sync.Once
var placeholderJPEG []byte

// placeholderFrame is served to MJPEG viewers that connect before the
// detector has delivered anything.
func placeholderFrame() []byte {
	placeholderOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 640, 480))
		for y := 0; y < 480; y++ {
			for x := 0; x < 640; x++ {
				img.Set(x, y, color.RGBA{R: 24, G: 24, B: 32, A: 255})
			}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
			logger.Error("Server", "Failed to encode placeholder frame: %v", err)
			return
		}
		placeholderJPEG = buf.Bytes()
	})
	return placeholderJPEG
}

// handleMJPEG streams annotated frames as multipart/x-mixed-replace. Each
// viewer gets its own broadcaster subscription; a viewer that falls behind
// loses old frames, never stalls the loop.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, frames := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)

	s.stats.MJPEGClients.Add(1)
	defer s.stats.MJPEGClients.Add(^uint64(0))
	logger.Info("Server", "MJPEG viewer #%d connected from %s", id, r.RemoteAddr)
	defer logger.Info("Server", "MJPEG viewer #%d disconnected", id)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	if ph := placeholderFrame(); ph != nil {
		if err := writeMJPEGPart(w, ph); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-frames:
			if !open {
				return
			}
			if err := writeMJPEGPart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeMJPEGPart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}
