// detector-sim feeds the protection server a synthetic detector stream: a
// fixed scene of labeled objects that jitter in place, with optional staged
// disturbances (one object drifting away, another disappearing). Useful for
// exercising the full pipeline without a camera or a model.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guardcam/protection-server/internal/geometry"
	"github.com/guardcam/protection-server/internal/ingest"
	"github.com/guardcam/protection-server/internal/logger"
	"github.com/guardcam/protection-server/internal/protect"
)

type sceneObject struct {
	label string
	box   geometry.Box
	fill  color.RGBA

	// drift moves the object every frame once disturbance starts.
	drift float64
	// vanishes removes the object from the feed once disturbance starts.
	vanishes bool
}

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "Protection server base URL")
		fps       = flag.Int("fps", 10, "Frames per second to post")
		width     = flag.Int("width", 640, "Frame width")
		height    = flag.Int("height", 480, "Frame height")
		jitter    = flag.Float64("jitter", 1.5, "Per-frame box jitter in pixels")
		disturbAt = flag.Duration("disturb-after", 0, "Start the staged disturbance after this long (0 = never)")
		logLevel  = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	)
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, true)

	scene := []sceneObject{
		{label: "vase", box: geometry.NewBox(80, 200, 180, 380), fill: color.RGBA{R: 170, G: 120, B: 60, A: 255}, drift: 4},
		{label: "laptop", box: geometry.NewBox(260, 240, 440, 360), fill: color.RGBA{R: 120, G: 120, B: 130, A: 255}, vanishes: true},
		{label: "book", box: geometry.NewBox(480, 280, 560, 370), fill: color.RGBA{R: 60, G: 100, B: 170, A: 255}},
	}

	start := time.Now()
	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Sim", "Posting %d fps to %s", *fps, *serverURL)
	if *disturbAt > 0 {
		logger.Info("Sim", "Staged disturbance after %s", *disturbAt)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	drifted := 0.0
	for {
		select {
		case <-sigChan:
			logger.Info("Sim", "Stopping")
			return
		case <-ticker.C:
		}

		disturbing := *disturbAt > 0 && time.Since(start) > *disturbAt
		if disturbing {
			drifted += 1
		}

		detections := make([]protect.Detection, 0, len(scene))
		for _, obj := range scene {
			if disturbing && obj.vanishes {
				continue
			}
			box := obj.box
			if disturbing && obj.drift > 0 {
				box = geometry.NewBox(box.X1+drifted*obj.drift, box.Y1, box.X2+drifted*obj.drift, box.Y2)
			}
			jx := (rng.Float64()*2 - 1) * *jitter
			jy := (rng.Float64()*2 - 1) * *jitter
			detections = append(detections, protect.Detection{
				Label:      obj.label,
				Confidence: 0.82 + rng.Float64()*0.15,
				BBox:       geometry.NewBox(box.X1+jx, box.Y1+jy, box.X2+jx, box.Y2+jy),
			})
		}

		frame, err := renderScene(scene, *width, *height, detections)
		if err != nil {
			logger.Error("Sim", "Failed to render frame: %v", err)
			continue
		}

		if err := post(*serverURL, frame, *width, *height, detections); err != nil {
			logger.Warn("Sim", "Post failed: %v", err)
		}
	}
}

// renderScene rasterizes the detections onto a plain backdrop so the
// server's overlay has something recognizable to annotate.
func renderScene(scene []sceneObject, width, height int, detections []protect.Detection) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 40, G: 44, B: 52, A: 255}}, image.Point{}, draw.Src)

	fills := make(map[string]color.RGBA, len(scene))
	for _, obj := range scene {
		fills[obj.label] = obj.fill
	}
	for _, d := range detections {
		rect := image.Rect(int(d.BBox.X1), int(d.BBox.Y1), int(d.BBox.X2), int(d.BBox.Y2)).Intersect(img.Bounds())
		draw.Draw(img, rect, &image.Uniform{C: fills[d.Label]}, image.Point{}, draw.Src)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func post(serverURL string, frame []byte, width, height int, detections []protect.Detection) error {
	payload := ingest.EncodePayload(ingest.Frame{
		JPEG:       frame,
		Width:      width,
		Height:     height,
		CapturedAt: time.Now(),
	}, detections)

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := http.Post(serverURL+"/api/ingest", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
