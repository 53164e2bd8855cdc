// Command kiosk-sim plays the part of a collection-point kiosk: it scans a
// directory of camera frames for an EcoTrade QR code and publishes each
// detection to the server over MQTT.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/indraafito/EcoTrade-sub000/internal/kiosk"
	"github.com/indraafito/EcoTrade-sub000/internal/qr"
	"github.com/indraafito/EcoTrade-sub000/internal/scanner"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	kioskID := flag.String("kiosk-id", "sim-kiosk-1", "Kiosk identifier")
	framesDir := flag.String("frames", "frames", "Directory of PNG/JPEG frames to replay as the camera")
	userID := flag.String("user-id", "", "User the deposits are credited to")
	username := flag.String("username", "", "Display name sent with each scan")
	token := flag.String("token", os.Getenv("ECOTRADE_KIOSK_TOKEN"), "Bearer token of the depositing user")
	fps := flag.Int("fps", 10, "Frames decoded per second")
	pause := flag.Duration("pause", 5*time.Second, "Pause between scans")
	once := flag.Bool("once", false, "Exit after the first detection")

	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *userID == "" && *token == "" {
		logger.Error("-token or -user-id is required")
		os.Exit(2)
	}
	if *fps <= 0 {
		*fps = 10
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientID := fmt.Sprintf("%s-simulator-%d", *kioskID, time.Now().UnixNano())
	client, err := kiosk.Dial(*brokerAddr, clientID, func(c *kiosk.Client) {
		err := c.Subscribe(kiosk.ResultTopic(*kioskID), func(topic string, payload []byte) {
			var res kiosk.ResultMessage
			if err := json.Unmarshal(payload, &res); err != nil {
				logger.Warn("result decode failed", "topic", topic, "error", err)
				return
			}
			logger.Info("deposit result", "scan_id", res.ScanID, "status", res.Status, "error", res.Error, "location", res.Location, "total_points", res.TotalPoints, "rank", res.Rank)
		})
		if err != nil {
			logger.Error("subscribe to results failed", "error", err)
		}
	})
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	logger.Info("connected to MQTT broker", "broker", *brokerAddr, "client_id", clientID)

	session := scanner.NewSession(dirCamera{dir: *framesDir}, qr.NewDecoder(), scanner.Options{
		FrameInterval: time.Second / time.Duration(*fps),
		OnEvent: func(ev scanner.Event) {
			logger.Debug("scanner state", "state", ev.State, "error", ev.Err)
		},
		Logger: logger,
	})
	defer session.Close()

	for {
		text, err := scanOnce(ctx, session)
		switch {
		case errors.Is(err, scanner.ErrCancelled), ctx.Err() != nil:
			logger.Info("received shutdown signal, disconnecting")
			return
		case errors.Is(err, scanner.ErrNotOfficialCode):
			logger.Warn("ignored foreign code")
		case err != nil:
			logger.Error("scan failed", "error", err)
			if errors.Is(err, scanner.ErrPermissionDenied) {
				os.Exit(1)
			}
		default:
			publishScan(client, logger, *kioskID, kiosk.ScanMessage{
				ScanID:   uuid.NewString(),
				UserID:   *userID,
				Username: *username,
				Token:    *token,
				Code:     text,
			})
			if *once {
				// Leave time for the result to arrive.
				wait(ctx, 3*time.Second)
				return
			}
		}

		if !wait(ctx, *pause) {
			logger.Info("received shutdown signal, disconnecting")
			return
		}
	}
}

func scanOnce(ctx context.Context, s *scanner.Session) (string, error) {
	if err := s.Start(ctx); err != nil {
		return "", err
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Cancel()
	}
	return s.Result()
}

func publishScan(client *kiosk.Client, logger *slog.Logger, kioskID string, msg kiosk.ScanMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to encode scan", "error", err)
		return
	}

	topic := kiosk.ScanTopic(kioskID)
	if err := client.Publish(topic, data); err != nil {
		logger.Error("publish error", "topic", topic, "error", err)
		return
	}
	logger.Info("published scan", "topic", topic, "scan_id", msg.ScanID)
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
