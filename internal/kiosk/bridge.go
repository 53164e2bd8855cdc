// Package kiosk connects collection-point kiosks to the deposit flow over MQTT.
// Kiosks publish decoded codes on kiosks/<id>/scans and receive the outcome on
// kiosks/<id>/results.
package kiosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/indraafito/EcoTrade-sub000/internal/deposit"
	"github.com/indraafito/EcoTrade-sub000/internal/model"
	"github.com/indraafito/EcoTrade-sub000/internal/retry"
)

const (
	// ScanFilter subscribes to scans from every kiosk.
	ScanFilter = "kiosks/+/scans"

	publishTimeout = 5 * time.Second
	handleTimeout  = 30 * time.Second
)

// Result statuses.
const (
	StatusConfirmed = "confirmed"
	StatusDuplicate = "duplicate"
	StatusPartial   = "partial"
	StatusRejected  = "rejected"
)

// ScanTopic is the topic a kiosk publishes its scans to.
func ScanTopic(kioskID string) string {
	return "kiosks/" + kioskID + "/scans"
}

// ResultTopic is the topic a kiosk receives outcomes on.
func ResultTopic(kioskID string) string {
	return "kiosks/" + kioskID + "/results"
}

// ScanMessage is published by a kiosk for each detected code. Token is the
// depositing user's bearer token; with a verifier installed it decides who
// is credited and UserID may be omitted.
type ScanMessage struct {
	ScanID   string `json:"scan_id"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
	Code     string `json:"code"`
}

// Identity is the user a verified token belongs to.
type Identity struct {
	UserID   string
	Username string
}

// VerifyFunc resolves a bearer token to the user it was issued for.
type VerifyFunc func(token string) (Identity, error)

// ResultMessage answers a ScanMessage.
type ResultMessage struct {
	ScanID      string          `json:"scan_id,omitempty"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
	Location    string          `json:"location,omitempty"`
	Activity    *model.Activity `json:"activity,omitempty"`
	TotalPoints int             `json:"total_points,omitempty"`
	Rank        string          `json:"rank,omitempty"`
}

// Processor runs the deposit flow. *deposit.Service satisfies it.
type Processor interface {
	Scan(ctx context.Context, req deposit.ScanRequest) (deposit.ScanResult, error)
	Confirm(ctx context.Context, req deposit.ConfirmRequest) (deposit.Result, error)
}

// Publisher sends a message and reports link state.
type Publisher interface {
	retry.Connectivity
	Publish(topic string, payload []byte) error
}

// Bridge turns kiosk scan messages into deposits.
type Bridge struct {
	proc   Processor
	pub    Publisher
	retry  retry.Config
	verify VerifyFunc
	logger *slog.Logger
}

// NewBridge returns a Bridge publishing results through pub.
func NewBridge(proc Processor, pub Publisher, cfg retry.Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{proc: proc, pub: pub, retry: cfg, logger: logger}
}

// SetVerifier makes the bridge credit deposits only to the user named by the
// message token. Without a verifier, user_id is taken as sent.
func (b *Bridge) SetVerifier(v VerifyFunc) {
	b.verify = v
}

// Handle processes one message received on topic and publishes the outcome.
func (b *Bridge) Handle(ctx context.Context, topic string, payload []byte) {
	kioskID := kioskFromTopic(topic)
	if kioskID == "" {
		b.logger.Warn("kiosk message on unexpected topic", "topic", topic)
		return
	}

	var msg ScanMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Warn("kiosk payload decode failed", "kiosk", kioskID, "error", err, "payload", truncate(string(payload), 256))
		b.publish(ctx, kioskID, ResultMessage{Status: StatusRejected, Error: "bad_request", Message: "payload is not valid JSON"})
		return
	}
	msg.UserID = strings.TrimSpace(msg.UserID)
	if b.verify != nil {
		if reason := b.authenticate(&msg); reason != "" {
			b.logger.Warn("kiosk message unauthorized", "kiosk", kioskID, "scan_id", msg.ScanID, "reason", reason)
			b.publish(ctx, kioskID, ResultMessage{ScanID: msg.ScanID, Status: StatusRejected, Error: "unauthorized", Message: reason})
			return
		}
	}
	if msg.UserID == "" || strings.TrimSpace(msg.Code) == "" {
		b.logger.Warn("kiosk payload validation failed", "kiosk", kioskID, "scan_id", msg.ScanID)
		b.publish(ctx, kioskID, ResultMessage{ScanID: msg.ScanID, Status: StatusRejected, Error: "bad_request", Message: "user_id and code are required"})
		return
	}

	b.publish(ctx, kioskID, b.process(ctx, kioskID, msg))
}

// authenticate replaces the claimed identity with the token's and returns a
// non-empty reason when the message must be refused.
func (b *Bridge) authenticate(msg *ScanMessage) string {
	token := strings.TrimSpace(msg.Token)
	if token == "" {
		return "token is required"
	}
	id, err := b.verify(token)
	if err != nil || id.UserID == "" {
		return "invalid token"
	}
	if msg.UserID != "" && msg.UserID != id.UserID {
		return "user_id does not match token"
	}
	msg.UserID = id.UserID
	if id.Username != "" {
		msg.Username = id.Username
	}
	return ""
}

func (b *Bridge) process(ctx context.Context, kioskID string, msg ScanMessage) ResultMessage {
	scanned, err := b.proc.Scan(ctx, deposit.ScanRequest{
		ScanID: msg.ScanID,
		UserID: msg.UserID,
		Raw:    msg.Code,
		Source: model.SourceKiosk,
	})
	if err != nil {
		b.logger.Info("kiosk scan rejected", "kiosk", kioskID, "scan_id", msg.ScanID, "error", err)
		return ResultMessage{ScanID: msg.ScanID, Status: StatusRejected, Error: deposit.Code(err), Message: err.Error()}
	}

	out := ResultMessage{ScanID: scanned.Scan.ID, Location: scanned.Location.Name}

	payload := scanned.Payload
	res, err := b.proc.Confirm(ctx, deposit.ConfirmRequest{
		ScanID:   scanned.Scan.ID,
		UserID:   msg.UserID,
		Username: msg.Username,
		Payload:  &payload,
	})

	var partial *deposit.PartialError
	switch {
	case errors.As(err, &partial):
		out.Status = StatusPartial
		out.Error = deposit.Code(err)
		out.Message = "deposit saved, profile totals will refresh on the next deposit"
		out.Activity = &partial.Activity
	case err != nil:
		out.Status = StatusRejected
		out.Error = deposit.Code(err)
		out.Message = err.Error()
	case res.Duplicate:
		out.Status = StatusDuplicate
	default:
		out.Status = StatusConfirmed
		out.Activity = res.Activity
		out.TotalPoints = res.Aggregate.Points
		out.Rank = res.Rank
	}

	b.logger.Info("kiosk scan processed", "kiosk", kioskID, "scan_id", out.ScanID, "status", out.Status)
	return out
}

func (b *Bridge) publish(ctx context.Context, kioskID string, res ResultMessage) {
	data, err := json.Marshal(res)
	if err != nil {
		b.logger.Error("encode kiosk result", "error", err)
		return
	}

	topic := ResultTopic(kioskID)
	err = retry.DoOnline(ctx, b.pub, b.retry, func(context.Context) error {
		return b.pub.Publish(topic, data)
	})
	if err != nil {
		b.logger.Error("publish kiosk result failed", "topic", topic, "scan_id", res.ScanID, "error", err)
	}
}

func kioskFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "kiosks" || parts[2] != "scans" {
		return ""
	}
	return parts[1]
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Client is a paho MQTT connection that satisfies Publisher.
type Client struct {
	brokerURL string
	client    mqtt.Client
}

// NewClient prepares a connection to brokerURL as clientID without dialing.
// onConnect runs after every (re)connection, so subscriptions placed there
// survive reconnects.
func NewClient(brokerURL, clientID string, onConnect func(*Client)) *Client {
	c := &Client{brokerURL: brokerURL}
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if onConnect != nil {
		opts.SetOnConnectHandler(func(mqtt.Client) { onConnect(c) })
	}
	c.client = mqtt.NewClient(opts)
	return c
}

// Connect dials the broker. An unreachable broker is retried in the background.
func (c *Client) Connect() error {
	if token := c.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("connect to %s: %w", c.brokerURL, token.Error())
	}
	return nil
}

// Dial is NewClient followed by Connect.
func Dial(brokerURL, clientID string, onConnect func(*Client)) (*Client, error) {
	c := NewClient(brokerURL, clientID, onConnect)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// IsConnected reports whether the broker link is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish sends payload at QoS 1 and waits for the broker's acknowledgement.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe routes messages matching filter to handle.
func (c *Client) Subscribe(filter string, handle func(topic string, payload []byte)) error {
	token := c.client.Subscribe(filter, 1, func(_ mqtt.Client, m mqtt.Message) {
		handle(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// Listen subscribes the bridge to every kiosk's scans on c. Each message is
// handled on its own goroutine with a bounded context derived from ctx.
func (b *Bridge) Listen(ctx context.Context, c *Client) error {
	return c.Subscribe(ScanFilter, func(topic string, payload []byte) {
		go func() {
			hctx, cancel := context.WithTimeout(ctx, handleTimeout)
			defer cancel()
			b.Handle(hctx, topic, payload)
		}()
	})
}
