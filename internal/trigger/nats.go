// Package trigger turns external change notifications into index jobs.
//
// Two sources are provided: a NATS subscription carrying JSON content
// events and a filesystem watcher over the content source root. Both
// submit through the deduplicating queue.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

// pushTimeout bounds one submission triggered by a message.
const pushTimeout = 10 * time.Second

// Pusher submits index jobs. Implemented by queue.Queue.
type Pusher interface {
	Push(ctx context.Context, contentID int64, contentType string, op content.Operation) (string, error)
}

// Event is the message body published on the trigger subject.
type Event struct {
	ContentID   int64  `json:"content_id"`
	ContentType string `json:"content_type"`
	Operation   string `json:"operation"`
}

// Reply answers request-style publications.
type Reply struct {
	JobID     string `json:"job_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NATSConfig selects the subscription.
type NATSConfig struct {
	Subject string
	// Queue is the queue group; instances sharing it split the events.
	Queue string
}

// Connect dials url with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("indexd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATS subscribes to content events and pushes them to the queue.
type NATS struct {
	conn   *nats.Conn
	cfg    NATSConfig
	pusher Pusher
	sub    *nats.Subscription
	logger *zap.Logger
}

// NewNATS creates a subscriber on an established connection.
func NewNATS(nc *nats.Conn, cfg NATSConfig, p Pusher, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{conn: nc, cfg: cfg, pusher: p, logger: logger.Named("trigger.nats")}
}

// Start subscribes. Messages are handled on the connection's delivery
// goroutine, one at a time.
func (n *NATS) Start() error {
	if n.cfg.Subject == "" {
		return errors.New("nats trigger: subject is required")
	}
	var (
		sub *nats.Subscription
		err error
	)
	if n.cfg.Queue != "" {
		sub, err = n.conn.QueueSubscribe(n.cfg.Subject, n.cfg.Queue, n.handle)
	} else {
		sub, err = n.conn.Subscribe(n.cfg.Subject, n.handle)
	}
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", n.cfg.Subject, err)
	}
	n.sub = sub
	n.logger.Info("listening for content events", zap.String("subject", n.cfg.Subject), zap.String("queue", n.cfg.Queue))
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (n *NATS) Stop() error {
	if n.sub == nil {
		return nil
	}
	err := n.sub.Drain()
	n.sub = nil
	return err
}

func (n *NATS) handle(msg *nats.Msg) {
	reply := n.process(msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		n.logger.Error("encoding reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		n.logger.Warn("replying to content event", zap.Error(err))
	}
}

func (n *NATS) process(data []byte) Reply {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		n.logger.Warn("malformed content event", zap.Error(err))
		return Reply{Error: "malformed event: " + err.Error()}
	}
	if ev.Operation == "" {
		ev.Operation = string(content.OpUpdate)
	}
	op, err := content.ParseOperation(ev.Operation)
	if err != nil {
		n.logger.Warn("content event rejected", zap.Error(err))
		return Reply{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	id, err := n.pusher.Push(ctx, ev.ContentID, ev.ContentType, op)
	if err != nil {
		n.logger.Warn("content event not queued",
			zap.Int64("content_id", ev.ContentID),
			zap.String("content_type", ev.ContentType),
			zap.Error(err),
		)
		return Reply{Error: err.Error()}
	}
	n.logger.Debug("content event queued",
		zap.Int64("content_id", ev.ContentID),
		zap.String("content_type", ev.ContentType),
		zap.String("operation", string(op)),
		zap.String("job_id", id),
	)
	return Reply{JobID: id, Duplicate: id == ""}
}
