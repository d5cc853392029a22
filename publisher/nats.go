package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gtfs2series.dev/ingest/model"
)

// NATSPublisher announces ingested feeds and feed messages. It
// satisfies the Notifier interface of the ingest jobs.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

func NewNATSPublisher(url string, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gtfs2series"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
				return
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

type FeedNotification struct {
	FeedID        string    `json:"feedId"`
	Tag           string    `json:"tag"`
	LastModified  time.Time `json:"lastModified"`
	TransitSystem string    `json:"transitSystem"`
	Rows          int       `json:"rows"`
}

type FeedMessageNotification struct {
	Timestamp      time.Time `json:"timestamp"`
	EntityType     string    `json:"entityType"`
	Incrementality string    `json:"incrementality"`
	Entities       int       `json:"entities"`
}

func (p *NATSPublisher) FeedIngested(ctx context.Context, feed model.Feed, rows int) error {
	return p.publish(ScheduleSubject(p.prefix, feed.TransitSystem), FeedNotification{
		FeedID:        feed.ID,
		Tag:           feed.Tag,
		LastModified:  feed.LastModified,
		TransitSystem: feed.TransitSystem,
		Rows:          rows,
	})
}

func (p *NATSPublisher) FeedMessageIngested(ctx context.Context, msg model.FeedMessage, entities int) error {
	return p.publish(RealtimeSubject(p.prefix, msg.EntityType), FeedMessageNotification{
		Timestamp:      msg.Timestamp,
		EntityType:     string(msg.EntityType),
		Incrementality: msg.Incrementality,
		Entities:       entities,
	})
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.logger.Debug("nats publish", slog.String("subject", subject))
	return p.nc.Publish(subject, b)
}

// <prefix>.schedule.<transit system>
func ScheduleSubject(prefix string, transitSystem string) string {
	return fmt.Sprintf("%s.schedule.%s", prefix, subjectToken(transitSystem))
}

// <prefix>.realtime.<entity type>
func RealtimeSubject(prefix string, entityType model.EntityType) string {
	return fmt.Sprintf("%s.realtime.%s", prefix, subjectToken(string(entityType)))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
