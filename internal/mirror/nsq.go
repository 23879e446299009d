package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nsqio/go-nsq"
	"github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/types"
)

type nsqProducer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQ publishes each position as GeoJSON to an nsqd topic.
type NSQ struct {
	producer nsqProducer
	topic    string
}

// slogOutput routes go-nsq's internal log lines to slog at debug level.
type slogOutput struct{}

func (slogOutput) Output(_ int, s string) error {
	slog.Debug(strings.TrimSpace(s), "component", "nsq")
	return nil
}

// NewNSQ connects a producer to the nsqd at address.
func NewNSQ(address, topic string) (*NSQ, error) {
	producer, err := nsq.NewProducer(address, nsq.NewConfig())
	if err != nil {
		return nil, errors.Wrap(err, "nsq producer")
	}
	producer.SetLogger(slogOutput{}, nsq.LogLevelWarning)
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, errors.Wrapf(err, "nsqd %s", address)
	}
	return &NSQ{producer: producer, topic: topic}, nil
}

func (n *NSQ) Name() string { return "nsq" }

func (n *NSQ) Send(_ context.Context, f types.Feature) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return n.producer.Publish(n.topic, body)
}

func (n *NSQ) Close() error {
	n.producer.Stop()
	return nil
}
