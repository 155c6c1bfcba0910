// Package queue 把 Hub 发布的事件异步导出到 RabbitMQ 的 topic exchange，
// 供离线推送、审计等下游消费。导出失败只记日志，不影响实时投递。
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chatcore/internal/events"
	"chatcore/internal/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const (
	defaultBuffer  = 1024
	publishTimeout = 5 * time.Second
)

// Envelope 是写入 broker 的消息体。
type Envelope struct {
	Room string    `json:"room"`
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// PublishFunc 把一条消息按 routing key 发出去。
type PublishFunc func(ctx context.Context, routingKey string, body []byte) error

// Exporter 用一个后台 worker 串行发布；队列满时直接丢弃新事件。
type Exporter struct {
	publish PublishFunc
	queue   chan Envelope
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func New(publish PublishFunc, buffer int) *Exporter {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	e := &Exporter{
		publish: publish,
		queue:   make(chan Envelope, buffer),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Dial 连接 broker 并声明 durable 的 topic exchange，返回的 closer 关闭底层连接。
func Dial(url, exchange string) (PublishFunc, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		amqp.ExchangeTopic,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	publish := func(ctx context.Context, key string, body []byte) error {
		return ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	}
	closer := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return publish, closer, nil
}

// Tap 满足 ws.Tap 的签名，挂到 Hub 上即可导出所有事件。
func (e *Exporter) Tap(room string, evt events.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- Envelope{Room: room, Type: evt.Type, Data: evt.Data, At: time.Now().UTC()}:
	default:
		metrics.EventsExported.WithLabelValues("dropped").Inc()
	}
}

func (e *Exporter) run() {
	defer close(e.done)
	for env := range e.queue {
		body, err := json.Marshal(env)
		if err != nil {
			metrics.EventsExported.WithLabelValues("error").Inc()
			log.Error().Err(err).Str("type", env.Type).Msg("export marshal")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = e.publish(ctx, env.Type, body)
		cancel()
		if err != nil {
			metrics.EventsExported.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("type", env.Type).Str("room", env.Room).Msg("export publish")
			continue
		}
		metrics.EventsExported.WithLabelValues("ok").Inc()
	}
}

// Close 停止接收新事件，并等待已排队的事件发布完。
func (e *Exporter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	<-e.done
}
