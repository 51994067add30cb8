package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"creative-job-scheduler/internal/scheduler"
)

const publishTimeout = 5 * time.Second

var errBadMessage = errors.New("malformed trigger message")

// declare sets up the trigger queue and its dead-letter queue. Publisher and
// Consumer both call it so either side can start first.
func declare(ch *amqp.Channel, queue string) error {
	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}
	// Rejected triggers (nack without requeue) land in the DLQ.
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

func encode(t scheduler.Trigger) (amqp.Publishing, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return amqp.Publishing{}, err
	}
	priority := t.Priority
	if priority < 0 {
		priority = 0
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    t.ID,
		Priority:     uint8(priority),
		Body:         body,
		Timestamp:    t.EnqueuedAt,
	}, nil
}

func decode(body []byte) (scheduler.Trigger, error) {
	var t scheduler.Trigger
	if err := json.Unmarshal(body, &t); err != nil {
		return t, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	if t.ID == "" {
		return t, fmt.Errorf("%w: missing id", errBadMessage)
	}
	return t, nil
}

// Publisher submits triggers to a durable RabbitMQ queue using publisher
// confirms, so Submit returns only after the broker has taken the message.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu sync.Mutex
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declare(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Submit publishes t and waits for the broker confirm.
func (p *Publisher) Submit(ctx context.Context, t scheduler.Trigger) error {
	msg, err := encode(t)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(cctx, "", p.queue, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(cctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return scheduler.ErrHandoffTimeout
		}
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked trigger %s", t.ID)
	}
	return nil
}

// Consumer feeds deliveries to a fixed pool of goroutines, each running one
// ProcessNext per trigger. Prefetch equals the pool size.
type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	proc        scheduler.Processor
	concurrency int
	log         zerolog.Logger
}

func NewConsumer(url, queue string, proc scheduler.Processor, concurrency int, log zerolog.Logger) (*Consumer, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declare(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	return &Consumer{
		conn:        conn,
		ch:          ch,
		queue:       queue,
		proc:        proc,
		concurrency: concurrency,
		log:         log.With().Str("component", "rabbitmq_consumer").Logger(),
	}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	deliveries := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(id int) {
			defer wg.Done()
			for d := range deliveries {
				c.handle(ctx, id, d)
			}
		}(i)
	}
	defer func() {
		close(deliveries)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			deliveries <- d
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	t, err := decode(d.Body)
	if err != nil {
		c.log.Warn().Err(err).Int("worker", workerID).Msg("dropping trigger")
		_ = d.Nack(false, false)
		return
	}
	out, err := c.proc.ProcessNext(ctx)
	if err != nil {
		c.log.Error().Err(err).Int("worker", workerID).Str("trigger_id", t.ID).Msg("process next")
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Warn().Err(err).Str("trigger_id", t.ID).Msg("ack failed")
	}
	if out.Processed {
		c.log.Debug().Int("worker", workerID).Str("job_id", out.JobID).Str("status", string(out.Status)).Msg("trigger handled")
	}
}
