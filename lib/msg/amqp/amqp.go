// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/lib/msg"
)

// Exchange and queue names.
const (
	RequestExchange = "rr" // refresh requests
	UpdateExchange  = "bu" // balance updates
	RequestQueue    = "rr.portfolio"
)

var _ msg.MsgBroker = (*Amqp)(nil)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex // guards ch, publishing is done from several goroutines
	log  *zap.Logger
}

// New instantiates a new amqp broker.
func New(uri string, log *zap.Logger) (*Amqp, error) {
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("amqp: cannot dial: %w", err)
	}

	log.Info("connected to message broker")

	return &Amqp{conn: conn, log: log}, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges:
//
// - rr ("refresh requests"): clients publish refresh requests to this exchange
//
// - bu ("balance updates"): the portfolio service publishes balance updates to this exchange
func (r *Amqp) Setup(interface{}) error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	// declare exchanges
	if err = channel.ExchangeDeclare(RequestExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}

	return channel.ExchangeDeclare(UpdateExchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn("error closing amqp channel", zap.Error(err))
		}

		r.ch = nil
	}

	return r.conn.Close()
}

// channel returns the shared channel, opening it if not present. Must be called with r.mu held.
func (r *Amqp) channel() (*amqp.Channel, error) {
	if r.ch == nil {
		ch, err := r.conn.Channel()
		if err != nil {
			return nil, err
		}

		r.ch = ch
	}

	return r.ch, nil
}

func (r *Amqp) publish(exchange, key, header string, v interface{}) error {
	// marshal to JSON
	jsonDoc, err := json.Marshal(v)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channel()
	if err != nil {
		return err
	}

	return ch.Publish(exchange, key, false, false, amqp.Publishing{
		Headers:     amqp.Table{header: key},
		Body:        jsonDoc,
		ContentType: "application/json",
	})
}

// SendUpdate publishes a balance update to the "bu" exchange with routing key <chainId>.<owner>.
func (r *Amqp) SendUpdate(u msg.BalanceUpdate) error {
	key := strconv.FormatUint(u.ChainID, 10) + "." + u.Owner
	if err := r.publish(UpdateExchange, key, "x-update-name", u); err != nil {
		r.log.Warn("error sending balance update", zap.Uint64("chain", u.ChainID), zap.Error(err))

		return err
	}

	return nil
}

// SendRequest publishes a refresh request to the "rr" exchange with routing key req.<type>.
func (r *Amqp) SendRequest(req msg.RefreshReq) error {
	if err := r.publish(RequestExchange, "req."+strconv.Itoa(req.Type), "x-req-name", req); err != nil {
		r.log.Warn("error sending refresh request", zap.Int("type", req.Type), zap.Error(err))

		return err
	}

	return nil
}

// GetReqs consumes requests from the "rr" exchange pushing them to the returned channel. The Mutex pointer is provided
// to ensure the consumed message has been fully dealt with by the management function, so the message consumed is only
// acknowledged when the mutex is unlocked.
func (r *Amqp) GetReqs(mut *sync.Mutex) (<-chan msg.RefreshReq, <-chan error, error) {
	msgs, err := r.consume(RequestQueue, false, RequestExchange, "req.*", "portfolio")
	if err != nil {
		return nil, nil, err
	}

	reqs := make(chan msg.RefreshReq)
	errs := make(chan error)
	// start routine to consume messages from broker
	go func() {
		defer close(reqs)
		defer close(errs)

		for m := range msgs {
			var req msg.RefreshReq
			if err := json.Unmarshal(m.Body, &req); err != nil {
				_ = m.Nack(false, false)
				errs <- err

				continue
			}

			reqs <- req

			mut.Lock() // wait for the service to finish processing the request
			_ = m.Ack(false)
		}
	}()

	return reqs, errs, nil
}

// GetUpdates consumes balance updates from the "bu" exchange on a private queue. Acknowledgement works as in GetReqs.
func (r *Amqp) GetUpdates(mut *sync.Mutex) (<-chan msg.BalanceUpdate, <-chan error, error) {
	msgs, err := r.consume("", true, UpdateExchange, "#", "")
	if err != nil {
		return nil, nil, err
	}

	ups := make(chan msg.BalanceUpdate)
	errs := make(chan error)

	go func() {
		defer close(ups)
		defer close(errs)

		for m := range msgs {
			var u msg.BalanceUpdate
			if err := json.Unmarshal(m.Body, &u); err != nil {
				_ = m.Nack(false, false)
				errs <- err

				continue
			}

			ups <- u

			mut.Lock() // wait for the client to finish processing the update
			_ = m.Ack(false)
		}
	}()

	return ups, errs, nil
}

// consume declares queue (a private server named one if exclusive), binds it to exchange and starts consuming.
func (r *Amqp) consume(queue string, exclusive bool, exchange, key, consumer string) (<-chan amqp.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channel()
	if err != nil {
		return nil, err
	}
	// declare queue
	q, err := ch.QueueDeclare(queue, !exclusive, exclusive, exclusive, false, nil)
	if err != nil {
		return nil, err
	}
	// bind queue to exchange
	if err = ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
		return nil, err
	}

	return ch.Consume(q.Name, consumer, false, exclusive, false, false, nil)
}
