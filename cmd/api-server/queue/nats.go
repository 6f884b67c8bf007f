// Package queue publishes service events on NATS.
package queue

import (
	"sync"

	nats "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

func init() {
	logger = logrus.WithField("package", "queue")
}

// publisher is the part of a NATS connection the queue uses.
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATS sends messages to a NATS server.
type NATS struct {
	conn publisher

	wg    sync.WaitGroup
	mu    sync.Mutex
	sends []chan []byte
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string) (*NATS, error) {
	logger.WithField("url", url).Debug("connecting to NATS")

	conn, err := nats.Connect(url,
		nats.Name("composer-api-server"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	return &NATS{conn: conn}, nil
}

// SenderOn returns a channel whose messages are published on subj.
// The channel stays open until Close.
func (q *NATS) SenderOn(subj string) chan<- []byte {
	send := make(chan []byte)

	q.mu.Lock()
	q.sends = append(q.sends, send)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		logger := logger.WithField("subject", subj)
		for msg := range send {
			logger.Debug("publishing message")

			if err := q.conn.Publish(subj, msg); err != nil {
				logger.WithError(err).Error("unable to publish message")
			}
		}
	}()

	return send
}

// Close stops every sender and drains the connection so messages that
// were already published still go out.
func (q *NATS) Close() error {
	q.mu.Lock()
	for _, send := range q.sends {
		close(send)
	}
	q.sends = nil
	q.mu.Unlock()

	q.wg.Wait()
	return q.conn.Drain()
}
