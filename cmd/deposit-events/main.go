// deposit-events tails the deposit event topic and prints one line per
// attempt, for operators watching a savingsd instance.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stackpool/savingsd/internal/depositevent"
	"github.com/stackpool/savingsd/internal/queue"
)

func main() {
	var (
		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup   = flag.String("queue-group", "deposit-events", "queue consumer group (required for kafka)")
		topic        = flag.String("deposit-event-topic", depositevent.DefaultTopic, "queue topic for deposit events")
		maxLineBytes = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		ackTimeout   = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")
		rawOutput    = flag.Bool("raw", false, "print raw payload JSON instead of one summary line per event")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *maxLineBytes <= 0 || *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-line-bytes and --queue-ack-timeout must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:       *queueDriver,
		Brokers:      queue.SplitCommaList(*queueBrokers),
		Group:        *queueGroup,
		Topics:       []string{*topic},
		MaxLineBytes: *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	events, err := queue.NewEventConsumer(consumer)
	if err != nil {
		log.Error("init deposit event consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = events.Close() }()

	evCh := events.Events()
	errCh := events.Errors()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			if *rawOutput {
				raw, err := json.Marshal(ev.Payload)
				if err != nil {
					log.Error("encode deposit event", "err", err)
					continue
				}
				fmt.Println(string(raw))
			} else {
				p := ev.Payload
				fmt.Printf("%s state=%s amount=%s account=%s op=%d approved=%t\n",
					p.AttemptID, p.State, p.Amount, p.Account, p.OperationID, p.Approved)
			}
			ack(ev, *ackTimeout, log)
		}
	}
}

func ack(ev queue.Event, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ev.Ack(ctx); err != nil {
		log.Error("ack deposit event", "topic", ev.Topic, "err", err)
	}
}
