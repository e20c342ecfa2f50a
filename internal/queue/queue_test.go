package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stackpool/savingsd/internal/depositevent"
)

func confirmedEvent(opID uint64) depositevent.Payload {
	return depositevent.Payload{
		Version:       depositevent.Version,
		AttemptID:     "0x0101010101010101010101010101010101010101010101010101010101010101",
		Account:       "0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1",
		Pool:          "0x1111111111111111111111111111111111111111",
		Token:         "0x2222222222222222222222222222222222222222",
		Amount:        "250000000000000000000",
		OperationID:   opID,
		State:         "confirmed",
		Approved:      true,
		DepositTxHash: "0x7777777777777777777777777777777777777777777777777777777777777777",
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func newStdioEventProducer(t *testing.T, out io.Writer) *EventProducer {
	t.Helper()
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	ep, err := NewEventProducer(p, "")
	if err != nil {
		t.Fatalf("NewEventProducer: %v", err)
	}
	return ep
}

func TestEventProducer_PublishesValidatedEvent(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	ep := newStdioEventProducer(t, &out)
	if ep.Topic() != depositevent.DefaultTopic {
		t.Fatalf("topic: got %q want %q", ep.Topic(), depositevent.DefaultTopic)
	}

	want := confirmedEvent(3)
	if err := ep.Publish(context.Background(), want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := depositevent.ParsePayload(bytes.TrimSpace(out.Bytes()))
	if err != nil {
		t.Fatalf("published event does not parse: %v (raw %q)", err, out.String())
	}
	if got != want {
		t.Fatalf("event round trip: got %+v want %+v", got, want)
	}
}

func TestEventProducer_RejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	ep := newStdioEventProducer(t, &out)

	bad := confirmedEvent(1)
	bad.Version = "savings.deposit.v0"
	if err := ep.Publish(context.Background(), bad); err == nil {
		t.Fatalf("expected schema error")
	}

	bad = confirmedEvent(1)
	bad.Amount = "not-a-number"
	if err := ep.Publish(context.Background(), bad); err == nil {
		t.Fatalf("expected amount error")
	}

	if out.Len() != 0 {
		t.Fatalf("invalid event must not be published, got %q", out.String())
	}
}

func TestEventProducer_PublishRaw(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	ep := newStdioEventProducer(t, &out)

	raw := mustJSON(t, confirmedEvent(9))
	if err := ep.PublishRaw(context.Background(), raw); err != nil {
		t.Fatalf("PublishRaw: %v", err)
	}
	if got := bytes.TrimSpace(out.Bytes()); !bytes.Equal(got, raw) {
		t.Fatalf("raw event altered in flight: got %q want %q", got, raw)
	}

	out.Reset()
	if err := ep.PublishRaw(context.Background(), []byte(`{"version":"wrong.v1"}`)); err == nil {
		t.Fatalf("expected schema error")
	}
	if out.Len() != 0 {
		t.Fatalf("invalid raw event must not be published, got %q", out.String())
	}
}

func TestEventConsumer_DecodesDepositEvents(t *testing.T) {
	t.Parallel()

	first := confirmedEvent(1)
	second := confirmedEvent(2)
	second.State = "failed"
	second.FailReason = "flow: deposit transaction failed: rpc unavailable"

	var in bytes.Buffer
	in.Write(mustJSON(t, first))
	in.WriteString("\n\n") // blank records are dropped
	in.Write(mustJSON(t, second))
	in.WriteString("\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverStdio, Reader: &in})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	ec, err := NewEventConsumer(c)
	if err != nil {
		t.Fatalf("NewEventConsumer: %v", err)
	}
	defer func() { _ = ec.Close() }()

	var got []depositevent.Payload
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-ec.Events():
			if !ok {
				t.Fatalf("events channel closed early, got %d events", len(got))
			}
			got = append(got, ev.Payload)
			if err := ev.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case err := <-ec.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timeout, got %d events", len(got))
		}
	}

	if got[0] != first || got[1] != second {
		t.Fatalf("decoded events: %+v", got)
	}
}

func TestEventConsumer_MalformedRecordSurfacesError(t *testing.T) {
	t.Parallel()

	var in bytes.Buffer
	in.WriteString("not a deposit event\n")
	in.Write(mustJSON(t, confirmedEvent(4)))
	in.WriteString("\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverStdio, Reader: &in})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	ec, err := NewEventConsumer(c)
	if err != nil {
		t.Fatalf("NewEventConsumer: %v", err)
	}
	defer func() { _ = ec.Close() }()

	var decodeErr error
	var ev Event
	gotEvent := false
	evCh, errCh := ec.Events(), ec.Errors()
	deadline := time.After(2 * time.Second)
	for decodeErr == nil || !gotEvent {
		select {
		case e, ok := <-evCh:
			if !ok {
				t.Fatalf("events channel closed early")
			}
			ev, gotEvent = e, true
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			decodeErr = err
		case <-deadline:
			t.Fatalf("timeout: err=%v event=%t", decodeErr, gotEvent)
		}
	}

	if !strings.Contains(decodeErr.Error(), "deposit event") {
		t.Fatalf("decode error: %v", decodeErr)
	}
	if ev.Payload.OperationID != 4 {
		t.Fatalf("valid event after malformed record: %+v", ev.Payload)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{name: "unsupported driver", cfg: ConsumerConfig{Driver: "unknown"}},
		{name: "kafka missing brokers", cfg: ConsumerConfig{Driver: DriverKafka, Group: "g1", Topics: []string{"savings.deposits"}}},
		{name: "kafka missing group", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"savings.deposits"}}},
		{name: "kafka missing topics", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "g1"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			c, err := NewConsumer(ctx, tc.cfg)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if c != nil {
				t.Fatalf("expected nil consumer on error")
			}
		})
	}
}

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ProducerConfig
	}{
		{name: "unsupported driver", cfg: ProducerConfig{Driver: "unknown"}},
		{name: "kafka missing brokers", cfg: ProducerConfig{Driver: DriverKafka}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewProducer(tc.cfg)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if p != nil {
				t.Fatalf("expected nil producer on error")
			}
		})
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" b1:9092, ,b2:9092,")
	if len(got) != 2 || got[0] != "b1:9092" || got[1] != "b2:9092" {
		t.Fatalf("SplitCommaList: %#v", got)
	}
	if got := SplitCommaList("  "); got != nil {
		t.Fatalf("blank list: %#v", got)
	}
}

func TestKafkaTLSEnabled(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  bool
	}{
		{name: "unset", value: "", want: false},
		{name: "false", value: "false", want: false},
		{name: "zero", value: "0", want: false},
		{name: "true", value: "true", want: true},
		{name: "one", value: "1", want: true},
		{name: "yes", value: "yes", want: true},
		{name: "on", value: "on", want: true},
		{name: "case and space", value: "  TrUe  ", want: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(envKafkaTLS, tc.value)
			if got := kafkaTLSEnabled(); got != tc.want {
				t.Fatalf("kafkaTLSEnabled(%q) = %t, want %t", tc.value, got, tc.want)
			}
		})
	}
}

func TestFatalFetchError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "context canceled", err: context.Canceled, want: true},
		{name: "io eof", err: io.EOF, want: false},
		{name: "generic error", err: io.ErrClosedPipe, want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := fatalFetchError(tc.err); got != tc.want {
				t.Fatalf("fatalFetchError(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}
