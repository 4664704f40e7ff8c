package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natspkg "github.com/brojonat/vitrine/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams transaction lifecycle events from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Stream transaction lifecycle events",
		ArgsUsage: "[event_type]",
		Description: `Subscribe to lifecycle events published to NATS JetStream.

Events are published to the subject txns.{event_type}, e.g. txns.payment_confirmed.
Without an event type every event is streamed.

Example:
  vitrine nats subscribe completed --json
  vitrine nats subscribe --all --limit 20
  vitrine nats subscribe --must-jq '.seller_id == "seller-1"'`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "vitrine-cli",
			},
			&cli.StringFlag{
				Name:  "transaction",
				Usage: "Only show events for this transaction id",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay the stream from the beginning instead of only new events",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Exit after printing this many events (0 streams forever)",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "Only show events for which this jq expression is truthy (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("at most one argument: event type")
			}

			subject := natspkg.StreamSubjects
			if c.NArg() == 1 {
				subject = "txns." + c.Args().First()
			}

			filters := c.StringSlice("must-jq")
			if id := c.String("transaction"); id != "" {
				filters = append(filters, fmt.Sprintf(".transaction_id == %q", id))
			}
			codes := make([]*gojq.Code, 0, len(filters))
			for _, f := range filters {
				code, err := compileJQ(f)
				if err != nil {
					return err
				}
				codes = append(codes, code)
			}

			return streamEvents(c, subject, codes)
		},
	}
}

func connectJetStream(natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL, nats.Name("vitrine-cli"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// streamEvents prints matching events until interrupted or --limit is hit.
func streamEvents(c *cli.Context, subject string, codes []*gojq.Code) error {
	nc, js, err := connectJetStream(c.String("nats-url"))
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if c.Bool("all") {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	if c.Bool("durable") {
		cfg.Durable = c.String("consumer-name")
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	it, err := cons.Messages()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	go func() {
		<-ctx.Done()
		it.Stop()
	}()

	jsonOutput := jsonMode(c)
	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "📡 %s on %s (Ctrl-C to exit)\n\n", subject, c.String("nats-url"))
	}

	limit := c.Int("limit")
	shown := 0
	for limit <= 0 || shown < limit {
		msg, err := it.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				break
			}
			return fmt.Errorf("failed to read event: %w", err)
		}
		ok, err := printEvent(stdout, msg.Data(), codes, jsonOutput, shown+1)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed event on %s: %v\n", msg.Subject(), err)
		}
		if ok {
			shown++
		}
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("failed to ack event: %w", err)
		}
	}

	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "\n✅ %d events\n", shown)
	}
	return nil
}

// printEvent decodes one published event and prints it if it passes every
// filter. It reports whether the event was printed.
func printEvent(out io.Writer, data []byte, codes []*gojq.Code, jsonOutput bool, n int) (bool, error) {
	var event natspkg.TransactionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return false, err
	}
	if len(codes) > 0 && !matchesJQ(codes, event) {
		return false, nil
	}

	if jsonOutput {
		line, err := json.Marshal(event)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, string(line))
		return true, nil
	}

	fmt.Fprintf(out, "#%d  %s  %-18s %s\n", n, event.OccurredAt.Format(time.RFC3339), event.Type, event.TransactionID)
	fmt.Fprintf(out, "    listing=%s buyer=%s seller=%s status=%s\n",
		event.ListingID, event.BuyerID, event.SellerID, event.Status)
	payment := ""
	if event.PaymentID != nil {
		payment = " payment=" + *event.PaymentID
	}
	fmt.Fprintf(out, "    amount=%s %s%s\n", event.Amount.StringFixed(2), event.PaymentMethod, payment)
	if event.Message != "" {
		fmt.Fprintf(out, "    %s\n", event.Message)
	}
	return true, nil
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the TRANSACTIONS JetStream stream",
		Action: func(c *cli.Context) error {
			nc, js, err := connectJetStream(c.String("nats-url"))
			if err != nil {
				return err
			}
			defer nc.Close()

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if jsonMode(c) {
				return output(c, info)
			}
			w := newTable()
			fmt.Fprintf(w, "Stream:\t%s\n", info.Config.Name)
			fmt.Fprintf(w, "Description:\t%s\n", info.Config.Description)
			fmt.Fprintf(w, "Subjects:\t%s\n", strings.Join(info.Config.Subjects, ", "))
			fmt.Fprintf(w, "Messages:\t%d (%d bytes)\n", info.State.Msgs, info.State.Bytes)
			fmt.Fprintf(w, "Sequence:\t%d..%d\n", info.State.FirstSeq, info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:\t%d\n", info.State.Consumers)
			fmt.Fprintf(w, "Retention:\t%s, max age %s\n", info.Config.Storage, info.Config.MaxAge)
			fmt.Fprintf(w, "Dedup Window:\t%s\n", info.Config.Duplicates)
			return w.Flush()
		},
	}
}
