// eventbusctl is the operator CLI for the event bus: inspecting and
// replaying dead-lettered events.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	natsbroker "github.com/partnerforge/lib-eventbus/eventbus/broker/nats"
	"github.com/partnerforge/lib-eventbus/eventbus/broker/rabbitmq"
	"github.com/partnerforge/lib-eventbus/eventbus/postgres"
)

var (
	dsn       string
	brokerURL string
)

func defaultDSN() string {
	return os.Getenv("EVENTBUS_POSTGRES_DSN")
}

func defaultBrokerURL() string {
	return os.Getenv("EVENTBUS_BROKER_URL")
}

var rootCmd = &cobra.Command{
	Use:           "eventbusctl <command>",
	Short:         "Operator tooling for the event bus",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", defaultDSN(),
		"postgres connection string (defaults to EVENTBUS_POSTGRES_DSN)")
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker-url", defaultBrokerURL(),
		"broker url, nats:// or amqp:// (defaults to EVENTBUS_BROKER_URL)")

	rootCmd.AddCommand(dlqCmd)
}

func openDatabase(ctx context.Context) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("no postgres dsn: pass --dsn or set EVENTBUS_POSTGRES_DSN")
	}

	return postgres.Open(ctx, dsn)
}

// openBroker picks the transport from the URL scheme.
func openBroker() (broker.Client, func(), error) {
	switch {
	case strings.HasPrefix(brokerURL, "nats://"), strings.HasPrefix(brokerURL, "tls://"):
		client, err := natsbroker.Connect(brokerURL)
		if err != nil {
			return nil, nil, err
		}

		return client, func() { _ = client.Close() }, nil

	case strings.HasPrefix(brokerURL, "amqp://"), strings.HasPrefix(brokerURL, "amqps://"):
		conn, err := amqp.Dial(brokerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dialing rabbitmq: %w", err)
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()

			return nil, nil, fmt.Errorf("opening rabbitmq channel: %w", err)
		}

		client, err := rabbitmq.NewClient(ch)
		if err != nil {
			_ = conn.Close()

			return nil, nil, err
		}

		return client, func() {
			_ = client.Close()
			_ = conn.Close()
		}, nil

	case strings.TrimSpace(brokerURL) == "":
		return nil, nil, fmt.Errorf("no broker url: pass --broker-url or set EVENTBUS_BROKER_URL")

	default:
		return nil, nil, fmt.Errorf("unsupported broker url %q: expected nats:// or amqp://", brokerURL)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
