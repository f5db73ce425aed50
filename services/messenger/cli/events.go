package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
	"github.com/ramiqadoumi/go-messenger/internal/kafka"
	"github.com/ramiqadoumi/go-messenger/services/messenger/config"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect message events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print message.created events as they are published",
	RunE:  runEventsTail,
}

func init() {
	eventsTailCmd.Flags().String("group", "", "consumer group; empty reads without committing offsets")
	eventsTailCmd.Flags().Bool("from-beginning", false, "start from the oldest retained event")
	eventsCmd.AddCommand(eventsTailCmd)
}

func runEventsTail(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if len(cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka_brokers is not configured")
	}
	group, _ := cmd.Flags().GetString("group")
	fromBeginning, _ := cmd.Flags().GetBool("from-beginning")

	logger := buildLogger(cfg.LogLevel, "messenger-events")
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaTopic,
		GroupID:       group,
		FromBeginning: fromBeginning,
	}, logger)
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return consumer.Subscribe(ctx, printEvent(cmd.OutOrStdout()))
}

func printEvent(out io.Writer) kafka.EventHandler {
	enc := json.NewEncoder(out)
	return func(_ context.Context, event domain.MessageEvent) error {
		if err := enc.Encode(event); err != nil {
			fmt.Fprintln(os.Stderr, "print event:", err)
		}
		return nil
	}
}
