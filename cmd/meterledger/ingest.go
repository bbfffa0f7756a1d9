package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/meter-ledger/ingest"
	"github.com/warp/meter-ledger/ledger"
	"github.com/warp/meter-ledger/metrics"
)

func ingestCmd(flags *globalFlags) *cobra.Command {
	var broker, topic string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Stage readings published over MQTT",
		Long: `Subscribes to mqtt.topic and submits every message as a draft. The
same session gate applies as for the HTTP API: nothing is staged while
no session is open.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if broker != "" {
				a.cfg.MQTT.Broker = broker
			}
			if topic != "" {
				a.cfg.MQTT.Topic = topic
			}

			metrics.Register()
			reconciler := ledger.NewReconciler(a.store, ledger.SystemClock{Location: a.cfg.Location}, a.cfg.Anomaly, a.log)
			handler := ingest.NewHandler(reconciler, a.log)
			sub := ingest.NewSubscriber(a.cfg.MQTT, handler, a.log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return sub.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&broker, "broker", "", "Broker URL (overrides mqtt.broker)")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic (overrides mqtt.topic)")
	return cmd
}
