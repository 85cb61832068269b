package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/elys-network/avr/internal/config"
	"github.com/elys-network/avr/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the decision loop and the operator API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info().Msg("AVR Core Logic Starting...")
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		log.Info().Msg("AVR manager created successfully")

		if config.OperatorAPIToken == "" {
			log.Warn().Msg("OPERATOR_API_TOKEN is not set, operator routes of the web API are disabled")
		}
		webServer := web.NewWebServer(config.WebPort, a.manager, a.metrics, config.OperatorAPIToken)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting AVR operator API")
			return webServer.Start(gctx)
		})
		g.Go(func() error {
			// --- 4. Start AVR Main Loop ---
			a.manager.RunLoop(gctx, config.LoopInterval, config.RetryDelay)
			return nil
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("AVR stopped with an error")
			return err
		}
		log.Info().Msg("AVR stopped")
		return nil
	},
}
