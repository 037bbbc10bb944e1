package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/coalesce-ai/coalesce/pkg/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStack(configPath)
			if err != nil {
				return err
			}
			defer st.close()

			srv := server.New(st.cfg, st.gateway, st.registry)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Printf("starting coalesce with config: %s", configPath)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "coalesce.yaml", "path to config file")
	return cmd
}
