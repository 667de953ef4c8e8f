/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ridged/authd/config"
	"github.com/ridged/authd/internal/events"
	"github.com/ridged/authd/internal/logging"
	"github.com/ridged/authd/internal/mq"
	"github.com/ridged/authd/internal/storage"
	"github.com/spf13/cobra"
)

// archiverCmd copies account activity events into object storage.
var archiverCmd = &cobra.Command{
	Use:   "archiver",
	Short: "Archives account activity events to object storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		log := logging.New(cfg.Log, os.Stdout)
		ctx := cmd.Context()

		backend, err := mq.Open(ctx, cfg)
		if err != nil {
			return err
		}
		if backend == nil {
			return errors.New("archiver needs MQ_BACKEND to be rabbitmq or pubsub")
		}
		defer backend.Close()

		objects, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}

		err = events.NewArchiver(objects, log).Run(ctx, backend, cfg.Events.ActivityChannel)
		if errors.Is(err, context.Canceled) {
			log.Info(context.Background(), "archiver stopped")
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(archiverCmd)
}
