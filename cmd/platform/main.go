package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/motech/platform/internal/shared/config"
	"github.com/motech/platform/internal/shared/database"
	"github.com/motech/platform/internal/shared/events"
	"github.com/motech/platform/internal/shared/logging"
	"github.com/motech/platform/internal/sms"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "platform",
		Short:        "MOTECH platform server and tools",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configLocationCmd())
	rootCmd.AddCommand(smsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log, cfg.Server.Env), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, schedulers and event listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := database.New(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.Migrate(ctx, db.Pool, logger)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("Database is up to date")
			}
			for _, name := range applied {
				fmt.Printf("Applied %s\n", name)
			}
			return nil
		},
	}
}

func configLocationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config-location",
		Short: "Manage the directories searched for configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List config locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := config.NewLocationFileStore(cfg.ConfigLocation.File, logger)
			if err != nil {
				return err
			}
			for _, loc := range store.GetAll() {
				fmt.Println(loc.Path())
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <dir>",
		Short: "Append a config location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := config.NewLocationFileStore(cfg.ConfigLocation.File, logger)
			if err != nil {
				return err
			}
			return store.Add(args[0])
		},
	})

	return cmd
}

func smsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sms",
		Short: "SMS tools",
	}

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Publish an SMS send event",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipients, _ := cmd.Flags().GetStringSlice("to")
			message, _ := cmd.Flags().GetString("message")

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			event := events.NewEvent(sms.SubjectSendSMS, "cli", map[string]any{
				sms.ParamRecipients: recipients,
				sms.ParamMessage:    message,
			})
			if _, _, err := sms.MessageFromEvent(event); err != nil {
				return err
			}

			// A memory bus has no listener in another process, so deliver here.
			if cfg.Events.Transport == "memory" {
				locations, err := config.NewLocationFileStore(cfg.ConfigLocation.File, logger)
				if err != nil {
					return err
				}
				templates := sms.NewTemplateReader(locations.Resolve(cfg.SMS.TemplateFile))
				sender := sms.NewSendHandler(templates, nil, logger)
				return sender.Send(ctx, recipients, message)
			}

			bus, err := events.NewEventBus(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer bus.Close()
			if err := bus.Publish(ctx, event); err != nil {
				return err
			}
			fmt.Printf("Published %s\n", event.ID)
			return nil
		},
	}
	sendCmd.Flags().StringSlice("to", nil, "Recipient numbers, comma separated")
	sendCmd.Flags().String("message", "", "Message text")
	cmd.AddCommand(sendCmd)

	return cmd
}
