// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

// greenroom-sync runs the subscription lifecycle synchronizer against the
// payment provider on a fixed interval.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/greenroomhq/greenroom/payments/paymentsdb"
	"github.com/greenroomhq/greenroom/payments/stripeconnect"
	"github.com/greenroomhq/greenroom/payments/subsync"
)

// Config is the runtime configuration of the sync binary.
type Config struct {
	DatabaseDSN string               `mapstructure:"database_dsn"`
	Payments    stripeconnect.Config `mapstructure:"payments"`
	Sync        subsync.Config       `mapstructure:"sync"`
}

var (
	rootCmd = &cobra.Command{
		Use:   "greenroom-sync",
		Short: "Greenroom subscription synchronizer",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the subscription sync chore",
		RunE:  cmdRun,
	}

	configFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "greenroom-sync.yaml", "path to configuration file")
	rootCmd.AddCommand(runCmd)
}

func loadConfig() (Config, error) {
	vip := viper.New()
	vip.SetConfigFile(configFile)
	vip.SetEnvPrefix("GREENROOM")
	vip.AutomaticEnv()

	vip.SetDefault("payments.creatorsharepercent", 70)
	vip.SetDefault("payments.providertimeout", "30s")
	vip.SetDefault("payments.listinglimit", 100)
	vip.SetDefault("sync.enabled", true)
	vip.SetDefault("sync.interval", time.Hour)

	if err := vip.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, errs.Wrap(err)
		}
	}

	var config Config
	if err := vip.Unmarshal(&config); err != nil {
		return Config{}, errs.Wrap(err)
	}
	return config, nil
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	log, err := zap.NewProduction()
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	config, err := loadConfig()
	if err != nil {
		return err
	}
	if config.Payments.SecretKey == "" {
		return errs.New("payments.secretkey is required")
	}
	if config.DatabaseDSN == "" {
		return errs.New("database_dsn is required")
	}

	db, err := paymentsdb.Open(config.DatabaseDSN)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	client := stripeconnect.NewClient(log.Named("stripe"), config.Payments)
	service, err := stripeconnect.NewService(log.Named("payments"), client, config.Payments, db)
	if err != nil {
		return err
	}

	chore := subsync.NewChore(log.Named("subsync"), service, config.Sync)
	defer func() { err = errs.Combine(err, chore.Close()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting subscription sync",
		zap.Duration("interval", config.Sync.Interval),
		zap.Bool("enabled", config.Sync.Enabled),
	)
	if err := chore.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
