// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"
	"storj.io/muse/muse"
	"storj.io/muse/muse/musedb"
	"storj.io/muse/muse/uploadstream"
)

var (
	rootCmd = &cobra.Command{
		Use:   "muse",
		Short: "Genomic analysis submission gateway",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the muse server",
		RunE:  cmdRun,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the uploads database to the latest version",
		RunE:  cmdMigrate,
	}
	confDir string

	runCfg   muse.Config
	setupCfg muse.Config
)

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("muse configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	if setupCfg.DatabaseURL == "" {
		return fmt.Errorf("DatabaseURL is required")
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := musedb.Open(ctx, log.Named("db"), runCfg.DatabaseURL, musedb.Options{
		ApplicationName: "muse",
		Channel:         runCfg.Stream.Channel,
	})
	if err != nil {
		return errs.New("Error creating uploads database connection: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	err = db.CheckVersion(ctx)
	if err != nil {
		return errs.New("failed uploads database version check: %+v", err)
	}

	listener, err := uploadstream.Open(ctx, log.Named("stream:listener"), runCfg.DatabaseURL, runCfg.Stream.Channel)
	if err != nil {
		return errs.New("Error creating notification listener: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, listener.Close())
	}()

	peer, err := muse.New(log, db, listener, &runCfg)
	if err != nil {
		return errs.New("Error creating muse peer: %+v", err)
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := musedb.Open(ctx, log.Named("migration"), runCfg.DatabaseURL, musedb.Options{
		ApplicationName: "muse-migration",
		Channel:         runCfg.Stream.Channel,
	})
	if err != nil {
		return errs.New("Error creating uploads database connection: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	err = db.MigrateToLatest(ctx)
	if err != nil {
		return errs.New("Error creating tables for uploads database: %+v", err)
	}
	return nil
}

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "muse")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for muse configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	runCmd.AddCommand(migrateCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(migrateCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func main() {
	logger, _, _ := process.NewLogger("muse")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
