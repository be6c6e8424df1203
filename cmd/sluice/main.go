// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"
	"storj.io/sluice/sluice"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/spool"
)

var (
	rootCmd = &cobra.Command{
		Use:   "sluice",
		Short: "Telemetry ingestion pipeline",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the sluice peer",
		RunE:  cmdRun,
	}
	cycleCmd = &cobra.Command{
		Use:   "cycle",
		Short: "Run a single processing cycle and print the outcome",
		RunE:  cmdCycle,
	}
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Run a single recovery sweep and print the result",
		RunE:  cmdRecover,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the ledger, spool and cutover state",
		RunE:  cmdStatus,
	}
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Probe the external dependencies and print the result",
		RunE:  cmdHealth,
	}
	diagCmd = &cobra.Command{
		Use:   "diag",
		Short: "Print the spool contents without touching the external services",
		RunE:  cmdDiag,
	}

	confDir string

	runCfg   sluice.Config
	setupCfg sluice.Config
)

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("sluice configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	peer, err := sluice.NewPeer(ctx, log, runCfg, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdCycle(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	peer, err := sluice.NewPeer(ctx, log, runCfg, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	result, runErr := peer.Cutover.Controller.RunCycle(ctx)
	if result != nil {
		if err := printJSON(result); err != nil {
			return errs.Combine(runErr, err)
		}
	}
	return runErr
}

func cmdRecover(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	peer, err := sluice.NewPeer(ctx, log, runCfg, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	result, runErr := peer.Recovery.Sweeper.RunOnce(ctx)
	if err := printJSON(result); err != nil {
		return errs.Combine(runErr, err)
	}
	return runErr
}

func cmdStatus(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	peer, err := sluice.NewPeer(ctx, log, runCfg, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	return printJSON(peer.Snapshot(ctx))
}

func cmdHealth(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	peer, err := sluice.NewPeer(ctx, log, runCfg, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	health := peer.Health(ctx)
	if err := printJSON(health); err != nil {
		return err
	}
	if health.Status != sluice.StatusHealthy {
		return errs.New("status is %s", health.Status)
	}
	return nil
}

func cmdDiag(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	spoolStore, err := spool.New(log.Named("spool"), runCfg.Spool)
	if err != nil {
		return err
	}
	entries, err := spoolStore.All(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	defer func() { err = errs.Combine(err, w.Flush()) }()

	fmt.Fprintln(w, "ID\tSTREAM\tSTATE\tRECORDS\tRETRIES\tCREATED\t")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t\n",
			entry.ID,
			entry.Stream,
			entry.State,
			len(entry.Records),
			entry.RetryCount,
			entry.MaxRetries,
			entry.CreatedAt.Format(time.RFC3339),
		)
	}

	snap := ledger.New(log.Named("ledger"), runCfg.Ledger).Snapshot()
	fmt.Fprintln(w, "\t\t\t\t\t\t")
	fmt.Fprintf(w, "cycles\t%d\t\t\t\t\t\n", snap.Cycles)
	fmt.Fprintf(w, "cycle failures\t%d\t\t\t\t\t\n", snap.CycleFailures)
	fmt.Fprintf(w, "records\t%d\t\t\t\t\t\n", snap.TotalRecords)
	fmt.Fprintf(w, "spool added\t%d\t\t\t\t\t\n", snap.SpoolAdded)
	fmt.Fprintf(w, "spool replayed\t%d\t\t\t\t\t\n", snap.SpoolReplayed)
	fmt.Fprintf(w, "spool exhausted\t%d\t\t\t\t\t\n", snap.SpoolExhausted)
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(err)
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	defaultConfDir := fpath.ApplicationDir("sluice")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for sluice configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(diagCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(cycleCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(recoverCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(statusCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(healthCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(diagCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func main() {
	logger, _, _ := process.NewLogger("sluice")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
