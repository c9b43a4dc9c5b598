package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/digimosa/shop-patrol/internal/models"
	"github.com/digimosa/shop-patrol/internal/patrol"
	"github.com/digimosa/shop-patrol/internal/reporting"
	"github.com/digimosa/shop-patrol/internal/server"
	"github.com/digimosa/shop-patrol/internal/storage"
	"github.com/digimosa/shop-patrol/internal/targets"
)

var (
	exportFormat string
	exportOut    string
	riskOnly     bool
	listLimit    int
	listMode     string
)

func registerCommands(root *cobra.Command) {
	inspectCmd := &cobra.Command{
		Use:   "inspect <target>",
		Short: "Probe page 1 of a shop and show its size",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runInspect),
	}
	runCmd := &cobra.Command{
		Use:   "run <target>",
		Short: "Patrol one shop (Ctrl+C pauses and saves the run)",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runSingle),
	}
	resumeCmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a paused or interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runResume),
	}
	fleetCmd := &cobra.Command{
		Use:   "fleet <targets-file>",
		Short: "Patrol every shop listed in a .txt/.csv/.yaml/.xlsx file",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runFleet),
	}
	retryCmd := &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Re-classify the ERROR items of a single-shop run",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runRetry),
	}
	retryTargetCmd := &cobra.Command{
		Use:   "retry-target <run-id> <index>",
		Short: "Reset a failed fleet target to WAITING and resume the run",
		Args:  cobra.ExactArgs(2),
		RunE:  withApp(runRetryTarget),
	}
	exportCmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Export a run as csv, xlsx, pdf, json or html",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runExport),
	}
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "csv|xlsx|pdf|json|html")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output file (default patrol_<run-id>.<format>)")
	exportCmd.Flags().BoolVar(&riskOnly, "risk-only", false, "Only export items above NONE/LOW")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  withApp(runList),
	}
	runsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum runs to show")
	runsCmd.Flags().StringVar(&listMode, "mode", "", "single|fleet")

	testKeyCmd := &cobra.Command{
		Use:   "test-key",
		Short: "Check every classification credential against the oracle",
		Args:  cobra.NoArgs,
		RunE:  withApp(runTestKeys),
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP console",
		Args:  cobra.NoArgs,
		RunE:  withApp(runServe),
	}

	root.AddCommand(inspectCmd, runCmd, resumeCmd, fleetCmd, retryCmd, retryTargetCmd,
		exportCmd, runsCmd, testKeyCmd, serveCmd)
}

func runInspect(cmd *cobra.Command, a *app, args []string) error {
	single, err := a.newSingle()
	if err != nil {
		return err
	}
	probe, err := single.Inspect(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Shop:     %s\n", probe.ShopCode)
	fmt.Printf("Products: %d (%d pages)\n", probe.TotalCount, probe.PageCount)
	fmt.Printf("Batch:    %d concurrent calls\n", single.BatchSize())
	for _, p := range probe.Sample {
		fmt.Printf("  - %s\n", p.Name)
	}
	return nil
}

func runSingle(cmd *cobra.Command, a *app, args []string) error {
	single, err := a.newSingle()
	if err != nil {
		return err
	}
	probe, err := single.Inspect(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Patrolling %s: %d products\n", probe.ShopCode, probe.TotalCount)
	return startSingle(cmd, single)
}

func startSingle(cmd *cobra.Command, single *patrol.Single) error {
	start := time.Now()
	done := watchProgress(single.Progress)
	err := single.Start(cmd.Context())
	close(done)
	if err != nil {
		return err
	}
	printOutcome(single.Progress(), reporting.Summarize(single.Items()), time.Since(start))
	return nil
}

func runResume(cmd *cobra.Command, a *app, args []string) error {
	run, err := a.store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if run.Mode == models.ModeFleet {
		fleet, err := a.newFleet()
		if err != nil {
			return err
		}
		return runFleetLeg(cmd, a, fleet, func() error { return fleet.Resume(cmd.Context(), run.ID) })
	}

	single, err := a.newSingle()
	if err != nil {
		return err
	}
	if err := single.Load(cmd.Context(), run.ID); err != nil {
		return err
	}
	if single.State() == patrol.StateCompleted {
		fmt.Printf("Run %s is already complete; use 'retry' to re-check failed items.\n", run.ID)
		return nil
	}
	return startSingle(cmd, single)
}

func runFleet(cmd *cobra.Command, a *app, args []string) error {
	list, err := targets.Load(args[0])
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return fmt.Errorf("no targets in %s", args[0])
	}
	fleet, err := a.newFleet()
	if err != nil {
		return err
	}
	fmt.Printf("Fleet patrol over %d shops\n", len(list))
	return runFleetLeg(cmd, a, fleet, func() error {
		_, err := fleet.Run(cmd.Context(), list)
		return err
	})
}

func runFleetLeg(cmd *cobra.Command, a *app, fleet *patrol.Fleet, leg func() error) error {
	start := time.Now()
	done := watchProgress(fleet.Progress)
	err := leg()
	close(done)
	if err != nil {
		return err
	}
	p := fleet.Progress()
	run, err := a.store.Get(cmd.Context(), p.RunID)
	if err != nil {
		fmt.Printf("Run was not persisted; %d items held in memory\n", len(fleet.Items()))
		printOutcome(p, fleet.Summary(), time.Since(start))
		return nil
	}
	for i, t := range run.Targets {
		line := fmt.Sprintf("  %2d. [%-10s] %s  processed=%d kept=%d", i, t.Status, t.URL, t.Processed, t.ItemCount)
		if t.Error != "" {
			line += "  error=" + t.Error
		}
		fmt.Println(line)
	}
	printOutcome(p, run.Summary, time.Since(start))
	return nil
}

func runRetry(cmd *cobra.Command, a *app, args []string) error {
	single, err := a.newSingle()
	if err != nil {
		return err
	}
	if err := single.Load(cmd.Context(), args[0]); err != nil {
		return err
	}
	before := len(single.Aggregator().FailedIndexes())
	fixed, err := single.RetryFailed(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Retried %d failed items, %d now classified, %d still failing\n",
		before, fixed, len(single.Aggregator().FailedIndexes()))
	return nil
}

func runRetryTarget(cmd *cobra.Command, a *app, args []string) error {
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("index must be an integer: %w", err)
	}
	fleet, err := a.newFleet()
	if err != nil {
		return err
	}
	return runFleetLeg(cmd, a, fleet, func() error { return fleet.RetryTarget(cmd.Context(), args[0], index) })
}

func runExport(cmd *cobra.Command, a *app, args []string) error {
	run, err := a.store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	report := reporting.FromRun(run)
	format := strings.ToLower(exportFormat)
	out := exportOut
	if out == "" {
		out = fmt.Sprintf("patrol_%s.%s", run.ID, format)
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	switch format {
	case "csv":
		err = report.SaveCSV(out, riskOnly)
	case "xlsx":
		err = report.SaveXLSX(out, riskOnly)
	case "pdf":
		err = report.SavePDF(out, reporting.PDFOptions{FontPath: a.cfg.Report.PDFFontPath, RiskOnly: riskOnly})
	case "json":
		if riskOnly {
			report.Items = report.View(true)
		}
		err = report.SaveJSON(out)
	case "html":
		err = report.SaveHTML(out)
	default:
		return fmt.Errorf("unknown format %q", exportFormat)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d items to %s\n", len(report.View(riskOnly)), out)
	return nil
}

func runList(cmd *cobra.Command, a *app, args []string) error {
	runs, err := a.store.List(cmd.Context(), storage.ListFilter{
		Mode:  models.RunMode(strings.ToUpper(listMode)),
		Limit: listLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs stored.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %-6s  %-10s  total=%-6d high=%-4d critical=%-4d  %s  %s\n",
			r.ID, r.Mode, r.Status, r.Summary.Total, r.Summary.HighRiskCount, r.Summary.CriticalCount,
			r.UpdatedAt.Local().Format("2006-01-02 15:04"), r.Label)
	}
	return nil
}

func runTestKeys(cmd *cobra.Command, a *app, args []string) error {
	if err := a.wireClassifier(); err != nil {
		return err
	}
	failures := a.client.TestPool(cmd.Context())
	for i := 0; i < a.pool.Size(); i++ {
		if err, bad := failures[i]; bad {
			fmt.Printf("key #%d: FAILED (%v)\n", i+1, err)
		} else {
			fmt.Printf("key #%d: OK\n", i+1)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d credentials failed", len(failures), a.pool.Size())
	}
	return nil
}

func runServe(cmd *cobra.Command, a *app, args []string) error {
	single, err := a.newSingle()
	if err != nil {
		return err
	}
	fleet, err := a.newFleet()
	if err != nil {
		return err
	}
	srv := server.NewServer(server.Options{
		Store:       a.store,
		Single:      single,
		Fleet:       fleet,
		Allowlist:   a.allow,
		Keys:        a.client,
		PDFFontPath: a.cfg.Report.PDFFontPath,
		Logger:      a.log,
	})
	fmt.Printf("[SERVER] Console at http://%s (Ctrl+C to stop)\n", a.cfg.Server.Addr)
	return srv.Start(cmd.Context(), a.cfg.Server.Addr)
}

// watchProgress prints a progress line every few seconds until done closes.
func watchProgress(progress func() patrol.Progress) chan struct{} {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(3 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				p := progress()
				line := fmt.Sprintf("[%s] page %d  %d/%d", p.State, p.Page, p.Processed, p.Total)
				if p.TargetCount > 1 {
					line = fmt.Sprintf("[%s] target %d/%d %s  page %d  %d/%d",
						p.State, p.TargetIndex+1, p.TargetCount, p.Target, p.Page, p.Processed, p.Total)
				}
				if p.ETA > 0 {
					line += fmt.Sprintf("  eta %s", p.ETA.Round(time.Second))
				}
				fmt.Println(line)
			}
		}
	}()
	return done
}

func printOutcome(p patrol.Progress, s models.Summary, elapsed time.Duration) {
	fmt.Printf("\nRun %s %s in %s\n", p.RunID, strings.ToLower(p.State), elapsed.Round(time.Second))
	summary, _ := json.Marshal(s)
	fmt.Printf("Summary: %s\n", summary)
	if p.State == string(patrol.StatePaused) {
		fmt.Printf("Resume with: patrol resume %s\n", p.RunID)
	}
}
