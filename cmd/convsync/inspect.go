package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cuemby/convsync/pkg/client"
	"github.com/cuemby/convsync/pkg/types"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	return client.NewClient(addr)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

// Ledger commands
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the synchronization ledger",
}

var ledgerGetCmd = &cobra.Command{
	Use:   "get ENTITY_ID",
	Short: "Show the sync record and projection of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		rec, err := c.GetSyncRecord(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := printJSON(rec); err != nil {
			return err
		}

		pe, err := c.GetEntity(cmd.Context(), args[0])
		switch {
		case err == nil:
			fmt.Printf("\nProjection at version %d (session %s, parent %s)\n", pe.Version, pe.SessionID, pe.ParentID)
		case isNotFound(err):
			fmt.Println("\nNo live projection in the read store")
		default:
			return err
		}
		return nil
	},
}

var ledgerScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List sync records",
	Long: `List sync records in entity id order.

Examples:
  convsync ledger scan --status failed
  convsync ledger scan --repair --limit 20
  convsync ledger scan --stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		if stats, _ := cmd.Flags().GetBool("stats"); stats {
			s, err := c.LedgerStats(cmd.Context())
			if err != nil {
				return err
			}
			return printStats(s)
		}

		status, _ := cmd.Flags().GetString("status")
		repair, _ := cmd.Flags().GetBool("repair")
		limit, _ := cmd.Flags().GetInt("limit")

		records, err := c.ScanSyncRecords(cmd.Context(), client.ScanFilter{
			Status:     types.DualWriteStatus(status),
			RepairOnly: repair,
			Limit:      limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ENTITY\tTYPE\tAPPLIED\tDUAL-WRITE\tREPAIR\tTOMBSTONE\tRECONCILED")
		for _, r := range records {
			dualWrite := string(r.DualWriteStatus)
			if r.HasDualWrite() {
				dualWrite = fmt.Sprintf("%s@%d", r.DualWriteStatus, r.DualWriteVersion)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%t\t%s\n",
				r.EntityID, r.EntityType, r.LastAppliedVersion, dualWrite,
				r.RepairRequested, r.Tombstoned, formatTime(r.LastReconciledAt))
		}
		return w.Flush()
	},
}

func printStats(s *types.LedgerStats) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Records:\t%d\n", s.Total)

	statuses := make([]string, 0, len(s.ByStatus))
	for status := range s.ByStatus {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(w, "  %s:\t%d\n", status, s.ByStatus[types.DualWriteStatus(status)])
	}
	fmt.Fprintf(w, "Repair requested:\t%d\n", s.RepairRequested)
	fmt.Fprintf(w, "Tombstoned:\t%d\n", s.Tombstoned)
	fmt.Fprintf(w, "Dead letters:\t%d\n", s.DeadLetters)
	return w.Flush()
}

func init() {
	ledgerCmd.AddCommand(ledgerGetCmd)
	ledgerCmd.AddCommand(ledgerScanCmd)

	ledgerScanCmd.Flags().String("status", "", "Only records with this dual-write status (none, pending, applied, failed)")
	ledgerScanCmd.Flags().Bool("repair", false, "Only records flagged for repair")
	ledgerScanCmd.Flags().Int("limit", 100, "Maximum number of records")
	ledgerScanCmd.Flags().Bool("stats", false, "Print counts instead of records")

	rootCmd.AddCommand(ledgerCmd)
}

// Dead letter commands
var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dl"},
	Short:   "Inspect and replay dead-lettered change events",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		letters, err := c.ListDeadLetters(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(letters) == 0 {
			fmt.Println("No dead letters")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENTITY\tVERSION\tOPERATION\tATTEMPTS\tFAILED\tERROR")
		for _, dl := range letters {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
				dl.ID, dl.Event.EntityID, dl.Event.Version, dl.Event.Operation,
				dl.Attempts, formatTime(dl.FailedAt), dl.LastError)
		}
		return w.Flush()
	},
}

var deadLettersReplayCmd = &cobra.Command{
	Use:   "replay ID...",
	Short: "Reapply dead-lettered events",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		for _, id := range args {
			result, err := c.ReplayDeadLetter(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("replay %s: %w", id, err)
			}
			fmt.Printf("✓ %s replayed: %s\n", id, result)
		}
		return nil
	},
}

func init() {
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersReplayCmd)

	deadLettersListCmd.Flags().Int("limit", 100, "Maximum number of dead letters")

	rootCmd.AddCommand(deadLettersCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [ENTITY_ID...]",
	Short: "Run a reconciliation sweep on the server",
	Long: `Run one reconciliation sweep and print its report. With entity ids only
those entities are examined; otherwise the server's default window applies,
narrowed by any flags given.

Examples:
  convsync reconcile
  convsync reconcile sess-1 ht-4
  convsync reconcile --staleness 1h --sample-rate 0.1
  convsync reconcile --last`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		if last, _ := cmd.Flags().GetBool("last"); last {
			report, err := c.LastReconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printReport(report)
		}

		req := client.ReconcileRequest{EntityIDs: args}
		req.Staleness, _ = cmd.Flags().GetString("staleness")
		if cmd.Flags().Changed("sample-rate") {
			rate, _ := cmd.Flags().GetFloat64("sample-rate")
			req.SampleRate = &rate
		}
		if cmd.Flags().Changed("limit") {
			limit, _ := cmd.Flags().GetInt("limit")
			req.Limit = &limit
		}
		if cmd.Flags().Changed("shard-count") {
			index, _ := cmd.Flags().GetInt("shard-index")
			count, _ := cmd.Flags().GetInt("shard-count")
			req.ShardIndex = &index
			req.ShardCount = &count
		}

		report, err := c.Reconcile(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printReport(report)
	},
}

func printReport(r *types.ReconciliationReport) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Started:\t%s\n", formatTime(r.StartedAt))
	fmt.Fprintf(w, "Duration:\t%s\n", r.Duration)
	fmt.Fprintf(w, "Examined:\t%d\n", r.Examined)
	fmt.Fprintf(w, "Consistent:\t%d\n", r.Consistent)
	fmt.Fprintf(w, "Reconciled:\t%d\n", r.Reconciled)
	fmt.Fprintf(w, "Superseded:\t%d\n", r.Superseded)
	fmt.Fprintf(w, "Removed:\t%d\n", r.Removed)
	fmt.Fprintf(w, "Failed:\t%d\n", r.Failed)
	for _, id := range r.FailedEntities {
		fmt.Fprintf(w, "  \t%s\n", id)
	}
	return w.Flush()
}

func init() {
	reconcileCmd.Flags().String("staleness", "", "Select records not reconciled for this long (e.g. 1h)")
	reconcileCmd.Flags().Float64("sample-rate", 0, "Fraction of recently updated records to sample")
	reconcileCmd.Flags().Int("limit", 0, "Maximum records examined")
	reconcileCmd.Flags().Int("shard-index", 0, "Shard to sweep")
	reconcileCmd.Flags().Int("shard-count", 1, "Number of shards")
	reconcileCmd.Flags().Bool("last", false, "Print the last sweep's report instead of running one")

	rootCmd.AddCommand(reconcileCmd)
}

func isNotFound(err error) bool {
	return errors.Is(err, client.ErrNotFound)
}
