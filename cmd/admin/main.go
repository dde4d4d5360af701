// Command admin is the operator surface for the replication queue:
// inspect queue status, trigger a batch, force-sync a single file, reset
// retries, or change priority.
//
// Usage:
//
//	admin status
//	admin process-batch
//	admin force-sync -f <fileID> [-reset] [-priority LOW|NORMAL|HIGH]
//	admin reset-retries -f <fileID>
//	admin set-priority -f <fileID> -priority LOW|NORMAL|HIGH
//
// Connection settings come from the shared configuration (defaults, JSON
// file via -c, server flags).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dkovalev/docvault/internal/config"
	"github.com/dkovalev/docvault/internal/flagx"
	"github.com/dkovalev/docvault/internal/models"
	"github.com/dkovalev/docvault/internal/server"
	"github.com/dkovalev/docvault/internal/syncqueue"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: admin <status|process-batch|force-sync|reset-retries|set-priority> [flags]")
	}
	command := os.Args[1]

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := run(ctx, command, cfg, app.Queue); err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func run(ctx context.Context, command string, cfg *config.Config, queue *syncqueue.Manager) error {
	switch command {
	case "status":
		return printStatus(ctx, queue)
	case "process-batch":
		res, err := queue.ProcessBatch(ctx, syncqueue.BatchOptions{
			BatchSize:     cfg.SyncBatchSize,
			PriorityFirst: cfg.SyncPriorityFirst,
			MaxRetries:    cfg.SyncMaxRetries,
		})
		if err != nil {
			return err
		}
		fmt.Printf("processed %d, successful %d, failed %d\n",
			res.Processed, res.Successful, res.Failed)
		return nil
	case "force-sync":
		fileID, opts, err := parseForceFlags()
		if err != nil {
			return err
		}
		if err := queue.ForceFileSync(ctx, fileID, opts); err != nil {
			return err
		}
		fmt.Printf("file %s replicated\n", fileID)
		return nil
	case "reset-retries":
		fileID, err := parseFileIDFlag()
		if err != nil {
			return err
		}
		if err := queue.ResetRetries(ctx, fileID); err != nil {
			return err
		}
		fmt.Printf("retries reset for %s\n", fileID)
		return nil
	case "set-priority":
		fileID, priority, err := parsePriorityFlags()
		if err != nil {
			return err
		}
		if err := queue.SetPriority(ctx, fileID, priority); err != nil {
			return err
		}
		fmt.Printf("priority of %s set to %s\n", fileID, priority)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printStatus(ctx context.Context, queue *syncqueue.Manager) error {
	st, err := queue.QueueStatus(ctx)
	if err != nil {
		return err
	}

	fmt.Println("replication queue:")
	for _, s := range []models.SyncStatus{
		models.StatusPending, models.StatusInProgress, models.StatusSynced, models.StatusFailed,
	} {
		fmt.Printf("  %-12s %d\n", s, st.ByStatus[s])
	}

	fmt.Println("pending by priority:")
	for _, p := range []models.Priority{models.PriorityHigh, models.PriorityNormal, models.PriorityLow} {
		fmt.Printf("  %-12s %d\n", p, st.PendingByPriority[p])
	}

	if st.OldestPending != nil {
		fmt.Printf("oldest pending: %s\n", st.OldestPending.Format("2006-01-02 15:04:05"))
	}

	if len(st.Failed) > 0 {
		fmt.Println("failed records:")
		for _, f := range st.Failed {
			fmt.Printf("  %s attempts=%d last_error=%q\n", f.FileID, f.Attempts, f.LastError)
		}
	}
	return nil
}

func adminArgs() []string {
	return flagx.FilterArgs(os.Args[2:], []string{"-f", "-priority", "-reset"})
}

func parseFileIDFlag() (string, error) {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	fileID := fs.String("f", "", "file id")
	if err := fs.Parse(adminArgs()); err != nil {
		return "", err
	}
	if *fileID == "" {
		return "", fmt.Errorf("missing -f <fileID>")
	}
	return *fileID, nil
}

func parseForceFlags() (string, syncqueue.ForceOptions, error) {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	fileID := fs.String("f", "", "file id")
	reset := fs.Bool("reset", false, "reset the attempt counter first")
	priority := fs.String("priority", "", "new priority (LOW, NORMAL, HIGH)")
	if err := fs.Parse(adminArgs()); err != nil {
		return "", syncqueue.ForceOptions{}, err
	}
	if *fileID == "" {
		return "", syncqueue.ForceOptions{}, fmt.Errorf("missing -f <fileID>")
	}

	opts := syncqueue.ForceOptions{ResetRetries: *reset}
	if *priority != "" {
		p, err := models.ParsePriority(*priority)
		if err != nil {
			return "", syncqueue.ForceOptions{}, err
		}
		opts.UpdatePriority = &p
	}
	return *fileID, opts, nil
}

func parsePriorityFlags() (string, models.Priority, error) {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	fileID := fs.String("f", "", "file id")
	priority := fs.String("priority", "", "new priority (LOW, NORMAL, HIGH)")
	if err := fs.Parse(adminArgs()); err != nil {
		return "", 0, err
	}
	if *fileID == "" {
		return "", 0, fmt.Errorf("missing -f <fileID>")
	}
	if *priority == "" {
		return "", 0, fmt.Errorf("missing -priority")
	}
	p, err := models.ParsePriority(*priority)
	if err != nil {
		return "", 0, err
	}
	return *fileID, p, nil
}
