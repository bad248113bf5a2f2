// lease_recovery_crash exercises lease recovery across a real process
// death. Run the modes in order from a driver shell:
//
//	go run ./tools/verify/lease_recovery_crash -mode prepare -root /tmp/q
//	go run ./tools/verify/lease_recovery_crash -mode claim-sleep -root /tmp/q &
//	kill -9 $!         # the owner dies without releasing
//	sleep 3            # let the 2s lease expire
//	go run ./tools/verify/lease_recovery_crash -mode recover -root /tmp/q
//
// recover prints VERDICT PASS when the orphaned claim went back to
// pending with its ownership cleared.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/paperq/internal/identity"
	"github.com/basket/paperq/internal/queue"
	"github.com/basket/paperq/internal/record"
)

const taskName = "crash-victim"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	root := flag.String("root", "", "queue root directory")
	lease := flag.Duration("lease", 2*time.Second, "lease duration for the claim")
	stale := flag.Duration("stale", time.Second, "stale threshold for legacy records")
	flag.Parse()

	if *mode == "" || *root == "" {
		fmt.Fprintln(os.Stderr, "mode and root are required")
		os.Exit(2)
	}

	ctx := context.Background()
	q, err := queue.New(queue.Config{
		Root:           *root,
		InventoryDir:   filepath.Join(*root, "inbox"),
		OutputDir:      filepath.Join(*root, "out"),
		LeaseDuration:  *lease,
		StaleThreshold: *stale,
		Identity:       identity.Fixed("crash-" + *mode),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open queue: %v\n", err)
		os.Exit(1)
	}

	switch *mode {
	case "prepare":
		if err := q.EnsureDirs(); err != nil {
			fmt.Fprintf(os.Stderr, "ensure dirs: %v\n", err)
			os.Exit(1)
		}
		rec := record.Record{
			PDF:       taskName + ".pdf",
			CreatedAt: record.FormatTime(time.Now()),
		}
		path := filepath.Join(*root, "pending", record.FileName(taskName))
		if err := record.Write(path, rec); err != nil {
			fmt.Fprintf(os.Stderr, "write record: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK=%s\n", taskName)
	case "claim-sleep":
		tasks, err := q.Claim(ctx, 1)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim: %v\n", err)
			os.Exit(1)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "no claimable task; run prepare first")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK=%s\n", tasks[0].Name)
		fmt.Printf("LEASE_OWNER=%s\n", tasks[0].Rec.ClaimedBy)
		fmt.Printf("LEASE_EXPIRES_AT=%s\n", tasks[0].Rec.LeaseExpiresAt)
		// Hold the claim until the driver kills this process.
		for {
			time.Sleep(time.Second)
		}
	case "recover":
		stats, err := q.Recover(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d COMPLETED=%d ACTIVE=%d\n", stats.Recovered, stats.Completed, stats.Active)

		processing, err := q.List(ctx, queue.StateProcessing)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list processing: %v\n", err)
			os.Exit(1)
		}
		pending, err := q.Entries(ctx, queue.StatePending)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list pending: %v\n", err)
			os.Exit(1)
		}
		pass := len(processing) == 0
		requeued := false
		for _, e := range pending {
			fmt.Printf("TASK_STATE name=%s state=pending claimed_by=%q\n", e.Name, e.Rec.ClaimedBy)
			if e.Name == taskName {
				requeued = true
				if e.Rec.ClaimedBy != "" || e.Rec.LeaseExpiresAt != "" {
					pass = false
				}
			}
		}
		if !requeued {
			pass = false
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: orphaned claim not requeued cleanly")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
