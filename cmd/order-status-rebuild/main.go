package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/supply_backend/config"
	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/repository"
	"bitbucket.org/mmdatafocus/supply_backend/workflow"
)

// order-status-rebuild re-derives orders.status from the stored channel map, for one order or all.
func main() {
	orderID := flag.Int("order-id", 0, "Rebuild a single order (default: every order)")
	batchSize := flag.Int("batch-size", 200, "Orders read per page when rebuilding all")
	dryRun := flag.Bool("dry-run", true, "Report mismatches only (no writes)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	repo := repository.NewMysqlRepository(db)
	lifecycle := workflow.NewOrderLifecycle(repo, nil, config.GetLogger())

	if *dryRun {
		ids := []int{*orderID}
		checked, mismatched := 0, 0
		for afterId := 0; ; {
			if *orderID <= 0 {
				var err error
				ids, err = repo.ListOrderIds(ctx, afterId, *batchSize)
				if err != nil {
					fmt.Fprintf(os.Stderr, "list orders: %v\n", err)
					os.Exit(1)
				}
			}
			for _, id := range ids {
				order, err := repo.GetOrder(ctx, id)
				if err != nil {
					fmt.Fprintf(os.Stderr, "order %d: %v\n", id, err)
					os.Exit(1)
				}
				checked++
				if next := models.RecomputeOrderStatus(order.ChannelStatuses); next != order.Status {
					mismatched++
					fmt.Printf("order_id=%d stored=%s derived=%s\n", id, order.Status, next)
				}
			}
			if *orderID > 0 || len(ids) == 0 {
				break
			}
			afterId = ids[len(ids)-1]
		}
		fmt.Printf("checked=%d mismatched=%d (dry run)\n", checked, mismatched)
		return
	}

	if *orderID > 0 {
		order, changed, err := lifecycle.RecomputeOrderStatus(ctx, *orderID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("order_id=%d status=%s changed=%v\n", order.ID, order.Status, changed)
		return
	}

	checked, changed, err := lifecycle.RebuildAllStatuses(ctx, *batchSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed after %d orders: %v\n", checked, err)
		os.Exit(1)
	}
	fmt.Printf("checked=%d changed=%d\n", checked, changed)
}
