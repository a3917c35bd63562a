package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/supply_backend/config"
	"bitbucket.org/mmdatafocus/supply_backend/repository"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	"bitbucket.org/mmdatafocus/supply_backend/workflow"
)

func main() {
	entryID := flag.Int64("entry-id", 0, "Required: stock_ledger_entries.id to deactivate")
	reason := flag.String("reason", "", "Required: why the entry is being deactivated")
	actor := flag.String("actor", "", "Name recorded with the change (default System)")
	dryRun := flag.Bool("dry-run", true, "Show record only (no writes)")
	confirm := flag.String("confirm", "", "Type DEACTIVATE to proceed when dry-run=false")
	flag.Parse()

	if *entryID <= 0 || strings.TrimSpace(*reason) == "" {
		fmt.Fprintln(os.Stderr, "--entry-id and --reason are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "DEACTIVATE" {
		fmt.Fprintln(os.Stderr, "set --confirm=DEACTIVATE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	if name := strings.TrimSpace(*actor); name != "" {
		ctx = utils.SetUserNameInContext(ctx, name)
	}
	repo := repository.NewMysqlRepository(db)

	entry, err := repo.GetStockEntry(ctx, *entryID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	site := "general"
	if entry.SiteId != nil {
		site = fmt.Sprint(*entry.SiteId)
	}
	fmt.Printf("id=%d product_id=%d site=%s qty=%d type=%s reference_type=%s is_active=%v created_at=%s note=%q\n",
		entry.ID, entry.ProductId, site, entry.Quantity, entry.AdjustmentType, entry.ReferenceType,
		entry.IsActive, entry.CreatedAt.Format("2006-01-02 15:04:05.000000"), entry.Note)
	if *dryRun {
		return
	}

	ledger := workflow.NewStockLedger(repo, config.GetLogger())
	if err := ledger.Deactivate(ctx, *entryID, *reason); err != nil {
		fmt.Fprintf(os.Stderr, "deactivate failed: %v\n", err)
		os.Exit(1)
	}
	qty, err := ledger.CurrentQuantity(ctx, entry.ProductId, entry.SiteId)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read current quantity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ledger entry deactivated; current quantity for product %d site %s is now %d\n", entry.ProductId, site, qty)
}
