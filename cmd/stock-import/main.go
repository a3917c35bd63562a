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
	"github.com/sirupsen/logrus"
)

func main() {
	path := flag.String("file", "", "Required: path to the .xlsx stock count")
	sheet := flag.String("sheet", "", "Sheet name (default: first sheet)")
	actor := flag.String("actor", "Stock Import", "Name recorded on each ledger entry")
	dryRun := flag.Bool("dry-run", true, "Parse and report rows only (no writes)")
	flag.Parse()

	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}
	if !strings.HasSuffix(strings.ToLower(*path), ".xlsx") {
		fmt.Fprintln(os.Stderr, "invalid file type: only .xlsx files are allowed")
		os.Exit(1)
	}

	f, err := os.Open(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	rows, result, err := workflow.ReadStockImportSheet(f, *sheet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read sheet: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		for _, row := range rows {
			site := "general"
			if row.SiteId != nil {
				site = fmt.Sprint(*row.SiteId)
			}
			fmt.Printf("row=%d product_id=%d site=%s qty=%d note=%q\n", row.Row, row.ProductId, site, row.Quantity, row.Note)
		}
		for _, e := range result.Errors {
			fmt.Println(e)
		}
		fmt.Printf("parsed=%d unparseable=%d (dry run)\n", len(rows), result.Failed)
		return
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if config.StockLockRedis() {
		config.ConnectRedisWithRetry()
	}

	logger := config.GetLogger()
	ctx := utils.SetUserNameInContext(context.Background(), *actor)
	ledger := workflow.NewStockLedger(repository.NewMysqlRepository(db), logger)
	result = workflow.ImportStock(ctx, ledger, rows, result)

	for _, e := range result.Errors {
		logger.WithFields(logrus.Fields{"field": "stock-import", "file": *path}).Warn(e)
		fmt.Println(e)
	}
	fmt.Printf("imported=%d failed=%d\n", result.Imported, result.Failed)
	if result.Imported == 0 && result.Failed > 0 {
		os.Exit(1)
	}
}
