package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/config"
	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

func TestTranslateError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{gorm.ErrRecordNotFound, utils.ErrorRecordNotFound},
		{&mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock found"}, models.ErrConcurrencyConflict},
		{&mysqlDriver.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, models.ErrConcurrencyConflict},
		{fmt.Errorf("insert: %w", &mysqlDriver.MySQLError{Number: 1452, Message: "a foreign key constraint fails"}), models.ErrValidation},
	}
	for _, tc := range cases {
		if got := translateError(tc.in); !errors.Is(got, tc.want) {
			t.Errorf("%v: expected %v, got %v", tc.in, tc.want, got)
		}
	}
	if translateError(nil) != nil {
		t.Error("expected nil to stay nil")
	}
	other := errors.New("connection reset")
	if translateError(other) != other {
		t.Error("expected unknown errors to pass through")
	}
}

func TestMysqlRepository_LedgerAndOutbox(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "supply_test")

	db, err := config.OpenDatabase(config.DatabaseDSN())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := NewMysqlRepository(db)

	store := &models.Store{Name: "main yard", Type: models.StoreTypeHardware}
	if err := repo.CreateStore(ctx, store); err != nil {
		t.Fatalf("create store: %v", err)
	}
	product := &models.Product{Name: "rebar 12mm", StoreId: store.ID, Quantity: 3}
	if err := repo.CreateProduct(ctx, product); err != nil {
		t.Fatalf("create product: %v", err)
	}

	at := time.Date(2024, 5, 1, 8, 0, 0, 123456000, time.UTC)
	site := 4
	for _, e := range []*models.StockLedgerEntry{
		ledgerEntry(product.ID, nil, 50, at),
		ledgerEntry(product.ID, nil, 45, at),
		ledgerEntry(product.ID, &site, 8, at.Add(time.Second)),
	} {
		if err := repo.InsertStockEntry(ctx, e); err != nil {
			t.Fatalf("insert entry: %v", err)
		}
	}
	latest, err := repo.LatestActiveStockEntry(ctx, product.ID, nil)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Quantity != 45 || !latest.CreatedAt.Equal(at) {
		t.Fatalf("expected 45 at microsecond precision, got %d at %s", latest.Quantity, latest.CreatedAt)
	}

	boom := errors.New("boom")
	err = repo.Transaction(ctx, func(tx models.Repository) error {
		if err := tx.LockStockKey(ctx, product.ID, nil); err != nil {
			return err
		}
		if err := tx.InsertStockEntry(ctx, ledgerEntry(product.ID, nil, 1, at.Add(time.Minute))); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	entries, err := repo.ListStockEntries(ctx, product.ID, nil, 10)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected the rolled back row to be gone, got %d %v", len(entries), err)
	}
	if err := repo.LockStockKey(ctx, 999999, nil); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for unknown product, got %v", err)
	}

	order := &models.Order{SiteId: site, RequesterId: 1, Priority: models.OrderPriorityNormal, Status: models.OrderStatusPending}
	order.ChannelStatuses.Hardware = models.ChannelStatusPending
	order.ChannelStatuses.SetLegacyLPO("Approved")
	order.Items = []*models.OrderLineItem{{ProductId: product.ID, Quantity: 2, Channel: models.ChannelHardware}}
	if err := repo.InsertOrder(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	loaded, err := repo.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if loaded.ChannelStatuses.LPO().Kind != models.LPOStatusLegacy || len(loaded.Items) != 1 {
		t.Fatalf("expected the legacy lpo value and items to round trip, got %+v", loaded)
	}
	consumedAt := time.Date(2024, 3, 1, 9, 0, 0, 123456000, time.UTC)
	if err := repo.MarkOrderItemsConsumed(ctx, []int{loaded.Items[0].ID}, consumedAt); err != nil {
		t.Fatalf("mark consumed: %v", err)
	}
	if loaded, err = repo.GetOrder(ctx, order.ID); err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if at := loaded.Items[0].StockConsumedAt; at == nil || !at.Equal(consumedAt) {
		t.Fatalf("expected stock_consumed_at %s, got %v", consumedAt, at)
	}

	if err := repo.InsertOrderEvent(ctx, &models.OrderStatusEvent{OrderId: order.ID, EventType: models.OrderEventCreated, NewStatus: models.OrderStatusPending}); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	now := time.Now().UTC()
	claimed, err := repo.ClaimOrderEvents(ctx, now, now.Add(-30*time.Second), 10, 5, "it")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claimed event, got %d %v", len(claimed), err)
	}
	if err := repo.MarkOrderEventSent(ctx, claimed[0].ID, "m-1", now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	claimed, err = repo.ClaimOrderEvents(ctx, now, now.Add(-30*time.Second), 10, 5, "it")
	if err != nil || len(claimed) != 0 {
		t.Fatalf("expected nothing left to claim, got %d %v", len(claimed), err)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("supply-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=supply_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
