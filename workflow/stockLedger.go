package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/config"
	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	"github.com/sirupsen/logrus"
)

// StockLedger appends to and reads from the append-only stock ledger.
//
// Current stock of a (product, site) key is the quantity of its newest active entry, never a sum.
// Every write for a key runs under the key lock and the product row lock, so "newest" is the
// order in which writes were serialized.
type StockLedger struct {
	Repo         models.Repository
	Locker       KeyLocker
	Logger       *logrus.Logger
	NoStockTypes []string
	Now          func() time.Time
}

func NewStockLedger(repo models.Repository, logger *logrus.Logger) *StockLedger {
	var locker KeyLocker = NewLocalKeyLocker()
	if config.StockLockRedis() {
		locker = NewRedisKeyLocker()
	}
	return &StockLedger{
		Repo:         repo,
		Locker:       locker,
		Logger:       logger,
		NoStockTypes: config.NoStockStoreTypes(),
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// StockReference links an entry to what caused it.
type StockReference struct {
	Type models.StockReferenceType
	Id   *int
}

func (l *StockLedger) logger() *logrus.Logger {
	if l.Logger == nil {
		return config.GetLogger()
	}
	return l.Logger
}

func (l *StockLedger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func (l *StockLedger) getProduct(ctx context.Context, repo models.Repository, productId int) (*models.Product, error) {
	product, err := repo.GetProduct(ctx, productId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, models.ValidationErrorf("product %d does not exist", productId)
	}
	return product, err
}

// stamp returns the creation time of the next entry on a key. It never goes before the newest
// entry, so a clock step back cannot reorder the key; equal stamps fall back to id order.
func (l *StockLedger) stamp(latest *models.StockLedgerEntry) time.Time {
	now := l.now().Truncate(time.Microsecond)
	if latest != nil && now.Before(latest.CreatedAt) {
		return latest.CreatedAt
	}
	return now
}

// AppendEntry validates and appends one entry, returning its id.
func (l *StockLedger) AppendEntry(ctx context.Context, in models.NewStockEntry) (int64, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return 0, models.ValidationErrorf("%v", utils.ProcessValidationErrors(err))
	}

	unlock, err := lockKeys(ctx, l.Locker, []string{stockLockKey(in.ProductId, in.SiteId)})
	if err != nil {
		return 0, err
	}
	defer unlock()

	var id int64
	err = l.Repo.Transaction(ctx, func(tx models.Repository) error {
		if _, err := l.getProduct(ctx, tx, in.ProductId); err != nil {
			return err
		}
		entry, err := l.appendLocked(ctx, tx, in)
		if err != nil {
			return err
		}
		id = entry.ID
		return nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrValidation) {
			config.LogError(l.logger(), "StockLedger", "AppendEntry", "append ledger entry", in, err)
		}
		return 0, err
	}
	return id, nil
}

// appendLocked writes the entry inside tx after taking the key's row lock.
func (l *StockLedger) appendLocked(ctx context.Context, tx models.Repository, in models.NewStockEntry) (*models.StockLedgerEntry, error) {
	if err := tx.LockStockKey(ctx, in.ProductId, in.SiteId); err != nil {
		return nil, err
	}
	latest, err := tx.LatestActiveStockEntry(ctx, in.ProductId, in.SiteId)
	if err != nil {
		return nil, err
	}
	actor := strings.TrimSpace(in.ActorLabel)
	if actor == "" {
		actor = utils.ActorLabelFromContext(ctx)
	}
	entry := &models.StockLedgerEntry{
		ProductId:      in.ProductId,
		SiteId:         in.SiteId,
		Quantity:       in.Quantity,
		AdjustmentType: in.AdjustmentType,
		ReferenceType:  in.ReferenceType,
		ReferenceId:    in.ReferenceId,
		Note:           in.Note,
		ActorLabel:     actor,
		IsActive:       true,
		CreatedAt:      l.stamp(latest),
	}
	if err := tx.InsertStockEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *StockLedger) currentQuantity(ctx context.Context, repo models.Repository, product *models.Product, siteId *int) (int64, error) {
	if product.IsNoStock(l.NoStockTypes) {
		return 0, nil
	}
	latest, err := repo.LatestActiveStockEntry(ctx, product.ID, siteId)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return product.Quantity, nil
	}
	return latest.Quantity, nil
}

// CurrentQuantity returns the quantity of the newest active entry for exactly (productId, siteId).
// A nil siteId is the general stock key. Without an active entry the product's static quantity is
// returned; products of a no-stock channel always read 0.
func (l *StockLedger) CurrentQuantity(ctx context.Context, productId int, siteId *int) (int64, error) {
	product, err := l.getProduct(ctx, l.Repo, productId)
	if err != nil {
		return 0, err
	}
	return l.currentQuantity(ctx, l.Repo, product, siteId)
}

// IsLowStock reports the current quantity and whether it is at or below the product's threshold.
func (l *StockLedger) IsLowStock(ctx context.Context, productId int, siteId *int) (bool, int64, error) {
	product, err := l.getProduct(ctx, l.Repo, productId)
	if err != nil {
		return false, 0, err
	}
	qty, err := l.currentQuantity(ctx, l.Repo, product, siteId)
	if err != nil {
		return false, 0, err
	}
	return product.IsLowStock(qty), qty, nil
}

// Deduct takes amount out of the key and appends an out entry carrying the remaining quantity.
// No-stock products are skipped and report 0.
func (l *StockLedger) Deduct(ctx context.Context, productId int, siteId *int, amount int64, ref StockReference, note string) (int64, error) {
	unlock, err := lockKeys(ctx, l.Locker, []string{stockLockKey(productId, siteId)})
	if err != nil {
		return 0, err
	}
	defer unlock()

	var remaining int64
	err = l.Repo.Transaction(ctx, func(tx models.Repository) error {
		var err error
		remaining, _, err = l.deductLocked(ctx, tx, productId, siteId, amount, ref, note)
		return err
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// deductLocked runs inside tx; the caller holds the key lock. appended is false for no-stock
// products.
func (l *StockLedger) deductLocked(ctx context.Context, tx models.Repository, productId int, siteId *int, amount int64, ref StockReference, note string) (remaining int64, appended bool, err error) {
	if amount <= 0 {
		return 0, false, models.ValidationErrorf("deduction must be positive, got %d", amount)
	}
	product, err := l.getProduct(ctx, tx, productId)
	if err != nil {
		return 0, false, err
	}
	if product.IsNoStock(l.NoStockTypes) {
		return 0, false, nil
	}
	if err := tx.LockStockKey(ctx, productId, siteId); err != nil {
		return 0, false, err
	}
	current, err := l.currentQuantity(ctx, tx, product, siteId)
	if err != nil {
		return 0, false, err
	}
	remaining = current - amount
	if remaining < 0 {
		return 0, false, models.ValidationErrorf("insufficient stock for product %d: have %d, need %d", productId, current, amount)
	}
	_, err = l.appendLocked(ctx, tx, models.NewStockEntry{
		ProductId:      productId,
		SiteId:         siteId,
		Quantity:       remaining,
		AdjustmentType: models.AdjustmentTypeOut,
		ReferenceType:  ref.Type,
		ReferenceId:    ref.Id,
		Note:           note,
	})
	if err != nil {
		return 0, false, err
	}
	return remaining, true, nil
}

// Deactivate flips is_active off for one entry. If it was the newest active entry of its key, the
// previous active entry becomes current again.
func (l *StockLedger) Deactivate(ctx context.Context, entryId int64, reason string) error {
	entry, err := l.Repo.GetStockEntry(ctx, entryId)
	if err != nil {
		return err
	}
	if !entry.IsActive {
		return models.ValidationErrorf("ledger entry %d is already inactive", entryId)
	}

	unlock, err := lockKeys(ctx, l.Locker, []string{stockLockKey(entry.ProductId, entry.SiteId)})
	if err != nil {
		return err
	}
	defer unlock()

	err = l.Repo.Transaction(ctx, func(tx models.Repository) error {
		if err := tx.LockStockKey(ctx, entry.ProductId, entry.SiteId); err != nil {
			return err
		}
		if strings.TrimSpace(reason) == "" {
			reason = fmt.Sprintf("deactivated by %s", utils.ActorLabelFromContext(ctx))
		}
		return tx.DeactivateStockEntry(ctx, entryId, l.now(), reason)
	})
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return models.ValidationErrorf("ledger entry %d is already inactive", entryId)
	}
	return err
}

// History lists a key's entries newest first, inactive ones included. limit <= 0 means all.
func (l *StockLedger) History(ctx context.Context, productId int, siteId *int, limit int) ([]*models.StockLedgerEntry, error) {
	if _, err := l.getProduct(ctx, l.Repo, productId); err != nil {
		return nil, err
	}
	return l.Repo.ListStockEntries(ctx, productId, siteId, limit)
}
