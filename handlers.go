package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/supply_backend/config"
	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	"bitbucket.org/mmdatafocus/supply_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const conflictRetryAttempts = 3

// app carries the services the handlers call.
type app struct {
	lifecycle  *workflow.OrderLifecycle
	ledger     *workflow.StockLedger
	navigation *utils.NavigationCache
	logger     *logrus.Logger
}

// respondError maps the error taxonomy onto HTTP status codes.
func respondError(c *gin.Context, logger *logrus.Logger, funcName string, err error) {
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrLegacyLPOStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "correlation_id": cid})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "correlation_id": cid})
	case errors.Is(err, models.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "correlation_id": cid})
	default:
		config.LogError(logger, "handlers.go", funcName, c.Request.Method+" "+c.FullPath(), cid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "correlation_id": cid})
	}
}

func intParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// optionalSiteId reads ?site_id=; absent or blank is the general stock key.
func optionalSiteId(c *gin.Context) (*int, bool) {
	raw := strings.TrimSpace(c.Query("site_id"))
	if raw == "" {
		return nil, true
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid site_id"})
		return nil, false
	}
	return &id, true
}

func (a *app) createOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewOrder
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := c.Request.Context()
		var order *models.Order
		err := workflow.RetryOnConflict(ctx, conflictRetryAttempts, func() error {
			var err error
			order, err = a.lifecycle.CreateOrder(ctx, req)
			return err
		})
		if err != nil {
			respondError(c, a.logger, "createOrderHandler", err)
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}

func (a *app) getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := intParam(c, "id")
		if !ok {
			return
		}
		order, err := a.lifecycle.GetOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, a.logger, "getOrderHandler", err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

type channelStatusRequest struct {
	Status          string `json:"status"`
	SupplierId      string `json:"supplier_id"`
	Note            string `json:"note"`
	BestEffortStock bool   `json:"best_effort_stock"`
}

func (a *app) setChannelStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := intParam(c, "id")
		if !ok {
			return
		}
		var req channelStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		update := models.ChannelStatusUpdate{
			Channel:         models.Channel(c.Param("channel")),
			Status:          req.Status,
			SupplierId:      req.SupplierId,
			Note:            req.Note,
			BestEffortStock: req.BestEffortStock,
		}
		ctx := c.Request.Context()
		var order *models.Order
		err := workflow.RetryOnConflict(ctx, conflictRetryAttempts, func() error {
			var err error
			order, err = a.lifecycle.SetChannelStatus(ctx, id, update)
			return err
		})
		if err != nil {
			respondError(c, a.logger, "setChannelStatusHandler", err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func (a *app) recomputeOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := intParam(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		var (
			order   *models.Order
			changed bool
		)
		err := workflow.RetryOnConflict(ctx, conflictRetryAttempts, func() error {
			var err error
			order, changed, err = a.lifecycle.RecomputeOrderStatus(ctx, id)
			return err
		})
		if err != nil {
			respondError(c, a.logger, "recomputeOrderHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order, "changed": changed})
	}
}

func (a *app) appendStockEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewStockEntry
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.ReferenceType == "" {
			req.ReferenceType = models.StockReferenceTypeManual
		}
		ctx := c.Request.Context()
		var id int64
		err := workflow.RetryOnConflict(ctx, conflictRetryAttempts, func() error {
			var err error
			id, err = a.ledger.AppendEntry(ctx, req)
			return err
		})
		if err != nil {
			respondError(c, a.logger, "appendStockEntryHandler", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

type deactivateRequest struct {
	Reason string `json:"reason"`
}

func (a *app) deactivateStockEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var req deactivateRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		ctx := c.Request.Context()
		err = workflow.RetryOnConflict(ctx, conflictRetryAttempts, func() error {
			return a.ledger.Deactivate(ctx, id, req.Reason)
		})
		if err != nil {
			respondError(c, a.logger, "deactivateStockEntryHandler", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (a *app) currentStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := intParam(c, "id")
		if !ok {
			return
		}
		siteId, ok := optionalSiteId(c)
		if !ok {
			return
		}
		low, qty, err := a.ledger.IsLowStock(c.Request.Context(), productId, siteId)
		if err != nil {
			respondError(c, a.logger, "currentStockHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"product_id": productId,
			"site_id":    siteId,
			"quantity":   qty,
			"low_stock":  low,
		})
	}
}

func (a *app) stockHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := intParam(c, "id")
		if !ok {
			return
		}
		siteId, ok := optionalSiteId(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		entries, err := a.ledger.History(c.Request.Context(), productId, siteId, limit)
		if err != nil {
			respondError(c, a.logger, "stockHistoryHandler", err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func (a *app) stockImportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if !strings.HasSuffix(strings.ToLower(header.Filename), ".xlsx") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file type: only .xlsx files are allowed"})
			return
		}
		file, err := header.Open()
		if err != nil {
			respondError(c, a.logger, "stockImportHandler", err)
			return
		}
		defer file.Close()

		rows, result, err := workflow.ReadStockImportSheet(file, c.PostForm("sheet"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, workflow.ImportStock(c.Request.Context(), a.ledger, rows, result))
	}
}

// navigationModules lists each screen with the permission that reveals it.
var navigationModules = []struct {
	Path       string
	Permission string
}{
	{"/orders", "order.read"},
	{"/orders/new", "order.create"},
	{"/orders/hardware", "order.hardware"},
	{"/orders/workshop", "order.workshop"},
	{"/orders/custom", "order.custom"},
	{"/orders/lpo", "order.lpo"},
	{"/stock", "stock.read"},
	{"/stock/import", "stock.import"},
	{"/stock/adjust", "stock.write"},
}

func loadNavigation(_ context.Context, _ int, permissions []string) ([]string, error) {
	granted := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		granted[strings.TrimSpace(p)] = true
	}
	paths := make([]string, 0, len(navigationModules))
	for _, m := range navigationModules {
		if granted[m.Permission] {
			paths = append(paths, m.Path)
		}
	}
	return paths, nil
}

func (a *app) navigationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		roleId, err := strconv.Atoi(c.Query("role_id"))
		if err != nil || roleId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role_id"})
			return
		}
		var permissions []string
		if raw := strings.TrimSpace(c.Query("permissions")); raw != "" {
			permissions = splitAndTrim(raw)
		}
		paths, err := a.navigation.Get(c.Request.Context(), roleId, permissions, loadNavigation)
		if err != nil {
			respondError(c, a.logger, "navigationHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"role_id": roleId, "paths": paths})
	}
}

func (a *app) navigationInvalidateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		generation, err := a.navigation.Invalidate(c.Request.Context())
		if err != nil {
			respondError(c, a.logger, "navigationInvalidateHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"generation": generation})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

// registerRoutes wires the admin API onto r.
func registerRoutes(r *gin.Engine, a *app) {
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	orders := r.Group("/orders")
	orders.POST("", a.createOrderHandler())
	orders.GET("/:id", a.getOrderHandler())
	orders.PUT("/:id/channels/:channel", a.setChannelStatusHandler())
	orders.POST("/:id/recompute", a.recomputeOrderHandler())

	stock := r.Group("/stock")
	stock.POST("/entries", a.appendStockEntryHandler())
	stock.POST("/entries/:id/deactivate", a.deactivateStockEntryHandler())
	stock.POST("/import", a.stockImportHandler())
	stock.GET("/products/:id", a.currentStockHandler())
	stock.GET("/products/:id/history", a.stockHistoryHandler())

	r.GET("/navigation", a.navigationHandler())
	r.POST("/navigation/invalidate", a.navigationInvalidateHandler())

	r.NoRoute(customNotFoundHandler)
}
