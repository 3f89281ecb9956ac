package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/http/dto"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/store"
)

// CreditGranter is the ledger surface the HTTP layer needs.
type CreditGranter interface {
	Grant(ctx context.Context, userID int64, amountCents int64, txType model.CreditTransactionType) error
}

type CreditHandler struct {
	tx     service.TxRunner
	ledger CreditGranter
}

func NewCreditHandler(tx service.TxRunner, ledger CreditGranter) *CreditHandler {
	return &CreditHandler{tx: tx, ledger: ledger}
}

func (h *CreditHandler) GetBalance(c *gin.Context) {
	ctx := c.Request.Context()

	userID, ok := pathID(c, "id")
	if !ok {
		return
	}

	balance, err := h.tx.Stores().Credits().GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// First touch happens lazily on the first charge; report zero.
			c.JSON(http.StatusOK, dto.ToBalanceResponse(&model.CreditBalance{UserID: userID}))
			return
		}
		slog.ErrorContext(ctx, "failed to load balance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, dto.ToBalanceResponse(balance))
}

// Grant is admin-only, gated by the admin key middleware on its route.
func (h *CreditHandler) Grant(c *gin.Context) {
	ctx := c.Request.Context()

	userID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req dto.GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txType := model.TransactionTypeGrant
	if req.Type == string(model.TransactionTypePurchase) {
		txType = model.TransactionTypePurchase
	}

	if err := h.ledger.Grant(ctx, userID, req.AmountCents, txType); err != nil {
		slog.ErrorContext(ctx, "failed to grant credits", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "granted"})
}
