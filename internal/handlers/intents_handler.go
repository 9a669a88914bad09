package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/intents"
	"github.com/imrishuroy/go-checkout-reconciler/internal/validation"
)

func registerIntentRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	store := cfg.Store
	log := cfg.Logger

	r.POST("/checkout-intents", func(c *gin.Context) {
		var req validation.CreateIntentRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		ci, err := store.RecordIntent(c.Request.Context(), intents.NewIntent{
			ReferenceID:       req.ReferenceID,
			CheckoutSessionID: req.CheckoutSessionID,
			AmountCents:       req.AmountCents,
			Currency:          req.Currency,
			Locale:            req.Locale,
			Metadata:          req.Metadata,
		})
		if err != nil {
			writeStoreError(c, log, err)
			return
		}

		c.Header("Location", fmt.Sprintf("/checkout-intents/%s", ci.IntentID))
		c.JSON(http.StatusCreated, ci)
	})

	r.GET("/checkout-intents/:id", func(c *gin.Context) {
		ci, err := store.Get(c.Request.Context(), c.Param("id"))
		if err == nil && ci == nil {
			err = intents.ErrNotFound
		}
		if err != nil {
			writeStoreError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, ci)
	})

	r.PUT("/checkout-intents/:id/session", func(c *gin.Context) {
		var req validation.AttachSessionRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		ci, err := store.AttachSession(c.Request.Context(), c.Param("id"), req.CheckoutSessionID)
		if err != nil {
			writeStoreError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, ci)
	})

	r.POST("/checkout-intents/:id/retry", func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		if err := store.ResetForRetry(ctx, id); err != nil {
			writeStoreError(c, log, err)
			return
		}
		ci, err := store.Get(ctx, id)
		if err == nil && ci == nil {
			err = intents.ErrNotFound
		}
		if err != nil {
			writeStoreError(c, log, err)
			return
		}
		log.Info("Checkout intent reset for retry", zap.String("intent_id", id))
		c.JSON(http.StatusOK, ci)
	})
}

func writeStoreError(c *gin.Context, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, intents.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, intents.ErrSessionTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "checkout_session_taken"})
	case errors.Is(err, intents.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status_transition"})
	default:
		log.Error("Checkout intent store failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_unavailable"})
	}
}
