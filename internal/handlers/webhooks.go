package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/notification"
	"github.com/imrishuroy/go-checkout-reconciler/internal/signature"
)

// maxWebhookBody bounds what a sender can make us buffer.
const maxWebhookBody = 1 << 20

func registerWebhookRoutes(r *gin.Engine, cfg HandlerConfig) {
	log := cfg.Logger

	r.POST("/webhooks/payments", func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}

		header := c.GetHeader(cfg.SignatureHeader)
		if header == "" && cfg.RequireSignature {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_signature"})
			return
		}
		if res := cfg.Webhook.Verify(body, header); !res.Authenticated() {
			log.Warn("Webhook signature rejected", zap.String("reason", res.Reason))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}

		ev, err := notification.Parse(body, notification.ChannelWebhook)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_payload", "msg": err.Error()})
			return
		}

		dispatch(c, cfg, ev, c.GetHeader(cfg.DeliveryIDHeader))
	})

	if cfg.Certificates == nil {
		return
	}

	r.POST("/webhooks/sns", func(c *gin.Context) {
		ctx := c.Request.Context()

		body, ok := readBody(c)
		if !ok {
			return
		}
		env, isEnvelope := signature.ParseEnvelope(body)
		if !isEnvelope {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_envelope"})
			return
		}
		if res := cfg.Certificates.VerifyEnvelope(ctx, env); !res.Authenticated() {
			log.Warn("SNS signature rejected", zap.String("reason", res.Reason), zap.String("topic", env.TopicArn))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}

		switch env.Type {
		case signature.TypeSubscriptionConfirmation:
			if err := cfg.Certificates.ConfirmSubscription(ctx, env); err != nil {
				log.Error("Failed to confirm SNS subscription", zap.String("topic", env.TopicArn), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "subscription_confirmation_failed"})
				return
			}
			log.Info("SNS subscription confirmed", zap.String("topic", env.TopicArn))
			c.JSON(http.StatusOK, gin.H{"status": "subscribed"})
			return
		case signature.TypeNotification:
		default:
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		ev, err := notification.Parse([]byte(env.Message), notification.ChannelSNS)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_payload", "msg": err.Error()})
			return
		}
		dispatch(c, cfg, ev, env.MessageID)
	})
}

// readBody writes a 400 and reports false when the body is missing or unreadable.
func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return nil, false
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return nil, false
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_body"})
		return nil, false
	}
	return body, true
}

// dispatch reconciles synchronously and answers once the engine has returned.
func dispatch(c *gin.Context, cfg HandlerConfig, ev notification.Event, deliveryID string) {
	outcome, err := cfg.Dispatcher.Dispatch(c.Request.Context(), ev, deliveryID)
	fields := []zap.Field{
		zap.String("channel", string(ev.Channel)),
		zap.String("session_id", ev.SessionID),
		zap.String("reference_id", ev.ReferenceID),
		zap.String("outcome", string(outcome)),
	}
	if err != nil {
		cfg.Logger.Warn("Notification not settled", append(fields, zap.Error(err))...)
	} else {
		cfg.Logger.Info("Notification reconciled", fields...)
	}
	c.JSON(statusFor(outcome), gin.H{"outcome": outcome})
}
