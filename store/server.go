package store

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	facilitator "github.com/apitoll/facilitator"
)

// ============================================================================
// Remote Store Server
// ============================================================================

// NewServer exposes repo over the remote store protocol. Every request must
// carry secret in HeaderStoreSecret.
//
//	PUT /payments/:id          upsert a record
//	GET /payments/:id          read a record
//	GET /payments?status=a,b   list records in the given statuses
func NewServer(repo facilitator.Repository, secret string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requireSecret(secret))

	h := &storeHandler{repo: repo, logger: logger}
	r.PUT("/payments/:id", h.save)
	r.GET("/payments/:id", h.get)
	r.GET("/payments", h.list)
	return r
}

func requireSecret(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderStoreSecret))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid store secret"})
			return
		}
		c.Next()
	}
}

type storeHandler struct {
	repo   facilitator.Repository
	logger *slog.Logger
}

func (h *storeHandler) save(c *gin.Context) {
	var record facilitator.PaymentRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment record"})
		return
	}
	if record.ID != c.Param("id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment id mismatch"})
		return
	}

	if err := h.repo.Save(c.Request.Context(), record); err != nil {
		h.logger.Error("store save failed", "payment_id", record.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *storeHandler) get(c *gin.Context) {
	record, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, facilitator.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}
		h.logger.Error("store get failed", "payment_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *storeHandler) list(c *gin.Context) {
	statuses := strings.Split(c.DefaultQuery("status", "pending,processing"), ",")
	for _, s := range statuses {
		status, err := facilitator.ParseStatus(strings.TrimSpace(s))
		if err != nil || status.IsTerminal() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "only non-terminal statuses can be listed"})
			return
		}
	}

	records, err := h.repo.ListNonTerminal(c.Request.Context())
	if err != nil {
		h.logger.Error("store list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}

	wanted := make(map[facilitator.Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[facilitator.Status(strings.TrimSpace(s))] = true
	}
	out := make([]facilitator.PaymentRecord, 0, len(records))
	for _, record := range records {
		if wanted[record.Status] {
			out = append(out, record)
		}
	}
	c.JSON(http.StatusOK, listResponse{Payments: out})
}
