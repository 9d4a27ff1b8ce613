package transport

// local.go — the host-application-facing API. The UI shell drives every
// mutation through these endpoints; they validate, call into the register
// machine / cache manager, and return the merged state. Peers never use them.

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mcalero11/pos-inteligente-sv/internal/document"
	"github.com/mcalero11/pos-inteligente-sv/internal/model"
	"github.com/mcalero11/pos-inteligente-sv/internal/register"
)

type openRegisterRequest struct {
	OpeningBalance decimal.Decimal `json:"opening_balance" binding:"required"`
	By             string          `json:"by" binding:"required"`
}

type closeRegisterRequest struct {
	CountedBalance decimal.Decimal `json:"counted_balance" binding:"required"`
	By             string          `json:"by" binding:"required"`
}

type movementRequest struct {
	Type   model.MovementType `json:"type" binding:"required"`
	Amount decimal.Decimal    `json:"amount" binding:"required"`
	Reason string             `json:"reason"`
	By     string             `json:"by" binding:"required"`
}

type checkoutRequest struct {
	CashierID     string              `json:"cashier_id" binding:"required"`
	CustomerID    string              `json:"customer_id"`
	PaymentMethod model.PaymentMethod `json:"payment_method" binding:"required"`
	CashShare     decimal.Decimal     `json:"cash_share"`
}

type voidRequest struct {
	Reason string `json:"reason" binding:"required"`
	By     string `json:"by" binding:"required"`
}

func (s *Server) localRoutes(r *gin.Engine) {
	r.POST("/register/open", s.openRegister)
	r.POST("/register/close", s.closeRegister)
	r.POST("/register/movements", s.addMovement)
	r.PUT("/cart", s.setCart)
	r.DELETE("/cart", s.clearCart)
	r.POST("/checkout", s.checkout)
	r.POST("/sales/:id/void", s.voidSale)
	r.PUT("/products", s.upsertProduct)
	r.GET("/products/:id", s.getProduct)
}

// fail maps the core's error taxonomy onto status codes: validation errors
// are 409/400, a poisoned store is 503 (resync required).
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, document.ErrStorePoisoned):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": err.Error()})
	case errors.Is(err, register.ErrAlreadyOpen),
		errors.Is(err, register.ErrNotOpen),
		errors.Is(err, register.ErrAlreadyVoided):
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
	case errors.Is(err, register.ErrSaleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	}
}

func (s *Server) openRegister(c *gin.Context) {
	var req openRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if _, err := s.machine.Open(req.OpeningBalance, req.By); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.store.Snapshot().CashRegister)
}

func (s *Server) closeRegister(c *gin.Context) {
	var req closeRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	report, err := s.machine.Close(req.CountedBalance, req.By)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"expected_balance": report.ExpectedBalance,
		"counted_balance":  report.CountedBalance,
		"discrepancy":      report.Discrepancy,
		"register":         s.store.Snapshot().CashRegister,
	})
}

func (s *Server) addMovement(c *gin.Context) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	var err error
	switch req.Type {
	case model.MovementDeposit:
		err = s.machine.Deposit(req.Amount, req.Reason, req.By)
	case model.MovementWithdrawal:
		err = s.machine.Withdraw(req.Amount, req.Reason, req.By)
	case model.MovementAdjustment:
		err = s.machine.Adjust(req.Amount, req.Reason, req.By)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"detail": "type must be DEPOSIT, WITHDRAWAL or ADJUSTMENT"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.store.Snapshot().CashRegister)
}

func (s *Server) setCart(c *gin.Context) {
	var cart model.CurrentCart
	if err := c.ShouldBindJSON(&cart); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := s.machine.SetCart(cart); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.store.Snapshot().CurrentCart)
}

func (s *Server) clearCart(c *gin.Context) {
	if err := s.machine.AbandonCart(); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	sale, err := s.machine.CompleteCheckout(req.CashierID, req.CustomerID, req.PaymentMethod, req.CashShare)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sale)
}

func (s *Server) voidSale(c *gin.Context) {
	var req voidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := s.machine.VoidSale(c.Param("id"), req.Reason, req.By); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) upsertProduct(c *gin.Context) {
	var p model.Product
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if p.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "product id is required"})
		return
	}
	if err := s.products.Upsert(p); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// getProduct serves offline lookups. A miss is a recoverable condition the UI
// renders as "product not found offline" — never an error, never a network
// wait.
func (s *Server) getProduct(c *gin.Context) {
	p, ok := s.products.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "product not cached for offline use"})
		return
	}
	c.JSON(http.StatusOK, p)
}
