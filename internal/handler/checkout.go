package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Arnaldocloud/bingo-admin/internal/repository"
	"github.com/Arnaldocloud/bingo-admin/internal/service"
)

func nowUTC() time.Time { return time.Now().UTC() }

// CheckoutHandler implements the buyer checkout flow: reserve, purchase,
// release, plus the buyer's order-status view. Every request body is a
// typed struct validated before it reaches the reservation engine.
type CheckoutHandler struct {
	Service *service.ReservationService
	Orders  *repository.OrderRepo
}

// NewCheckoutHandler constructs a CheckoutHandler. Service must be
// non-nil; Orders may be nil in tests that skip the order view.
func NewCheckoutHandler(svc *service.ReservationService, orders *repository.OrderRepo) *CheckoutHandler {
	if svc == nil {
		panic("nil service passed to NewCheckoutHandler")
	}
	return &CheckoutHandler{Service: svc, Orders: orders}
}

type reserveRequest struct {
	CardNumbers []int  `json:"card_numbers"`
	BuyerID     string `json:"buyer_id"`
	TTLMinutes  int    `json:"ttl_minutes"`
}

// Reserve handles POST /v1/cards/reserve. On success the cards are held
// for the buyer until the returned expiry. When any requested card is
// taken, the response lists the exact conflicting numbers and nothing is
// reserved.
func (h *CheckoutHandler) Reserve(c echo.Context) error {
	var body reserveRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.TTLMinutes < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "ttl_minutes must be positive"})
	}

	until, err := h.Service.Reserve(c.Request().Context(), body.CardNumbers, body.BuyerID,
		time.Duration(body.TTLMinutes)*time.Minute)
	if err != nil {
		return checkoutError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"reserved":     len(body.CardNumbers),
		"expires_at":   until.Format(time.RFC3339),
		"card_numbers": body.CardNumbers,
	})
}

type purchaseRequest struct {
	CardNumbers      []int  `json:"card_numbers"`
	BuyerID          string `json:"buyer_id"`
	BuyerName        string `json:"buyer_name"`
	Phone            string `json:"phone"`
	Email            string `json:"email"`
	PaymentMethod    string `json:"payment_method"`
	PaymentReference string `json:"payment_reference"`
}

// Purchase handles POST /v1/cards/purchase. It confirms the buyer's live
// reservation into a sale and returns the purchase order id. Retrying
// after a timeout is safe; a replayed confirmation returns the original
// order with 200 instead of 201.
func (h *CheckoutHandler) Purchase(c echo.Context) error {
	var body purchaseRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.BuyerName == "" || body.Phone == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "buyer_name and phone are required"})
	}

	order, replayed, err := h.Service.ConfirmPurchase(c.Request().Context(), service.PurchaseRequest{
		BuyerID:          body.BuyerID,
		BuyerName:        body.BuyerName,
		Phone:            body.Phone,
		Email:            body.Email,
		PaymentMethod:    body.PaymentMethod,
		PaymentReference: body.PaymentReference,
		CardNumbers:      body.CardNumbers,
	})
	if err != nil {
		return checkoutError(c, err)
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	return c.JSON(status, echo.Map{
		"success":      true,
		"order_id":     order.ID,
		"total_cents":  order.TotalCents,
		"card_numbers": order.CardNumbers,
		"replayed":     replayed,
	})
}

type releaseRequest struct {
	BuyerID string `json:"buyer_id"`
}

// Release handles POST /v1/cards/release. It frees every card the buyer
// holds; releasing with no holds succeeds with released=0.
func (h *CheckoutHandler) Release(c echo.Context) error {
	var body releaseRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	released, err := h.Service.Release(c.Request().Context(), body.BuyerID)
	if err != nil {
		return checkoutError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "released": released})
}

// MyOrders handles GET /v1/orders?buyer_id=. It returns the buyer's
// purchase orders, newest first, so a buyer can track verification status.
func (h *CheckoutHandler) MyOrders(c echo.Context) error {
	buyerID := c.QueryParam("buyer_id")
	if buyerID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "buyer_id is required"})
	}
	orders, err := h.Orders.ListByBuyer(c.Request().Context(), buyerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load orders"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": orders})
}

// checkoutError maps reservation-engine failures onto HTTP answers.
// Conflicts and expiries always name the affected card numbers so the UI
// can prompt re-selection instead of showing a generic failure.
func checkoutError(c echo.Context, err error) error {
	var unavailable *repository.UnavailableError
	if errors.As(err, &unavailable) {
		return c.JSON(http.StatusConflict, echo.Map{
			"error":                    "cards_unavailable",
			"message":                  "some cards are sold or held by another buyer",
			"conflicting_card_numbers": unavailable.Numbers,
		})
	}
	var expired *repository.ExpiredError
	if errors.As(err, &expired) {
		return c.JSON(http.StatusConflict, echo.Map{
			"error":                    "reservation_expired",
			"message":                  "reservation expired or missing; re-select and reserve again",
			"conflicting_card_numbers": expired.Numbers,
		})
	}
	switch {
	case errors.Is(err, service.ErrNoCardNumbers),
		errors.Is(err, service.ErrNoBuyer),
		errors.Is(err, service.ErrBadTTL):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "storage error, retry later"})
}
