package handler

import (
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Arnaldocloud/bingo-admin/internal/config"
	"github.com/Arnaldocloud/bingo-admin/internal/model"
	"github.com/Arnaldocloud/bingo-admin/internal/queue"
	"github.com/Arnaldocloud/bingo-admin/internal/repository"
	"github.com/Arnaldocloud/bingo-admin/internal/service"
	"github.com/Arnaldocloud/bingo-admin/internal/utils"
)

// AdminHandler implements the game-operations panel: login, card pool
// seeding, order verification and game-state broadcasts.
type AdminHandler struct {
	Cards   *repository.CardRepo
	Orders  *repository.OrderRepo
	Service *service.ReservationService
	Cfg     *config.Config
}

// NewAdminHandler constructs an AdminHandler. All dependencies must be
// non-nil.
func NewAdminHandler(cards *repository.CardRepo, orders *repository.OrderRepo, svc *service.ReservationService, cfg *config.Config) *AdminHandler {
	if cards == nil || orders == nil || svc == nil || cfg == nil {
		panic("nil dependency passed to NewAdminHandler")
	}
	return &AdminHandler{Cards: cards, Orders: orders, Service: svc, Cfg: cfg}
}

type loginRequest struct {
	Password string `json:"password"`
}

// Login handles POST /v1/admin/login. The admin password is verified
// against the bcrypt hash from the environment and a short-lived HS256
// token is issued. There is a single admin identity; operator accounts
// live in the external auth system.
func (h *AdminHandler) Login(c echo.Context) error {
	var body loginRequest
	if err := c.Bind(&body); err != nil || body.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "password is required"})
	}
	if !utils.VerifyPassword(h.Cfg.AdminPasswordHash, body.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	token, exp, err := utils.NewAdminToken(h.Cfg.JWTSecret, h.Cfg.AdminTokenTTLMin)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to issue token"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"access_token": token,
		"expires_at":   exp.Format(time.RFC3339),
	})
}

// SeedCards handles POST /v1/admin/cards/seed. It fills the pool up to the
// configured size with freshly drawn grids. Existing cards keep their
// numbers, grids and sale state, so re-seeding is safe at any time.
func (h *AdminHandler) SeedCards(c echo.Context) error {
	ctx := c.Request().Context()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	imageBase := c.QueryParam("image_base_url")

	created, err := h.Cards.SeedPool(ctx, h.Cfg.CardPoolSize, h.Cfg.CardPriceCents, imageBase, rnd)
	if err != nil {
		log.WithError(err).Error("card pool seed failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "seed failed"})
	}
	total, err := h.Cards.Count(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "seed count failed"})
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"created": created,
		"total":   total,
	})
}

// ListOrders handles GET /v1/admin/orders?status=. Pending orders come
// oldest first so the verification queue is worked in arrival order.
func (h *AdminHandler) ListOrders(c echo.Context) error {
	status := model.OrderStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown status"})
	}
	orders, err := h.Orders.ListByStatus(c.Request().Context(), status)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load orders"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": orders})
}

// VerifyOrder handles POST /v1/admin/orders/:id/verify.
func (h *AdminHandler) VerifyOrder(c echo.Context) error {
	return h.setOrderStatus(c, model.OrderVerified)
}

// RejectOrder handles POST /v1/admin/orders/:id/reject. Rejection only
// flags the order; the cards stay sold, refund handling is manual.
func (h *AdminHandler) RejectOrder(c echo.Context) error {
	return h.setOrderStatus(c, model.OrderRejected)
}

func (h *AdminHandler) setOrderStatus(c echo.Context, status model.OrderStatus) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid order id"})
	}
	err := h.Orders.SetStatus(c.Request().Context(), id, status)
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "order not found"})
	case errors.Is(err, repository.ErrOrderNotPending):
		return c.JSON(http.StatusConflict, echo.Map{"error": "order is not pending"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to update order"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "status": status})
}

type gameNotifyRequest struct {
	Type       string   `json:"type"`
	GameName   string   `json:"game_name"`
	Number     int      `json:"number"`
	WinnerCard int      `json:"winner_card"`
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
}

// NotifyGame handles POST /v1/admin/game/notify. It broadcasts a
// game-state event (number called, winner, game start/over) to the
// notification queue. Delivery is fire-and-forget; the endpoint answers
// as soon as the event is handed to the publisher.
func (h *AdminHandler) NotifyGame(c echo.Context) error {
	var body gameNotifyRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	switch body.Type {
	case queue.GameStarted, queue.NumberCalled, queue.WinnerFound, queue.GameOver:
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown event type"})
	}

	h.Service.NotifyGameState(c.Request().Context(), queue.GameStateEvent{
		Type:       body.Type,
		GameName:   body.GameName,
		Number:     body.Number,
		WinnerCard: body.WinnerCard,
		Message:    body.Message,
		Recipients: body.Recipients,
	})
	return c.JSON(http.StatusAccepted, echo.Map{"success": true})
}
