package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Arnaldocloud/bingo-admin/internal/model"
	"github.com/Arnaldocloud/bingo-admin/internal/service"
)

// CardHandler serves the public card gallery.
type CardHandler struct {
	Service *service.ReservationService
}

// NewCardHandler constructs a CardHandler. The service must be non-nil.
func NewCardHandler(svc *service.ReservationService) *CardHandler {
	if svc == nil {
		panic("nil service passed to NewCardHandler")
	}
	return &CardHandler{Service: svc}
}

// cardView is the gallery representation of a card: lifecycle state is
// exposed as a single derived field instead of the raw nullable columns.
type cardView struct {
	Number     int             `json:"card_number"`
	Numbers    model.Grid      `json:"numbers"`
	ImageURL   string          `json:"image_url"`
	PriceCents int64           `json:"price_cents"`
	State      model.CardState `json:"state"`
	HeldByYou  bool            `json:"held_by_you,omitempty"`
}

// ListCards handles GET /v1/cards. Query parameters: page (default 1),
// page_size (default 50, max 200), search (substring filter on card
// number) and buyer_id (include that buyer's own held cards). The
// response carries offset pagination metadata:
// {data, count, page, page_size, total_pages}.
func (h *CardHandler) ListCards(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	search := c.QueryParam("search")
	buyerID := c.QueryParam("buyer_id")
	if page < 1 {
		page = 1
	}

	cards, total, err := h.Service.ListCards(c.Request().Context(), buyerID, page, pageSize, search)
	if err != nil {
		if err == service.ErrBadPageSize {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "page_size out of range"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load cards"})
	}
	if pageSize == 0 {
		pageSize = 50
	}

	now := nowUTC()
	views := make([]cardView, 0, len(cards))
	for _, card := range cards {
		v := cardView{
			Number:     card.Number,
			Numbers:    card.Numbers,
			ImageURL:   card.ImageURL,
			PriceCents: card.PriceCents,
			State:      card.State(now),
		}
		if buyerID != "" && card.HeldBy(buyerID, now) {
			v.HeldByYou = true
		}
		views = append(views, v)
	}

	totalPages := (total + pageSize - 1) / pageSize
	return c.JSON(http.StatusOK, echo.Map{
		"data":        views,
		"count":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	})
}
