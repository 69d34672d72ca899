package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/cylinder-shop/internal/order"
)

const idempotencyKeyHeader = "Idempotency-Key"

type UpdateLineRequest struct {
	Status           *string    `json:"order_status,omitempty" validate:"omitempty,max=32"`
	TrackingID       *string    `json:"tracking_id,omitempty" validate:"omitempty,max=128"`
	CourierPartner   *string    `json:"courier_partner,omitempty" validate:"omitempty,max=128"`
	ExpectedDelivery *time.Time `json:"expected_delivery,omitempty"`
}

type CancelLineRequest struct {
	Reason string `json:"cancel_reason" validate:"max=500"`
}

type OrderHandler struct {
	service  order.Service
	validate *validator.Validate
}

func NewOrderHandler(service order.Service) *OrderHandler {
	return &OrderHandler{
		service:  service,
		validate: newValidator(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders", h.handlePlaceOrder)
	router.Get("/orders/{id}", h.handleGetOrder)
	router.Patch("/orders/{id}", h.handleUpdateAllLines)
	router.Patch("/orders/{id}/items/{itemID}", h.handleUpdateLine)
	router.Patch("/orders/{id}/items/{itemID}/cancel", h.handleCancelLine)
	router.Get("/users/{userID}/orders", h.handleListUserOrders)
}

func (h *OrderHandler) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var in order.PlaceOrderInput
	if err := decodeJSON(r, &in, false); err != nil {
		log.Warn().Err(err).Msg("handler: failed to decode place order body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	// The header wins over the body so clients can retry without editing it.
	if key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)); key != "" {
		in.IdempotencyKey = key
	}

	placement, err := h.service.PlaceOrder(r.Context(), in)
	if err != nil {
		respondWithServiceError(w, err, "Failed to place order")
		return
	}

	code := http.StatusCreated
	if placement.Replayed {
		code = http.StatusOK
	}
	if placement.Rejected == nil {
		placement.Rejected = []order.LineRejection{}
	}
	respondWithJSON(w, code, placement)
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	o, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to get order")
		return
	}
	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleListUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	orders, err := h.service.ListUserOrders(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to list orders")
		return
	}
	respondWithJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) handleUpdateAllLines(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	upd, ok := h.readLineUpdate(w, r)
	if !ok {
		return
	}

	o, err := h.service.UpdateAllLines(r.Context(), orderID, upd)
	if err != nil {
		respondWithServiceError(w, err, "Failed to update order")
		return
	}
	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := parseUUIDParam(w, r, "itemID")
	if !ok {
		return
	}
	upd, ok := h.readLineUpdate(w, r)
	if !ok {
		return
	}

	o, err := h.service.UpdateLine(r.Context(), orderID, lineID, upd)
	if err != nil {
		respondWithServiceError(w, err, "Failed to update order item")
		return
	}
	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleCancelLine(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := parseUUIDParam(w, r, "itemID")
	if !ok {
		return
	}

	var req CancelLineRequest
	if err := decodeJSON(r, &req, true); err != nil {
		log.Warn().Err(err).Msg("handler: failed to decode cancel body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if !validateRequest(w, h.validate, req) {
		return
	}

	o, err := h.service.CancelLine(r.Context(), orderID, lineID, req.Reason)
	if err != nil {
		respondWithServiceError(w, err, "Failed to cancel order item")
		return
	}
	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) readLineUpdate(w http.ResponseWriter, r *http.Request) (order.LineUpdate, bool) {
	var req UpdateLineRequest
	if err := decodeJSON(r, &req, false); err != nil {
		log.Warn().Err(err).Msg("handler: failed to decode update body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return order.LineUpdate{}, false
	}
	if !validateRequest(w, h.validate, req) {
		return order.LineUpdate{}, false
	}

	upd := order.LineUpdate{
		TrackingID:       req.TrackingID,
		CourierPartner:   req.CourierPartner,
		ExpectedDelivery: req.ExpectedDelivery,
	}
	if req.Status != nil {
		status, err := order.ParseLineStatus(*req.Status)
		if err != nil {
			respondWithValidation(w, map[string]string{"order_status": err.Error()})
			return order.LineUpdate{}, false
		}
		upd.Status = &status
	}
	return upd, true
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	param := chi.URLParam(r, name)
	id, err := uuid.FromString(param)
	if err != nil {
		log.Warn().Err(err).Str(name, param).Msg("handler: failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid "+name+" parameter")
		return uuid.Nil, false
	}
	return id, true
}
