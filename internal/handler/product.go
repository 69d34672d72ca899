package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/cylinder-shop/internal/product"
)

type CreateProductRequest struct {
	Name      string          `json:"name" validate:"required,min=2,max=200"`
	Thumbnail string          `json:"thumbnail" validate:"max=500"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock" validate:"min=0"`
}

type RestockRequest struct {
	Quantity int `json:"quantity" validate:"required,min=1"`
}

type ProductHandler struct {
	service  product.Service
	validate *validator.Validate
}

func NewProductHandler(service product.Service) *ProductHandler {
	return &ProductHandler{
		service:  service,
		validate: newValidator(),
	}
}

func (h *ProductHandler) RegisterRoutes(router chi.Router) {
	router.Post("/products", h.handleCreateProduct)
	router.Get("/products/{id}", h.handleGetProduct)
	router.Post("/products/{id}/restock", h.handleRestock)
}

func (h *ProductHandler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := decodeJSON(r, &req, false); err != nil {
		log.Warn().Err(err).Msg("handler: failed to decode create product body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if !validateRequest(w, h.validate, req) {
		return
	}

	created, err := h.service.CreateProduct(r.Context(), &product.Product{
		Name:      req.Name,
		Thumbnail: req.Thumbnail,
		Price:     req.Price,
		Stock:     req.Stock,
	})
	if err != nil {
		respondWithServiceError(w, err, "Failed to create product")
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

func (h *ProductHandler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	p, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, err, "Failed to get product")
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *ProductHandler) handleRestock(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	var req RestockRequest
	if err := decodeJSON(r, &req, false); err != nil {
		log.Warn().Err(err).Msg("handler: failed to decode restock body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if !validateRequest(w, h.validate, req) {
		return
	}

	p, err := h.service.Restock(r.Context(), id, req.Quantity)
	if err != nil {
		respondWithServiceError(w, err, "Failed to restock product")
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}
