package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"confi/backend/internal/domain"
	"confi/backend/internal/store"
)

type cartLineDTO struct {
	VariantID  string `json:"variantId" validate:"required,max=64"`
	Quantity   int    `json:"quantity" validate:"gte=1,lte=10000"`
	FinalPrice int64  `json:"finalPrice" validate:"gte=0"`
	Subtotal   int64  `json:"subtotal" validate:"gte=0"`
}

type validateCartRequest struct {
	Items []cartLineDTO `json:"items" validate:"required,min=1,max=100,dive"`
}

type customerDTO struct {
	Name    string `json:"name" validate:"required,max=120"`
	Phone   string `json:"phone" validate:"required,max=32"`
	Email   string `json:"email" validate:"omitempty,email,max=254"`
	Address string `json:"address" validate:"max=500"`
}

type orderLineDTO struct {
	VariantID  string `json:"variantId" validate:"required,max=64"`
	Quantity   int    `json:"quantity" validate:"gte=1,lte=10000"`
	FinalPrice *int64 `json:"finalPrice" validate:"omitempty,gte=0"`
	Subtotal   *int64 `json:"subtotal" validate:"omitempty,gte=0"`
}

type createOrderRequest struct {
	Customer       customerDTO    `json:"customer"`
	DeliveryMethod string         `json:"deliveryMethod" validate:"required,oneof=pickup delivery"`
	Notes          string         `json:"notes" validate:"max=1000"`
	Items          []orderLineDTO `json:"items" validate:"required,min=1,max=100,dive"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type adjustRequest struct {
	Variant  string `json:"variant" validate:"required"`
	Quantity int    `json:"quantity" validate:"ne=0"`
	Reason   string `json:"reason" validate:"required,max=500"`
	Notes    string `json:"notes" validate:"max=1000"`
}

type restockRequest struct {
	Variant       string `json:"variant" validate:"required"`
	Quantity      int    `json:"quantity" validate:"gte=1"`
	Cost          int64  `json:"cost" validate:"gte=0"`
	Supplier      string `json:"supplier" validate:"max=200"`
	InvoiceNumber string `json:"invoiceNumber" validate:"max=100"`
	Notes         string `json:"notes" validate:"max=1000"`
}

type damageRequest struct {
	Variant  string `json:"variant" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=1"`
	Reason   string `json:"reason" validate:"required,max=500"`
	Notes    string `json:"notes" validate:"max=1000"`
}

func (a *API) handleValidateCart(w http.ResponseWriter, r *http.Request) {
	var req validateCartRequest
	if !a.decode(w, r, &req) {
		return
	}

	lines := make([]domain.CartLineRequest, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, domain.CartLineRequest(item))
	}
	result, err := a.service.ValidateCart(r.Context(), lines)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if !a.orderLimiter.Allow(clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", errors.New("too many orders, try again shortly"))
		return
	}

	var req createOrderRequest
	if !a.decode(w, r, &req) {
		return
	}

	items := make([]domain.OrderLineRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderLineRequest(item))
	}
	resp, err := a.service.CreateOrder(r.Context(), domain.CreateOrderRequest{
		Customer:       domain.Customer(req.Customer),
		DeliveryMethod: domain.DeliveryMethod(req.DeliveryMethod),
		Notes:          req.Notes,
		Items:          items,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := a.service.ListOrders(r.Context(), domain.OrderFilter{
		Status: domain.OrderStatus(strings.TrimSpace(query.Get("status"))),
		Page:   parsePositiveLimit(query.Get("page"), 1, 1<<20),
		Limit:  parsePositiveLimit(query.Get("limit"), store.DefaultPageLimit, store.MaxPageLimit),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleOrderContact(w http.ResponseWriter, r *http.Request) {
	link, err := a.service.ContactLink(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contact": link})
}

func (a *API) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !a.decode(w, r, &req) {
		return
	}
	target, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	order, err := a.service.TransitionOrder(r.Context(), domain.TransitionRequest{
		OrderID: chi.URLParam(r, "id"),
		Target:  target,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleConfirmOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.ConfirmOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !a.decode(w, r, &req) {
		return
	}
	order, err := a.service.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleWhatsAppSent(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.MarkWhatsAppSent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !a.decode(w, r, &req) {
		return
	}
	movement, err := a.service.AdjustStock(r.Context(), domain.StockAdjustRequest{
		VariantID: req.Variant,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		Notes:     req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"movement": movement})
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req restockRequest
	if !a.decode(w, r, &req) {
		return
	}
	movement, err := a.service.Restock(r.Context(), domain.RestockRequest{
		VariantID:     req.Variant,
		Quantity:      req.Quantity,
		CostCents:     req.Cost,
		Supplier:      req.Supplier,
		InvoiceNumber: req.InvoiceNumber,
		Notes:         req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"movement": movement})
}

func (a *API) handleDamage(w http.ResponseWriter, r *http.Request) {
	var req damageRequest
	if !a.decode(w, r, &req) {
		return
	}
	movement, err := a.service.RecordDamage(r.Context(), domain.DamageRequest{
		VariantID: req.Variant,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		Notes:     req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"movement": movement})
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	a.listMovements(w, r, domain.MovementFilter{
		VariantID: strings.TrimSpace(query.Get("variant")),
		OrderID:   strings.TrimSpace(query.Get("order")),
		Type:      domain.MovementType(strings.TrimSpace(query.Get("type"))),
	})
}

func (a *API) handleVariantMovements(w http.ResponseWriter, r *http.Request) {
	a.listMovements(w, r, domain.MovementFilter{VariantID: chi.URLParam(r, "id")})
}

func (a *API) handleOrderMovements(w http.ResponseWriter, r *http.Request) {
	a.listMovements(w, r, domain.MovementFilter{OrderID: chi.URLParam(r, "id")})
}

func (a *API) listMovements(w http.ResponseWriter, r *http.Request, filter domain.MovementFilter) {
	query := r.URL.Query()
	filter.Page = parsePositiveLimit(query.Get("page"), 1, 1<<20)
	filter.Limit = parsePositiveLimit(query.Get("limit"), store.DefaultPageLimit, store.MaxPageLimit)

	page, err := a.service.StockMovements(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleVariantStock(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.VariantStock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	levels, err := a.service.LowStock(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variants": levels})
}
