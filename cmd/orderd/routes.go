package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"orderflow/internal/order"
)

type orderResponse struct {
	ID       string           `json:"id"`
	UserID   string           `json:"userId"`
	Items    []order.LineItem `json:"items"`
	Currency string           `json:"currency"`
	Status   string           `json:"status"`
	Version  int64            `json:"version"`
	Total    int64            `json:"total"`
}

func toResponse(o *order.Order) orderResponse {
	return orderResponse{
		ID:       o.ID,
		UserID:   o.UserID,
		Items:    o.Items,
		Currency: o.Currency,
		Status:   string(o.Status),
		Version:  o.Version,
		Total:    o.Total(),
	}
}

func registerRoutes(e *echo.Echo, svc *order.Service) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	e.POST("/api/orders", func(c echo.Context) error {
		var cmd order.CreateOrderCommand
		if err := c.Bind(&cmd); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
		}
		if key := c.Request().Header.Get("Idempotency-Key"); key != "" {
			cmd.DedupToken = key
		}
		o, err := svc.CreateOrder(c.Request().Context(), cmd)
		if err != nil {
			return mapOrderError(err)
		}
		return c.JSON(http.StatusCreated, toResponse(o))
	})

	e.GET("/api/orders/:id", func(c echo.Context) error {
		o, err := svc.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return mapOrderError(err)
		}
		return c.JSON(http.StatusOK, toResponse(o))
	})

	command := func(apply func(context.Context, string) (*order.Order, error)) echo.HandlerFunc {
		return func(c echo.Context) error {
			o, err := apply(c.Request().Context(), c.Param("id"))
			if err != nil {
				return mapOrderError(err)
			}
			return c.JSON(http.StatusOK, toResponse(o))
		}
	}
	e.POST("/api/orders/:id/checkout", command(svc.StartCheckout))
	e.POST("/api/orders/:id/cancel", command(svc.Cancel))
	e.POST("/api/orders/:id/fulfill", command(svc.Fulfill))
}

func mapOrderError(err error) error {
	switch {
	case errors.Is(err, order.ErrInvalidCommand):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "concurrent update, retry")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
