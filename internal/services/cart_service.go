package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rewards-hub/api/internal/repositories"
)

const (
	checkoutErrorProductRemoved = "product removed"
	checkoutErrorCostChanged    = "cost changed"
)

// CartServiceDeps bundles collaborators required to construct the cart service.
type CartServiceDeps struct {
	Carts    repositories.CartRepository
	Products repositories.ProductRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

var _ CartService = (*cartService)(nil)

// NewCartService constructs the cart service and its checkout validator.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, employeeID int64) (Cart, error) {
	if employeeID <= 0 {
		return Cart{}, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	cart, err := s.carts.Get(ctx, employeeID)
	if err != nil {
		if isNotFound(err) {
			return Cart{EmployeeID: employeeID}, nil
		}
		return Cart{}, mapRepositoryError("cart", err)
	}
	return cart, nil
}

func (s *cartService) UpsertLine(ctx context.Context, cmd UpsertCartLineCommand) (Cart, error) {
	if cmd.ProductID <= 0 {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrValidation)
	}
	if cmd.Quantity < 1 || cmd.Quantity > maxLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrValidation, maxLineQuantity)
	}
	cmd.Customisation.Size = strings.ToUpper(strings.TrimSpace(cmd.Customisation.Size))
	if !cmd.Customisation.KnownSize() {
		return Cart{}, fmt.Errorf("%w: size %q is not offered", ErrValidation, cmd.Customisation.Size)
	}

	product, err := s.products.Get(ctx, cmd.ProductID)
	if err != nil {
		if isNotFound(err) {
			return Cart{}, fmt.Errorf("%w: product %d not found", ErrProductUnavailable, cmd.ProductID)
		}
		return Cart{}, mapRepositoryError("cart", err)
	}
	if !product.IsActive {
		return Cart{}, fmt.Errorf("%w: product %d is inactive", ErrProductUnavailable, cmd.ProductID)
	}
	if !product.IsCustomisable && !cmd.Customisation.IsZero() {
		return Cart{}, fmt.Errorf("%w: product %d does not accept customisation", ErrValidation, cmd.ProductID)
	}

	cart, err := s.GetCart(ctx, cmd.EmployeeID)
	if err != nil {
		return Cart{}, err
	}

	now := s.clock()
	line := CartLine{
		ProductID:                   product.ProductID,
		Quantity:                    cmd.Quantity,
		RewardPointsWhenAddedToCart: product.RewardPoints,
		Customisation:               cmd.Customisation,
		AddedAt:                     now,
	}
	idx := slices.IndexFunc(cart.Lines, func(existing CartLine) bool { return existing.ProductID == line.ProductID })
	if idx >= 0 {
		cart.Lines[idx] = line
	} else {
		cart.Lines = append(cart.Lines, line)
	}
	cart.UpdatedAt = now

	if err := s.carts.Save(ctx, cart); err != nil {
		return Cart{}, mapRepositoryError("cart", err)
	}
	return cart, nil
}

func (s *cartService) RemoveLine(ctx context.Context, employeeID, productID int64) (Cart, error) {
	cart, err := s.GetCart(ctx, employeeID)
	if err != nil {
		return Cart{}, err
	}
	if _, ok := cart.Line(productID); !ok {
		return Cart{}, fmt.Errorf("%w: product %d is not in the cart", ErrNotFound, productID)
	}
	if err := s.carts.RemoveLines(ctx, employeeID, []int64{productID}); err != nil {
		return Cart{}, mapRepositoryError("cart", err)
	}
	return s.GetCart(ctx, employeeID)
}

func (s *cartService) RemoveLines(ctx context.Context, employeeID int64, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	if err := s.carts.RemoveLines(ctx, employeeID, productIDs); err != nil {
		return mapRepositoryError("cart", err)
	}
	return nil
}

func (s *cartService) ClearCart(ctx context.Context, employeeID int64) error {
	if employeeID <= 0 {
		return fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	if err := s.carts.Save(ctx, Cart{EmployeeID: employeeID, UpdatedAt: s.clock()}); err != nil {
		return mapRepositoryError("cart", err)
	}
	return nil
}

// Validate annotates every cart line against the live catalog without changing anything.
func (s *cartService) Validate(ctx context.Context, employeeID int64) ([]CheckoutLine, error) {
	cart, err := s.GetCart(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	lines := make([]CheckoutLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		checked := CheckoutLine{Line: line}
		product, err := s.products.Get(ctx, line.ProductID)
		switch {
		case err != nil && !isNotFound(err):
			return nil, mapRepositoryError("cart", err)
		case err != nil || !product.IsActive:
			checked.IsError = true
			checked.ErrorMessage = checkoutErrorProductRemoved
		default:
			checked.Product = &product
			if product.RewardPoints != line.RewardPointsWhenAddedToCart {
				checked.IsError = true
				checked.ErrorMessage = checkoutErrorCostChanged
			}
		}
		lines = append(lines, checked)
	}
	return lines, nil
}
