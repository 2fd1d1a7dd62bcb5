package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/textutil"
	"github.com/rewards-hub/api/internal/repositories"
)

const (
	maxTitleLength    = 120
	maxIngestionBatch = 1000
	productIDDraws    = 64
)

// CatalogServiceDeps bundles collaborators required to construct the catalog service.
type CatalogServiceDeps struct {
	Products    repositories.ProductRepository
	Logs        repositories.ProductLogRepository
	Sequences   SequenceService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	products  repositories.ProductRepository
	logs      repositories.ProductLogRepository
	sequences SequenceService
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService constructs the catalog service.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}
	if deps.Sequences == nil {
		return nil, errors.New("catalog service: sequence service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = defaultIDGenerator
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &catalogService{
		products:  deps.Products,
		logs:      deps.Logs,
		sequences: deps.Sequences,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *catalogService) ListProducts(ctx context.Context, activeOnly bool) ([]Product, error) {
	products, err := s.products.List(ctx, repositories.ProductListFilter{ActiveOnly: activeOnly})
	if err != nil {
		return nil, mapRepositoryError("catalog", err)
	}
	return products, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID int64) (Product, error) {
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		return Product{}, mapRepositoryError("catalog", err)
	}
	return product, nil
}

func (s *catalogService) CreateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	if !cmd.Actor.Privileged() {
		return Product{}, fmt.Errorf("%w: only administrators may add products", ErrForbidden)
	}
	row, err := normalizeProductRow(ProductRow{
		Title:          cmd.Title,
		RewardPoints:   cmd.RewardPoints,
		IsCustomisable: cmd.IsCustomisable,
		ImageRef:       cmd.ImageRef,
	})
	if err != nil {
		return Product{}, err
	}
	product, drawn, err := s.insert(ctx, row)
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicateTitle) {
			s.releaseRejectedIDs(ctx, []int64{drawn})
		}
		return Product{}, mapRepositoryError("catalog", err)
	}
	s.logger(ctx, "catalog.product.created", map[string]any{"productId": product.ProductID, "actorId": cmd.Actor.EmployeeID})
	return product, nil
}

// insert allocates a product id and stores the row. Ids held by other products are skipped
// until a free one is drawn. On a duplicate title the drawn id is returned so it can be released.
func (s *catalogService) insert(ctx context.Context, row ProductRow) (Product, int64, error) {
	var lastErr error
	for range productIDDraws {
		if err := ctx.Err(); err != nil {
			return Product{}, 0, err
		}
		productID, err := s.sequences.Next(ctx, domain.CounterProducts)
		if err != nil {
			return Product{}, 0, err
		}
		now := s.clock()
		product := Product{
			ProductID:      productID,
			Title:          row.Title,
			RewardPoints:   row.RewardPoints,
			IsCustomisable: row.IsCustomisable,
			ImageRef:       row.ImageRef,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err = s.products.Insert(ctx, product, textutil.TitleKey(row.Title))
		if err == nil {
			return product, productID, nil
		}
		lastErr = err
		if errors.Is(err, repositories.ErrDuplicateTitle) {
			return Product{}, productID, err
		}
		if !isConflict(err) {
			return Product{}, 0, err
		}
	}
	return Product{}, 0, lastErr
}

func (s *catalogService) UpdateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	if !cmd.Actor.Privileged() {
		return Product{}, fmt.Errorf("%w: only administrators may edit products", ErrForbidden)
	}
	before, err := s.products.Get(ctx, cmd.ProductID)
	if err != nil {
		return Product{}, mapRepositoryError("catalog", err)
	}
	row, err := normalizeProductRow(ProductRow{
		Title:          cmd.Title,
		RewardPoints:   cmd.RewardPoints,
		IsCustomisable: cmd.IsCustomisable,
		ImageRef:       cmd.ImageRef,
	})
	if err != nil {
		return Product{}, err
	}

	after := before
	after.Title = row.Title
	after.RewardPoints = row.RewardPoints
	after.IsCustomisable = row.IsCustomisable
	after.ImageRef = row.ImageRef
	after.UpdatedAt = s.clock()

	updateErr := s.products.Update(ctx, after, textutil.TitleKey(after.Title))
	s.recordEdit(ctx, cmd.Actor, before, after, updateErr == nil)
	if updateErr != nil {
		return Product{}, mapRepositoryError("catalog", updateErr)
	}
	return after, nil
}

func (s *catalogService) recordEdit(ctx context.Context, actor Actor, before, after Product, success bool) {
	if s.logs == nil {
		return
	}
	entry := ProductEditLog{
		ID:        s.newID(),
		ActorID:   actor.EmployeeID,
		ActorName: actor.Name,
		ProductID: before.ProductID,
		Before:    before.Snapshot(),
		After:     after.Snapshot(),
		Success:   success,
		At:        s.clock(),
	}
	if err := s.logs.Insert(ctx, entry); err != nil {
		s.logger(ctx, "catalog.edit_log.failed", map[string]any{"productId": before.ProductID, "error": err.Error()})
	}
}

func (s *catalogService) SetProductActive(ctx context.Context, cmd SetProductActiveCommand) (Product, error) {
	if !cmd.Actor.Privileged() {
		return Product{}, fmt.Errorf("%w: only administrators may change product availability", ErrForbidden)
	}
	changed, err := s.products.SetActive(ctx, cmd.ProductID, cmd.Active, s.clock())
	if err != nil {
		return Product{}, mapRepositoryError("catalog", err)
	}
	if !changed {
		state := "deactivated"
		if cmd.Active {
			state = "activated"
		}
		return Product{}, fmt.Errorf("%w: product %d already %s", ErrConflict, cmd.ProductID, state)
	}
	s.logger(ctx, "catalog.product.availability", map[string]any{"productId": cmd.ProductID, "active": cmd.Active})
	return s.GetProduct(ctx, cmd.ProductID)
}

func (s *catalogService) ListEditLogs(ctx context.Context, productID int64) ([]ProductEditLog, error) {
	if s.logs == nil {
		return nil, nil
	}
	entries, err := s.logs.List(ctx, productID)
	if err != nil {
		return nil, mapRepositoryError("catalog", err)
	}
	return entries, nil
}

// IngestProducts inserts each valid row and hands back to the product sequence the ids drawn
// by duplicate rows that still sit at the top of the counter.
func (s *catalogService) IngestProducts(ctx context.Context, cmd IngestProductsCommand) (IngestionReport, error) {
	if !cmd.Actor.Privileged() {
		return IngestionReport{}, fmt.Errorf("%w: only administrators may ingest products", ErrForbidden)
	}
	if len(cmd.Rows) == 0 || len(cmd.Rows) > maxIngestionBatch {
		return IngestionReport{}, fmt.Errorf("%w: between 1 and %d rows are required", ErrValidation, maxIngestionBatch)
	}

	var report IngestionReport
	var rejected []int64
	var failure error
	for _, raw := range cmd.Rows {
		row, err := normalizeProductRow(raw)
		if err != nil {
			report.Invalid = append(report.Invalid, raw.Title)
			continue
		}
		product, drawn, err := s.insert(ctx, row)
		switch {
		case err == nil:
			report.Inserted = append(report.Inserted, product)
		case errors.Is(err, repositories.ErrDuplicateTitle):
			report.Duplicates = append(report.Duplicates, row.Title)
			rejected = append(rejected, drawn)
		default:
			failure = err
		}
		if failure != nil {
			break
		}
	}

	s.releaseRejectedIDs(ctx, rejected)
	s.logger(ctx, "catalog.ingestion.completed", map[string]any{
		"inserted":   len(report.Inserted),
		"duplicates": len(report.Duplicates),
		"invalid":    len(report.Invalid),
	})
	if failure != nil {
		return report, mapRepositoryError("catalog", failure)
	}
	return report, nil
}

// releaseRejectedIDs lowers the product counter over the unbroken run of rejected ids that
// ends at its current value. Ids below an issued id stay consumed.
func (s *catalogService) releaseRejectedIDs(ctx context.Context, rejected []int64) {
	if len(rejected) == 0 {
		return
	}
	current, err := s.sequences.Current(ctx, domain.CounterProducts)
	if err != nil {
		s.logger(ctx, "catalog.sequence.decrement_failed", map[string]any{"count": len(rejected), "error": err.Error()})
		return
	}
	unused := make(map[int64]struct{}, len(rejected))
	for _, id := range rejected {
		unused[id] = struct{}{}
	}
	var n int64
	for {
		if _, ok := unused[current-n]; !ok {
			break
		}
		n++
	}
	if n == 0 {
		return
	}
	if err := s.sequences.Decrement(ctx, domain.CounterProducts, n); err != nil {
		s.logger(ctx, "catalog.sequence.decrement_failed", map[string]any{"count": n, "error": err.Error()})
	}
}

func normalizeProductRow(row ProductRow) (ProductRow, error) {
	row.Title = truncate(textutil.SanitizeText(row.Title), maxTitleLength)
	row.ImageRef = textutil.CollapseSpaces(row.ImageRef)
	if row.Title == "" {
		return ProductRow{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if row.RewardPoints <= 0 {
		return ProductRow{}, fmt.Errorf("%w: reward points must be positive", ErrValidation)
	}
	return row, nil
}
