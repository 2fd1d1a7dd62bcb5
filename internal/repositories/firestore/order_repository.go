package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"

	domain "github.com/rewards-hub/api/internal/domain"
	pfirestore "github.com/rewards-hub/api/internal/platform/firestore"
	"github.com/rewards-hub/api/internal/platform/pagination"
	"github.com/rewards-hub/api/internal/repositories"
)

// Firestore caps disjunctions in a single "in" filter.
const maxInValues = 30

// OrderRepository stores orders and their histories in sibling collections. The order
// document carries a denormalised status so listings can filter on it.
type OrderRepository struct {
	provider  *pfirestore.Provider
	orders    *pfirestore.Collection[orderDocument]
	histories *pfirestore.Collection[historyDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:  provider,
		orders:    pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		histories: pfirestore.NewCollection[historyDocument](provider, historiesCollection),
	}, nil
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order, history domain.OrderHistory) error {
	orderRef, err := r.orders.Doc(ctx, intID(order.OrderID))
	if err != nil {
		return err
	}
	historyRef, err := r.histories.Doc(ctx, history.HistoryID)
	if err != nil {
		return err
	}
	// Create fails with AlreadyExists, which WrapError reports as a conflict.
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(orderRef, encodeOrder(order, history.Status)); err != nil {
			return err
		}
		return tx.Create(historyRef, encodeHistory(history))
	})
}

func (r *OrderRepository) Get(ctx context.Context, orderID int64) (domain.OrderView, error) {
	doc, err := r.orders.Get(ctx, intID(orderID))
	if err != nil {
		return domain.OrderView{}, err
	}
	history, err := r.histories.Get(ctx, doc.StatusRef)
	if err != nil {
		return domain.OrderView{}, err
	}
	return domain.OrderView{Order: doc.domain(), History: history.domain()}, nil
}

func (r *OrderRepository) ApplyTransition(ctx context.Context, req repositories.TransitionRequest) (domain.OrderView, error) {
	orderRef, err := r.orders.Doc(ctx, intID(req.OrderID))
	if err != nil {
		return domain.OrderView{}, err
	}

	var view domain.OrderView
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := pfirestore.GetTx[orderDocument](tx, orderRef)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NotFoundError("orders.transition", "order %d not found", req.OrderID)
		}
		historyRef, err := r.histories.Doc(ctx, doc.StatusRef)
		if err != nil {
			return err
		}
		history, found, err := pfirestore.GetTx[historyDocument](tx, historyRef)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NotFoundError("orders.transition", "history %s not found", doc.StatusRef)
		}
		if history.Status != string(req.Expected) {
			return repositories.ConflictError("orders.transition", "order %d is %s, expected %s", req.OrderID, history.Status, req.Expected)
		}

		history.History = append(history.History, encodeHistoryEntry(req.Entry))
		history.Status = string(req.Entry.Status)
		doc.Status = history.Status
		if req.RefundPending {
			at := req.Entry.Time.UTC()
			doc.RefundState = string(domain.RefundStatePending)
			doc.RefundUpdatedAt = &at
		}
		if err := tx.Set(historyRef, history); err != nil {
			return err
		}
		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}
		view = domain.OrderView{Order: doc.domain(), History: history.domain()}
		return nil
	})
	if err != nil {
		return domain.OrderView{}, err
	}
	return view, nil
}

func (r *OrderRepository) SetRefundState(ctx context.Context, orderID int64, state domain.RefundState, at time.Time) error {
	ref, err := r.orders.Doc(ctx, intID(orderID))
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "refundState", Value: string(state)},
		{Path: "refundUpdatedAt", Value: at.UTC()},
	})
	return pfirestore.WrapError("orders.refund", err)
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.OrderView], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.OrderView]{}, &repositories.StoreError{Op: "orders.list", Err: err}
	}
	if len(filter.EmployeeIDs) > maxInValues || len(filter.Statuses) > maxInValues {
		return domain.CursorPage[domain.OrderView]{}, &repositories.StoreError{Op: "orders.list", Err: fmt.Errorf("at most %d filter values are supported", maxInValues)}
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	collection, err := r.orders.Ref(ctx)
	if err != nil {
		return domain.CursorPage[domain.OrderView]{}, err
	}
	query := collection.Query
	switch len(filter.EmployeeIDs) {
	case 0:
	case 1:
		query = query.Where("employeeId", "==", filter.EmployeeIDs[0])
	default:
		query = query.Where("employeeId", "in", filter.EmployeeIDs)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy("orderId", firestore.Desc)
	if !cursor.IsZero() {
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}
	query = query.Limit(size + 1)

	docs, err := pfirestore.All[orderDocument](ctx, "orders.list", query)
	if err != nil {
		return domain.CursorPage[domain.OrderView]{}, err
	}
	var next string
	if len(docs) > size {
		docs = docs[:size]
		last := docs[len(docs)-1]
		next = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.OrderID})
	}

	views, err := r.withHistories(ctx, docs)
	if err != nil {
		return domain.CursorPage[domain.OrderView]{}, err
	}
	return domain.CursorPage[domain.OrderView]{Items: views, NextPageToken: next}, nil
}

func (r *OrderRepository) withHistories(ctx context.Context, docs []orderDocument) ([]domain.OrderView, error) {
	if len(docs) == 0 {
		return []domain.OrderView{}, nil
	}
	collection, err := r.histories.Ref(ctx)
	if err != nil {
		return nil, err
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]*firestore.DocumentRef, 0, len(docs))
	for _, doc := range docs {
		refs = append(refs, collection.Doc(doc.StatusRef))
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("orders.histories", err)
	}

	views := make([]domain.OrderView, 0, len(docs))
	for i, doc := range docs {
		view := domain.OrderView{Order: doc.domain()}
		if snaps[i].Exists() {
			history, err := pfirestore.Decode[historyDocument](snaps[i])
			if err != nil {
				return nil, err
			}
			view.History = history.domain()
		}
		views = append(views, view)
	}
	return views, nil
}

func (r *OrderRepository) ListPendingRefunds(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	collection, err := r.orders.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := collection.
		Where("refundState", "==", string(domain.RefundStatePending)).
		Where("refundUpdatedAt", "<", updatedBefore.UTC()).
		OrderBy("refundUpdatedAt", firestore.Asc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	docs, err := pfirestore.All[orderDocument](ctx, "orders.pending_refunds", query)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.domain())
	}
	return out, nil
}

// CountByStatus runs one count aggregation per status.
func (r *OrderRepository) CountByStatus(ctx context.Context) (map[domain.OrderStatus]int, error) {
	collection, err := r.orders.Ref(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.OrderStatus]int, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		query := collection.Where("status", "==", string(status))
		result, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
		if err != nil {
			return nil, pfirestore.WrapError("orders.count", err)
		}
		value, ok := result["total"].(*firestorepb.Value)
		if !ok {
			return nil, fmt.Errorf("orders.count: unexpected aggregation result %T", result["total"])
		}
		counts[status] = int(value.GetIntegerValue())
	}
	return counts, nil
}
