package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	gcs "cloud.google.com/go/storage"

	domain "github.com/rewards-hub/api/internal/domain"
)

// CouponExport is the location of a written coupon batch.
type CouponExport struct {
	BatchID  string
	Object   string
	Download SignedURL
}

// CouponExporter writes issued coupons, secrets included, to a private bucket and hands
// back a short-lived download link. Secrets exist in clear text only in this file.
type CouponExporter struct {
	urls       *URLSigner
	openWriter func(ctx context.Context, object string) io.WriteCloser
}

// NewCouponExporter writes through client into the signer's bucket.
func NewCouponExporter(client *gcs.Client, urls *URLSigner) (*CouponExporter, error) {
	if client == nil || urls == nil {
		return nil, errors.New("storage: coupon exporter requires a client and url signer")
	}
	bucket := client.Bucket(urls.Bucket())
	return &CouponExporter{
		urls: urls,
		openWriter: func(ctx context.Context, object string) io.WriteCloser {
			w := bucket.Object(object).NewWriter(ctx)
			w.ContentType = "text/csv"
			w.CacheControl = "no-store"
			return w
		},
	}, nil
}

// Export writes coupons under batchID.
func (e *CouponExporter) Export(ctx context.Context, batchID string, coupons []domain.IssuedCoupon) (CouponExport, error) {
	object, err := CouponBatchPath(batchID)
	if err != nil {
		return CouponExport{}, err
	}

	w := e.openWriter(ctx, object)
	if err := writeCouponCSV(w, coupons); err != nil {
		_ = w.Close()
		return CouponExport{}, err
	}
	if err := w.Close(); err != nil {
		return CouponExport{}, fmt.Errorf("storage: finalise coupon export: %w", err)
	}

	download, err := e.urls.Download(ctx, object, "coupons-"+batchID+".csv", 0)
	if err != nil {
		return CouponExport{}, err
	}
	return CouponExport{BatchID: batchID, Object: object, Download: download}, nil
}

func writeCouponCSV(w io.Writer, coupons []domain.IssuedCoupon) error {
	out := csv.NewWriter(w)
	if err := out.Write([]string{"couponCode", "secretCode", "points", "category"}); err != nil {
		return fmt.Errorf("storage: write coupon export: %w", err)
	}
	for _, c := range coupons {
		row := []string{c.CouponCode, c.SecretCode, strconv.FormatInt(c.Points, 10), c.Category}
		if err := out.Write(row); err != nil {
			return fmt.Errorf("storage: write coupon export: %w", err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("storage: write coupon export: %w", err)
	}
	return nil
}
