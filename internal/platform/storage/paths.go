package storage

import (
	"fmt"
	"strings"
)

var imageExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
}

// ImageContentTypes lists the accepted product image types.
func ImageContentTypes() []string {
	return []string{"image/png", "image/jpeg", "image/webp"}
}

// ProductImagePath is the object key for a new product image upload.
func ProductImagePath(productID int64, uploadID, contentType string) (string, error) {
	if productID <= 0 {
		return "", fmt.Errorf("storage: invalid product id %d", productID)
	}
	ext, ok := imageExtensions[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return "", fmt.Errorf("%w: %q", errContentTypeDenied, contentType)
	}
	id, err := segment("uploadID", uploadID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("catalog/products/%d/images/%s.%s", productID, id, ext), nil
}

// CouponBatchPath is the object key of a coupon batch export.
func CouponBatchPath(batchID string) (string, error) {
	id, err := segment("batchID", batchID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("coupons/batches/%s.csv", id), nil
}

// ObjectRef renders a gs:// reference stored on products.
func ObjectRef(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}

func segment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, `/\`), strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains path characters", name)
	}
	return value, nil
}
