package handlers

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestProducts_EmployeeSeesActiveCatalog(t *testing.T) {
	api := newTestAPI(t)
	mugID := api.createProduct("Coffee Mug", 400)
	lampID := api.createProduct("Desk Lamp", 900)

	rr := api.do(http.MethodPost, "/api/v1/admin/products", &adminActor, map[string]any{"title": "Team Shirt", "rewardPoints": 250, "isCustomisable": true})
	requireStatus(t, rr, http.StatusCreated)
	var shirt productPayload
	decodeBody(t, rr, &shirt)

	rr = api.do(http.MethodPost, "/api/v1/admin/products/"+strconv.FormatInt(lampID, 10)+":deactivate", &adminActor, nil)
	requireStatus(t, rr, http.StatusOK)

	rr = api.do(http.MethodGet, "/api/v1/products", &employeeActor, nil)
	requireStatus(t, rr, http.StatusOK)
	var body catalogListResponse
	decodeBody(t, rr, &body)

	want := []catalogItemPayload{
		{ProductID: mugID, Title: "Coffee Mug", RewardPoints: 400},
		{ProductID: shirt.ProductID, Title: "Team Shirt", RewardPoints: 250, IsCustomisable: true, Sizes: []string{"S", "M", "L", "XL"}},
	}
	if diff := cmp.Diff(want, body.Items); diff != "" {
		t.Fatalf("unexpected catalog (-want +got):\n%s", diff)
	}
}

func TestProducts_Sizes(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodGet, "/api/v1/products/sizes", &employeeActor, nil)
	requireStatus(t, rr, http.StatusOK)
	var body sizeListResponse
	decodeBody(t, rr, &body)
	if diff := cmp.Diff([]string{"S", "M", "L", "XL"}, body.Items); diff != "" {
		t.Fatalf("unexpected sizes (-want +got):\n%s", diff)
	}
}

func TestProducts_RequiresActor(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodGet, "/api/v1/products", nil, nil)
	requireStatus(t, rr, http.StatusUnauthorized)
	if code := errorCode(t, rr); code != "unauthenticated" {
		t.Fatalf("expected unauthenticated, got %q", code)
	}
}
