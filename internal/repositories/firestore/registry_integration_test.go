//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	pconfig "github.com/rewards-hub/api/internal/platform/config"
	pfirestore "github.com/rewards-hub/api/internal/platform/firestore"
	"github.com/rewards-hub/api/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func newEmulatorRegistry(t *testing.T) *Registry {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "rewards-test", EmulatorHost: endpoint})
	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	return registry
}

func TestRegistryIntegration(t *testing.T) {
	registry := newEmulatorRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	t.Run("counters", func(t *testing.T) {
		const workers = 12
		results := make([]int64, workers)
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func(idx int) {
				defer wg.Done()
				value, err := registry.Counters().Next(ctx, "transactions", 1)
				if err != nil {
					t.Errorf("next(%d): %v", idx, err)
					return
				}
				results[idx] = value
			}(i)
		}
		wg.Wait()

		sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
		for i, val := range results {
			if val != int64(i+1) {
				t.Fatalf("expected sequence %d at position %d, got %d", i+1, i, val)
			}
		}

		err := registry.Counters().Decrement(ctx, "transactions", workers+1)
		var counterErr *repositories.CounterError
		if !errors.As(err, &counterErr) || counterErr.Code != repositories.CounterErrorUnderflow {
			t.Fatalf("expected underflow, got %v", err)
		}
	})

	t.Run("ledger", func(t *testing.T) {
		ledger := registry.Ledger()
		now := time.Now().UTC().Truncate(time.Millisecond)
		credit, err := ledger.Append(ctx, domain.LedgerEntry{TransactionID: 1, EmployeeID: 7, IsCredited: true, Amount: 100, Kind: domain.TransactionKindReward, CreatedAt: now})
		if err != nil {
			t.Fatalf("credit: %v", err)
		}
		if credit.Balance != 100 || credit.Sequence != 1 {
			t.Fatalf("unexpected credit %+v", credit)
		}

		_, err = ledger.Append(ctx, domain.LedgerEntry{TransactionID: 2, EmployeeID: 7, Amount: 500, Kind: domain.TransactionKindPurchase, CreatedAt: now})
		var ledgerErr *repositories.LedgerError
		if !errors.As(err, &ledgerErr) || ledgerErr.Code != repositories.LedgerErrorInsufficientBalance {
			t.Fatalf("expected insufficient balance, got %v", err)
		}

		debit, err := ledger.Append(ctx, domain.LedgerEntry{TransactionID: 3, EmployeeID: 7, Amount: 40, Kind: domain.TransactionKindPurchase, OrderRef: 9, CreatedAt: now})
		if err != nil {
			t.Fatalf("debit: %v", err)
		}
		reversal, err := ledger.Reverse(ctx, repositories.ReverseRequest{SourceTransactionID: debit.TransactionID, TransactionID: 4, Kind: domain.TransactionKindRefund, CreatedAt: now})
		if err != nil {
			t.Fatalf("reverse: %v", err)
		}
		if reversal.Balance != 100 || !reversal.IsCredited || reversal.ReversesTransactionID != 3 {
			t.Fatalf("unexpected reversal %+v", reversal)
		}
		_, err = ledger.Reverse(ctx, repositories.ReverseRequest{SourceTransactionID: debit.TransactionID, TransactionID: 5, Kind: domain.TransactionKindRefund, CreatedAt: now})
		if !errors.As(err, &ledgerErr) || ledgerErr.Code != repositories.LedgerErrorAlreadyReversed {
			t.Fatalf("expected already reversed, got %v", err)
		}

		latest, ok, err := ledger.Latest(ctx, 7)
		if err != nil || !ok || latest.TransactionID != 4 {
			t.Fatalf("unexpected latest %+v ok=%v err=%v", latest, ok, err)
		}
		source, err := ledger.Get(ctx, 3)
		if err != nil || source.ReversedBy != 4 {
			t.Fatalf("expected source to be marked reversed, got %+v err=%v", source, err)
		}
	})

	t.Run("rewards", func(t *testing.T) {
		rewards := registry.Rewards()
		reward := domain.Reward{
			ID:           "rw-1",
			Kind:         domain.RewardKindCoupon,
			RewardPoints: 25,
			Coupon:       &domain.CouponDetails{CouponID: "SPRING-01", SecretCodeHash: "hash"},
			CreatedAt:    time.Now().UTC(),
		}
		if err := rewards.Insert(ctx, reward); err != nil {
			t.Fatalf("insert: %v", err)
		}
		duplicate := reward
		duplicate.ID = "rw-2"
		duplicate.Coupon = &domain.CouponDetails{CouponID: "spring-01"}
		var repoErr repositories.RepositoryError
		if err := rewards.Insert(ctx, duplicate); !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected coupon conflict, got %v", err)
		}

		found, err := rewards.FindByCoupon(ctx, "spring-01")
		if err != nil || found.ID != reward.ID {
			t.Fatalf("find by coupon: %+v %v", found, err)
		}
		if _, err := rewards.Claim(ctx, repositories.ClaimRequest{RewardID: reward.ID, ClaimToken: "tok", RedeemedBy: 7, At: time.Now()}); err != nil {
			t.Fatalf("claim: %v", err)
		}
		_, err = rewards.Claim(ctx, repositories.ClaimRequest{RewardID: reward.ID, ClaimToken: "other", RedeemedBy: 8, At: time.Now()})
		var rewardErr *repositories.RewardError
		if !errors.As(err, &rewardErr) || rewardErr.Code != repositories.RewardErrorAlreadyRedeemed {
			t.Fatalf("expected already redeemed, got %v", err)
		}
		if err := rewards.Release(ctx, reward.ID, "tok"); err != nil {
			t.Fatalf("release: %v", err)
		}
		expired, err := rewards.MarkExpired(ctx, reward.ID)
		if err != nil || !expired {
			t.Fatalf("expected expiry, got %v %v", expired, err)
		}
	})

	t.Run("orders", func(t *testing.T) {
		orders := registry.Orders()
		created := time.Now().UTC().Truncate(time.Millisecond)
		for id := int64(1); id <= 3; id++ {
			order := domain.Order{OrderID: id, EmployeeID: 7, StatusRef: fmt.Sprintf("h-%d", id), Quantity: 1, CreatedAt: created.Add(time.Duration(id) * time.Second)}
			history := domain.OrderHistory{HistoryID: order.StatusRef, OrderID: id, Status: domain.OrderStatusSubmitted,
				History: []domain.HistoryEntry{{UserID: 7, Status: domain.OrderStatusSubmitted, Time: order.CreatedAt}}}
			if err := orders.Create(ctx, order, history); err != nil {
				t.Fatalf("create %d: %v", id, err)
			}
		}

		view, err := orders.ApplyTransition(ctx, repositories.TransitionRequest{
			OrderID:       2,
			Expected:      domain.OrderStatusSubmitted,
			Entry:         domain.HistoryEntry{UserID: 1, Status: domain.OrderStatusRejected, Time: created},
			RefundPending: true,
		})
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if view.History.Status != domain.OrderStatusRejected || view.Order.RefundState != domain.RefundStatePending {
			t.Fatalf("unexpected view %+v", view)
		}
		_, err = orders.ApplyTransition(ctx, repositories.TransitionRequest{OrderID: 2, Expected: domain.OrderStatusSubmitted, Entry: domain.HistoryEntry{Status: domain.OrderStatusAccepted}})
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected conflict on stale transition, got %v", err)
		}

		first, err := orders.List(ctx, repositories.OrderListFilter{EmployeeIDs: []int64{7}, Pagination: domain.Pagination{PageSize: 2}})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(first.Items) != 2 || first.Items[0].Order.OrderID != 3 || first.NextPageToken == "" {
			t.Fatalf("unexpected first page %+v", first)
		}
		second, err := orders.List(ctx, repositories.OrderListFilter{EmployeeIDs: []int64{7}, Pagination: domain.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
		if err != nil {
			t.Fatalf("list page 2: %v", err)
		}
		if len(second.Items) != 1 || second.Items[0].Order.OrderID != 1 || second.NextPageToken != "" {
			t.Fatalf("unexpected second page %+v", second)
		}

		counts, err := orders.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[domain.OrderStatusSubmitted] != 2 || counts[domain.OrderStatusRejected] != 1 {
			t.Fatalf("unexpected counts %v", counts)
		}
	})

	t.Run("health", func(t *testing.T) {
		report, err := registry.Health().Collect(ctx)
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		if report.Status != domain.HealthStatusOK {
			t.Fatalf("expected healthy firestore, got %+v", report)
		}
	})
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	cmd := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080", "--quiet",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator at %s did not become ready", endpoint)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
