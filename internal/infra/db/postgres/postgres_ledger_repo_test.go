//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
)

func newReservation(orgID string, expires time.Time) *model.CreditReservation {
	return &model.CreditReservation{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Amount:         decimal.RequireFromString("5.00"),
		Status:         model.ReservationPending,
		ExpiresAt:      expires,
		CreatedAt:      time.Now(),
	}
}

func TestReservationRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	repo := NewReservationRepo(testPool)

	t.Run("should settle a reservation exactly once", func(t *testing.T) {
		cleanup(t)
		org := seedOrg(t, "org-1")
		res := newReservation(org.ID, time.Now().Add(time.Minute))
		if err := repo.Save(ctx, nil, res); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		moved, err := repo.Transition(ctx, nil, res.ID, model.ReservationConfirmed, time.Now())
		if err != nil || !moved {
			t.Fatalf("first transition = %v, %v", moved, err)
		}
		moved, err = repo.Transition(ctx, nil, res.ID, model.ReservationFailed, time.Now())
		if err != nil || moved {
			t.Errorf("second transition = %v, %v; want false, nil", moved, err)
		}

		found, err := repo.FindByID(ctx, nil, res.ID)
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if found.Status != model.ReservationConfirmed || found.SettledAt == nil {
			t.Errorf("unexpected reservation %+v", found)
		}
		if !found.Amount.Equal(decimal.RequireFromString("5")) {
			t.Errorf("amount round trip: %s", found.Amount)
		}
	})

	t.Run("should list only expired pending reservations", func(t *testing.T) {
		cleanup(t)
		org := seedOrg(t, "org-1")
		now := time.Now()
		expired := newReservation(org.ID, now.Add(-time.Minute))
		live := newReservation(org.ID, now.Add(time.Hour))
		settled := newReservation(org.ID, now.Add(-time.Hour))
		for _, r := range []*model.CreditReservation{expired, live, settled} {
			if err := repo.Save(ctx, nil, r); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
		}
		if _, err := repo.Transition(ctx, nil, settled.ID, model.ReservationFailed, now); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if err := repo.LinkJob(ctx, nil, expired.ID, "job-1", "task-1"); err != nil {
			t.Fatalf("LinkJob failed: %v", err)
		}

		list, err := repo.ListExpiredPending(ctx, nil, now, 10)
		if err != nil {
			t.Fatalf("ListExpiredPending failed: %v", err)
		}
		if len(list) != 1 || list[0].ID != expired.ID {
			t.Fatalf("expected only %s, got %+v", expired.ID, list)
		}
		if list[0].JobID == nil || *list[0].JobID != "job-1" {
			t.Errorf("job link not stored: %+v", list[0])
		}
	})

	t.Run("should extend only pending reservations", func(t *testing.T) {
		cleanup(t)
		org := seedOrg(t, "org-1")
		now := time.Now()
		pending := newReservation(org.ID, now.Add(-time.Minute))
		settled := newReservation(org.ID, now.Add(-time.Minute))
		for _, r := range []*model.CreditReservation{pending, settled} {
			if err := repo.Save(ctx, nil, r); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
		}
		if _, err := repo.Transition(ctx, nil, settled.ID, model.ReservationFailed, now); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}

		moved, err := repo.Extend(ctx, nil, pending.ID, now.Add(time.Hour))
		if err != nil || !moved {
			t.Fatalf("Extend pending = %v, %v", moved, err)
		}
		moved, err = repo.Extend(ctx, nil, settled.ID, now.Add(time.Hour))
		if err != nil || moved {
			t.Errorf("Extend settled = %v, %v; want false, nil", moved, err)
		}

		list, err := repo.ListExpiredPending(ctx, nil, now, 10)
		if err != nil {
			t.Fatalf("ListExpiredPending failed: %v", err)
		}
		if len(list) != 0 {
			t.Errorf("expected no expired reservations after extend, got %d", len(list))
		}
	})
}

func TestTransactionRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	repo := NewTransactionRepo(testPool)
	tm := NewTxManager(testPool)

	entry := func(orgID, amount string, ref *string) *model.CreditTransaction {
		return &model.CreditTransaction{
			ID: uuid.NewString(), OrganizationID: orgID, Amount: decimal.RequireFromString(amount),
			Type: model.TxCharge, Description: "test", Reference: ref, CreatedAt: time.Now(),
		}
	}

	t.Run("should reject a duplicate reference without aborting the transaction", func(t *testing.T) {
		cleanup(t)
		org := seedOrg(t, "org-1")
		ref := "renew:org-1:2026-10"

		err := tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			if err := repo.Append(ctx, tx, entry(org.ID, "-10", &ref)); err != nil {
				return err
			}
			if err := repo.Append(ctx, tx, entry(org.ID, "-10", &ref)); !errors.Is(err, domain.ErrAlreadyExists) {
				t.Errorf("expected ErrAlreadyExists, got %v", err)
			}
			// the tx is still usable after the skipped insert
			return repo.Append(ctx, tx, entry(org.ID, "2.50", nil))
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		sum, err := repo.SumByOrganization(ctx, nil, org.ID)
		if err != nil {
			t.Fatalf("SumByOrganization failed: %v", err)
		}
		if !sum.Equal(decimal.RequireFromString("-7.5")) {
			t.Errorf("expected -7.5, got %s", sum)
		}
	})

	t.Run("should allow many entries without a reference", func(t *testing.T) {
		cleanup(t)
		org := seedOrg(t, "org-1")
		for i := 0; i < 3; i++ {
			if err := repo.Append(ctx, nil, entry(org.ID, "1", nil)); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		list, err := repo.ListByOrganization(ctx, nil, org.ID, 2)
		if err != nil {
			t.Fatalf("ListByOrganization failed: %v", err)
		}
		if len(list) != 2 {
			t.Errorf("expected the limit to apply, got %d", len(list))
		}
	})

	t.Run("should sum to zero for an empty ledger", func(t *testing.T) {
		cleanup(t)
		org := seedOrg(t, "org-1")
		sum, err := repo.SumByOrganization(ctx, nil, org.ID)
		if err != nil || !sum.IsZero() {
			t.Errorf("SumByOrganization = %s, %v", sum, err)
		}
	})
}
