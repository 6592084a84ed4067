//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
)

func TestSentMessageRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	repo := NewSentMessageRepo(testPool)

	t.Run("should record a send once per key", func(t *testing.T) {
		cleanup(t)
		m := &model.SentMessage{
			IdempotencyKey: "campaign-7:5215555555555", OrganizationID: "org-1", InstanceID: "inst-1",
			To: "5215555555555", JobID: "job-1", Status: "sent", CreatedAt: time.Now(),
		}
		if err := repo.Save(ctx, nil, m); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if err := repo.Save(ctx, nil, m); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}

		ok, err := repo.Exists(ctx, nil, m.IdempotencyKey)
		if err != nil || !ok {
			t.Errorf("Exists = %v, %v", ok, err)
		}
		ok, err = repo.Exists(ctx, nil, "other")
		if err != nil || ok {
			t.Errorf("Exists(other) = %v, %v", ok, err)
		}
	})
}

func TestFailedJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	repo := NewFailedJobRepo(testPool)

	t.Run("should keep dead-lettered jobs per queue", func(t *testing.T) {
		cleanup(t)
		err := repo.Save(ctx, nil, &model.FailedJob{
			Queue: string(model.QueueWhatsAppSend), JobID: "job-1", OrganizationID: "org-1",
			Payload: []byte(`{"to":"5215555555555"}`), Error: "instance banned", Attempts: 3, CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		_ = repo.Save(ctx, nil, &model.FailedJob{Queue: string(model.QueueBilling), JobID: "job-2", Payload: []byte(`{}`), Error: "x", CreatedAt: time.Now()})

		list, err := repo.List(ctx, nil, model.QueueWhatsAppSend, 10)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 failed job, got %d", len(list))
		}
		if list[0].JobID != "job-1" || list[0].Attempts != 3 || list[0].ID == "" {
			t.Errorf("unexpected record %+v", list[0])
		}
		if string(list[0].Payload) != `{"to": "5215555555555"}` {
			t.Errorf("unexpected payload %s", list[0].Payload)
		}
	})
}
