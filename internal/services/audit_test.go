package services

import (
	"testing"
	"time"

	"github.com/assesshub/backend/internal/models"
	"github.com/google/uuid"
)

func TestAuditService_LogAsyncPersists(t *testing.T) {
	db, _, _ := setupLifecycleTest(t)
	audit := NewAuditService(db, nil)

	resourceID := uuid.New()
	audit.LogAsync(AuditEntry{
		Action:       "invite.started",
		ResourceType: "invite",
		ResourceID:   &resourceID,
		Details: map[string]interface{}{
			"repo_full_name": "test-org/challenges-api-kata-candidate-1",
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		if err := db.Model(&models.AuditLog{}).Count(&count).Error; err != nil {
			t.Fatalf("failed counting audit rows: %v", err)
		}
		if count == 1 {
			var row models.AuditLog
			if err := db.First(&row).Error; err != nil {
				t.Fatalf("failed loading audit row: %v", err)
			}
			if row.Action != "invite.started" || row.ResourceType != "invite" {
				t.Fatalf("unexpected audit row: %+v", row)
			}
			if row.Details["repo_full_name"] != "test-org/challenges-api-kata-candidate-1" {
				t.Fatalf("details not round-tripped: %+v", row.Details)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("audit row never persisted")
}
