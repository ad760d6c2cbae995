package handlers

import (
	"testing"

	"github.com/assesshub/backend/internal/models"
	"github.com/assesshub/backend/internal/provider"
	"github.com/gofiber/fiber/v2"
)

func TestInvitesCreate_QueuesEmail(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "admin@example.com", "secret-pass", models.UserRoleAdmin)
	challenge := createTestChallenge(t, env.db, "api-kata")

	resp := performJSONRequest(t, env.app, fiber.MethodPost, "/api/admin/challenges/"+challenge.ID.String()+"/invites", map[string]any{
		"email": "dev@example.com",
		"name":  "Dana Developer",
	}, authHeaders(token))
	assertStatus(t, resp, fiber.StatusCreated)

	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	inviteToken, _ := data["token"].(string)
	if len(inviteToken) != 64 {
		t.Fatalf("expected 64-char invite token in admin response, got %q", inviteToken)
	}

	sent := env.mailer.waitForEmails(t, 1)
	if sent[0].To != "dev@example.com" {
		t.Fatalf("expected invite email to candidate, got %s", sent[0].To)
	}

	// The token works immediately.
	resp = performRequest(t, env.app, fiber.MethodGet, "/api/candidate/start/"+inviteToken, nil, nil)
	assertStatus(t, resp, fiber.StatusOK)
}

func TestInvitesCreate_InvalidEmail(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "admin@example.com", "secret-pass", models.UserRoleAdmin)
	challenge := createTestChallenge(t, env.db, "api-kata")

	resp := performJSONRequest(t, env.app, fiber.MethodPost, "/api/admin/challenges/"+challenge.ID.String()+"/invites", map[string]any{
		"email": "not-an-email",
	}, authHeaders(token))
	assertStatus(t, resp, fiber.StatusBadRequest)
}

func TestInvitesCreate_UnknownChallenge(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "admin@example.com", "secret-pass", models.UserRoleAdmin)

	resp := performJSONRequest(t, env.app, fiber.MethodPost, "/api/admin/challenges/6b1f5386-84de-4c31-912c-1b8b4b1a1111/invites", map[string]any{
		"email": "dev@example.com",
	}, authHeaders(token))
	assertStatus(t, resp, fiber.StatusNotFound)
}

func TestInvitesGet(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "admin@example.com", "secret-pass", models.UserRoleAdmin)
	challenge := createTestChallenge(t, env.db, "api-kata")
	invite := createTestInvite(t, env.db, challenge, "dev@example.com")

	resp := performRequest(t, env.app, fiber.MethodGet, "/api/admin/invites/"+invite.ID.String(), nil, authHeaders(token))
	assertStatus(t, resp, fiber.StatusOK)

	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	if data["status"] != string(models.InviteStatusPending) {
		t.Fatalf("expected pending invite, got %v", data["status"])
	}
	embeddedChallenge := data["challenge"].(map[string]any)
	if embeddedChallenge["slug"] != "api-kata" {
		t.Fatalf("expected preloaded challenge, got %v", embeddedChallenge["slug"])
	}
	candidate := data["candidate"].(map[string]any)
	if candidate["email"] != "dev@example.com" {
		t.Fatalf("expected preloaded candidate, got %v", candidate["email"])
	}
}

func TestInvitesCompare_BeforeStartConflicts(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "admin@example.com", "secret-pass", models.UserRoleAdmin)
	challenge := createTestChallenge(t, env.db, "api-kata")
	invite := createTestInvite(t, env.db, challenge, "dev@example.com")

	resp := performRequest(t, env.app, fiber.MethodGet, "/api/admin/invites/"+invite.ID.String()+"/compare", nil, authHeaders(token))
	assertStatus(t, resp, fiber.StatusConflict)
}

func TestInvitesCompare_TreeDiff(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "admin@example.com", "secret-pass", models.UserRoleAdmin)
	challenge := createTestChallenge(t, env.db, "api-kata")
	invite := createTestInvite(t, env.db, challenge, "dev@example.com")

	resp := performRequest(t, env.app, fiber.MethodPost, "/api/candidate/start/"+invite.Token, nil, nil)
	assertStatus(t, resp, fiber.StatusOK)

	var started models.Invite
	if err := env.db.First(&started, "id = ?", invite.ID).Error; err != nil {
		t.Fatalf("failed reloading invite: %v", err)
	}

	env.provider.trees[challenge.SeedRepoFullName] = []provider.TreeEntry{
		{Path: "README.md", Type: "blob"},
		{Path: "src", Type: "tree"},
		{Path: "src/main.go", Type: "blob"},
		{Path: "src/old.go", Type: "blob"},
	}
	env.provider.trees[*started.RepoFullName] = []provider.TreeEntry{
		{Path: "README.md", Type: "blob"},
		{Path: "src", Type: "tree"},
		{Path: "src/main.go", Type: "blob"},
		{Path: "src/solution.go", Type: "blob"},
		{Path: "src/solution_test.go", Type: "blob"},
	}

	resp = performRequest(t, env.app, fiber.MethodGet, "/api/admin/invites/"+invite.ID.String()+"/compare", nil, authHeaders(token))
	assertStatus(t, resp, fiber.StatusOK)

	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	added := data["added"].([]any)
	if len(added) != 2 || added[0] != "src/solution.go" || added[1] != "src/solution_test.go" {
		t.Fatalf("unexpected added files: %v", added)
	}
	removed := data["removed"].([]any)
	if len(removed) != 1 || removed[0] != "src/old.go" {
		t.Fatalf("unexpected removed files: %v", removed)
	}
	if data["unchangedCount"].(float64) != 2 {
		t.Fatalf("expected 2 unchanged blobs, got %v", data["unchangedCount"])
	}
}

func TestInvitesCompare_UsesRecordedSHAs(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "admin@example.com", "secret-pass", models.UserRoleAdmin)
	challenge := createTestChallenge(t, env.db, "api-kata")
	invite := createTestInvite(t, env.db, challenge, "dev@example.com")

	resp := performRequest(t, env.app, fiber.MethodPost, "/api/candidate/start/"+invite.Token, nil, nil)
	assertStatus(t, resp, fiber.StatusOK)
	resp = performRequest(t, env.app, fiber.MethodPost, "/api/candidate/submit/"+invite.Token, nil, nil)
	assertStatus(t, resp, fiber.StatusOK)

	var submitted models.Invite
	if err := env.db.First(&submitted, "id = ?", invite.ID).Error; err != nil {
		t.Fatalf("failed reloading invite: %v", err)
	}
	if submitted.PinnedSeedSHA == nil || submitted.FinalCommitSHA == nil {
		t.Fatalf("expected both SHAs recorded, got pinned=%v final=%v", submitted.PinnedSeedSHA, submitted.FinalCommitSHA)
	}

	env.provider.trees[challenge.SeedRepoFullName] = []provider.TreeEntry{{Path: "README.md", Type: "blob"}}
	env.provider.trees[*submitted.RepoFullName] = []provider.TreeEntry{{Path: "README.md", Type: "blob"}}
	env.provider.treeRefs = nil

	resp = performRequest(t, env.app, fiber.MethodGet, "/api/admin/invites/"+invite.ID.String()+"/compare", nil, authHeaders(token))
	assertStatus(t, resp, fiber.StatusOK)

	wantSeed := challenge.SeedRepoFullName + "@" + *submitted.PinnedSeedSHA
	wantWork := *submitted.RepoFullName + "@" + *submitted.FinalCommitSHA
	refs := env.provider.treeRefs
	if len(refs) != 2 || refs[0] != wantSeed || refs[1] != wantWork {
		t.Fatalf("expected tree listings at %q and %q, got %v", wantSeed, wantWork, refs)
	}
}

func TestInvitesFollowUp(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "admin@example.com", "secret-pass", models.UserRoleAdmin)
	challenge := createTestChallenge(t, env.db, "api-kata")
	invite := createTestInvite(t, env.db, challenge, "dev@example.com")

	resp := performJSONRequest(t, env.app, fiber.MethodPost, "/api/admin/invites/"+invite.ID.String()+"/follow-up", map[string]any{
		"subject": "Reminder: your assignment",
		"body":    "<p>Your window closes soon.</p>",
	}, authHeaders(token))
	assertStatus(t, resp, fiber.StatusOK)

	sent := env.mailer.waitForEmails(t, 1)
	if sent[0].To != "dev@example.com" || sent[0].Subject != "Reminder: your assignment" {
		t.Fatalf("unexpected follow-up email: %+v", sent[0])
	}
}

func TestInvitesFollowUp_Validation(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "admin@example.com", "secret-pass", models.UserRoleAdmin)
	challenge := createTestChallenge(t, env.db, "api-kata")
	invite := createTestInvite(t, env.db, challenge, "dev@example.com")

	resp := performJSONRequest(t, env.app, fiber.MethodPost, "/api/admin/invites/"+invite.ID.String()+"/follow-up", map[string]any{
		"subject": "",
		"body":    "",
	}, authHeaders(token))
	assertStatus(t, resp, fiber.StatusBadRequest)
}
