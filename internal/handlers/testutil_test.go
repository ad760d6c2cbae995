package handlers

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/assesshub/backend/internal/middleware"
	"github.com/assesshub/backend/internal/models"
	"github.com/assesshub/backend/internal/provider"
	"github.com/assesshub/backend/internal/services"
	"github.com/assesshub/backend/pkg/logger"
	"github.com/assesshub/backend/pkg/utils"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	provider *fakeProvider
	mailer   *fakeMailer
}

var testSetupOnce sync.Once

// fakeProvider satisfies every provider interface with deterministic
// in-memory behavior and per-call counters.
type fakeProvider struct {
	mu sync.Mutex

	createCalls  int
	issueCalls   int
	revokeCalls  int
	archiveCalls int

	failCreate bool
	failIssue  bool

	trees    map[string][]provider.TreeEntry
	heads    map[string]string
	treeRefs []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		trees: map[string][]provider.TreeEntry{},
		heads: map[string]string{},
	}
}

func (f *fakeProvider) CreateWorkingCopy(_ context.Context, templateRef, _, name string) (*provider.WorkingCopy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCreate {
		return nil, fmt.Errorf("create failed for %s", templateRef)
	}
	fullName := "test-org/" + name
	return &provider.WorkingCopy{
		FullName: fullName,
		HTMLURL:  "https://github.example/" + fullName,
	}, nil
}

func (f *fakeProvider) IssueCredential(_ context.Context, copyRef string) (*provider.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueCalls++
	if f.failIssue {
		return nil, fmt.Errorf("issue failed for %s", copyRef)
	}
	ref := uuid.New().String()
	return &provider.Credential{
		Ref:      ref,
		CloneURL: fmt.Sprintf("https://x-access-token:%s@github.example/%s.git", ref, copyRef),
	}, nil
}

func (f *fakeProvider) RevokeCredential(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls++
	return nil
}

func (f *fakeProvider) ArchiveRepo(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archiveCalls++
	return nil
}

func (f *fakeProvider) GetBranchHeadSHA(_ context.Context, repoFullName, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sha, ok := f.heads[repoFullName]; ok {
		return sha, nil
	}
	return "deadbeef", nil
}

func (f *fakeProvider) ListTree(_ context.Context, repoFullName, sha string) ([]provider.TreeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.treeRefs = append(f.treeRefs, repoFullName+"@"+sha)
	tree, ok := f.trees[repoFullName]
	if !ok {
		return nil, fmt.Errorf("no tree for %s", repoFullName)
	}
	return tree, nil
}

func (f *fakeProvider) PrepareSeed(_ context.Context, slug, _ string) (*provider.SeedRepo, error) {
	sha := "seed-" + slug
	return &provider.SeedRepo{
		FullName: "test-org/challenges-" + slug,
		HeadSHA:  &sha,
	}, nil
}

type sentEmail struct {
	To      string
	Subject string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentEmail
}

func (f *fakeMailer) Send(_ context.Context, to, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEmail{To: to, Subject: subject})
	return nil
}

func (f *fakeMailer) waitForEmails(t *testing.T, count int) []sentEmail {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.sent) >= count {
			out := append([]sentEmail(nil), f.sent...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d emails", count)
	return nil
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.Challenge{},
		&models.Candidate{},
		&models.Invite{},
		&models.AuditLog{},
		&models.AuditExportCursor{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	fake := newFakeProvider()
	mailer := &fakeMailer{}

	auditService := services.NewAuditService(db, nil)
	notifications := services.NewNotificationService(mailer, "http://localhost:3000")
	inviteService := services.NewInviteService(db)
	lifecycle := services.NewLifecycleService(db, fake, auditService, 5*time.Second)
	lifecycle.Inspector = fake
	lifecycle.Archiver = fake

	authHandler := NewAuthHandler(db, auditService)
	candidateHandler := NewCandidateHandler(lifecycle)
	challengesHandler := NewChallengesHandler(db, fake, auditService, 5*time.Second)
	invitesHandler := NewInvitesHandler(db, inviteService, notifications, fake, auditService, 5*time.Second)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)

	candidateRoutes := api.Group("/candidate")
	candidateRoutes.Get("/start/:token", candidateHandler.GetAssignment)
	candidateRoutes.Post("/start/:token", candidateHandler.Start)
	candidateRoutes.Post("/refresh/:token", candidateHandler.Refresh)
	candidateRoutes.Post("/submit/:token", candidateHandler.Submit)

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, middleware.AdminOnly)
	adminRoutes.Post("/challenges", challengesHandler.Create)
	adminRoutes.Get("/challenges", challengesHandler.List)
	adminRoutes.Get("/challenges/:id", challengesHandler.Get)
	adminRoutes.Post("/challenges/:id/archive", challengesHandler.Archive)
	adminRoutes.Post("/challenges/:id/invites", invitesHandler.Create)
	adminRoutes.Get("/invites/:id", invitesHandler.Get)
	adminRoutes.Get("/invites/:id/compare", invitesHandler.Compare)
	adminRoutes.Post("/invites/:id/follow-up", invitesHandler.FollowUp)

	return &testEnv{app: app, db: db, provider: fake, mailer: mailer}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		Role:         role,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func createTestChallenge(t *testing.T, db *gorm.DB, slug string) *models.Challenge {
	t.Helper()

	sha := "seed-" + slug
	challenge := &models.Challenge{
		Title:               "Challenge " + slug,
		Slug:                slug,
		SeedGithubURL:       "https://github.example/acme/" + slug,
		SeedRepoFullName:    "test-org/challenges-" + slug,
		SeedHeadSHA:         &sha,
		Branch:              "main",
		StartWindowHours:    72,
		CompleteWindowHours: 168,
	}
	if err := db.Create(challenge).Error; err != nil {
		t.Fatalf("failed creating test challenge: %v", err)
	}
	return challenge
}

func createTestInvite(t *testing.T, db *gorm.DB, challenge *models.Challenge, email string) *models.Invite {
	t.Helper()

	candidate := &models.Candidate{Email: email}
	if err := db.Where("email = ?", email).FirstOrCreate(candidate).Error; err != nil {
		t.Fatalf("failed creating test candidate: %v", err)
	}

	token, err := utils.GenerateInviteToken()
	if err != nil {
		t.Fatalf("failed generating invite token: %v", err)
	}

	now := time.Now().UTC()
	invite := &models.Invite{
		ChallengeID:     challenge.ID,
		CandidateID:     candidate.ID,
		Token:           token,
		Status:          models.InviteStatusPending,
		InvitedAt:       now,
		StartDeadlineAt: now.Add(time.Duration(challenge.StartWindowHours) * time.Hour),
	}
	if err := db.Create(invite).Error; err != nil {
		t.Fatalf("failed creating test invite: %v", err)
	}
	return invite
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}
