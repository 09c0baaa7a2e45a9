package app

import (
	"context"
	"errors"
	"testing"

	"scribe/api/internal/authpw"
)

func TestRegisterIssuesSessionAndPromotesFirstUser(t *testing.T) {
	svc := newTestService(newMemStore())
	bootstrapped(t, svc)
	ctx := context.Background()

	// The anonymous bootstrap account does not count as a registrant.
	alice, err := svc.Register(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if alice.Role != "admin" {
		t.Errorf("first registrant role = %q, want admin", alice.Role)
	}
	if alice.Token == "" || alice.RefreshToken == "" {
		t.Error("expected register to issue a session")
	}

	bob, err := svc.Register(ctx, "bob", "hunter2")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if bob.Role != "editor" {
		t.Errorf("second registrant role = %q, want editor", bob.Role)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc := newTestService(newMemStore())
	bootstrapped(t, svc)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := svc.Register(ctx, "alice", "other")
	if !errors.Is(err, authpw.ErrDuplicateUsername) {
		t.Fatalf("duplicate register error = %v, want ErrDuplicateUsername", err)
	}
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	svc := newTestService(newMemStore())
	bootstrapped(t, svc)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, wrongPass := svc.Login(ctx, "alice", "nope")
	_, noUser := svc.Login(ctx, "mallory", "nope")
	if !errors.Is(wrongPass, authpw.ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", wrongPass)
	}
	if !errors.Is(noUser, authpw.ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v, want ErrInvalidCredentials", noUser)
	}
	if wrongPass.Error() != noUser.Error() {
		t.Error("login failures should be indistinguishable")
	}
}

func TestCreateArticleRecordsInitialVersion(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)
	ctx := context.Background()

	alice, err := svc.Register(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	payload, err := svc.CreateArticle(ctx, alice, defaultSpaceKey, "Welcome", "First contents", "")
	if err != nil {
		t.Fatalf("create article: %v", err)
	}
	article := payload["article"].(map[string]any)
	articleID := article["id"].(string)

	history, err := svc.History(ctx, alice, articleID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	versions := history["versions"].([]map[string]any)
	if len(versions) != 1 {
		t.Fatalf("got %d versions after create, want 1", len(versions))
	}
	if versions[0]["title"] != "Welcome" || versions[0]["content"] != "First contents" {
		t.Errorf("initial version does not match the article: %v", versions[0])
	}
}

func TestCreateArticleRequiresEditorOrAdmin(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)
	ctx := context.Background()

	_, err := svc.CreateArticle(ctx, Session{}, defaultSpaceKey, "Title", "Body", "")
	var anon *DomainError
	if !errors.As(err, &anon) || anon.Code != "UNAUTHENTICATED" {
		t.Fatalf("anonymous create error = %v, want UNAUTHENTICATED", err)
	}

	viewer := Session{UserID: "usr_viewer", Username: "casey", Role: "viewer"}
	_, err = svc.CreateArticle(ctx, viewer, defaultSpaceKey, "Title", "Body", "")
	var denied *DomainError
	if !errors.As(err, &denied) || denied.Code != "FORBIDDEN" {
		t.Fatalf("viewer create error = %v, want FORBIDDEN", err)
	}
}

func TestEditByNonAuthorRejectedWithoutNewVersion(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)
	ctx := context.Background()

	alice, _ := svc.Register(ctx, "alice", "s3cret")
	bob, _ := svc.Register(ctx, "bob", "hunter2")

	payload, err := svc.CreateArticle(ctx, alice, defaultSpaceKey, "Original", "Original body", "")
	if err != nil {
		t.Fatalf("create article: %v", err)
	}
	articleID := payload["article"].(map[string]any)["id"].(string)

	_, err = svc.EditArticle(ctx, bob, articleID, "Hijacked", "Hijacked body")
	var denied *DomainError
	if !errors.As(err, &denied) || denied.Code != "FORBIDDEN" {
		t.Fatalf("non-author edit error = %v, want FORBIDDEN", err)
	}

	article, err := ms.GetArticle(ctx, articleID)
	if err != nil {
		t.Fatalf("get article: %v", err)
	}
	if article.Title != "Original" {
		t.Errorf("rejected edit changed the article: %q", article.Title)
	}
	versions, _ := ms.ListVersions(ctx, articleID)
	if len(versions) != 1 {
		t.Errorf("rejected edit appended a version: %d versions", len(versions))
	}
}

func TestAuthorEditAppendsExactlyOneVersion(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)
	ctx := context.Background()

	alice, _ := svc.Register(ctx, "alice", "s3cret")
	payload, _ := svc.CreateArticle(ctx, alice, defaultSpaceKey, "Original", "Original body", "")
	articleID := payload["article"].(map[string]any)["id"].(string)

	if _, err := svc.EditArticle(ctx, alice, articleID, "Revised", "Revised body"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	versions, _ := ms.ListVersions(ctx, articleID)
	if len(versions) != 2 {
		t.Fatalf("got %d versions after one edit, want 2", len(versions))
	}
	if versions[0].Title != "Revised" {
		t.Errorf("newest version title = %q, want Revised", versions[0].Title)
	}
	if versions[1].Title != "Original" {
		t.Errorf("initial version title = %q, want Original", versions[1].Title)
	}
}

func TestAdminCanEditAnyArticle(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)
	ctx := context.Background()

	admin, _ := svc.Register(ctx, "alice", "s3cret")
	bob, _ := svc.Register(ctx, "bob", "hunter2")

	payload, _ := svc.CreateArticle(ctx, bob, defaultSpaceKey, "Bob's page", "Body", "")
	articleID := payload["article"].(map[string]any)["id"].(string)

	if _, err := svc.EditArticle(ctx, admin, articleID, "Moderated", "Body"); err != nil {
		t.Fatalf("admin edit: %v", err)
	}
	article, _ := ms.GetArticle(ctx, articleID)
	if article.Title != "Moderated" {
		t.Errorf("admin edit did not apply: %q", article.Title)
	}
}

func TestConcurrentEditsLastWriterWins(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)
	ctx := context.Background()

	alice, _ := svc.Register(ctx, "alice", "s3cret")
	payload, _ := svc.CreateArticle(ctx, alice, defaultSpaceKey, "Draft", "v0", "")
	articleID := payload["article"].(map[string]any)["id"].(string)

	// Both edits start from the same base; the second one lands last.
	if _, err := svc.EditArticle(ctx, alice, articleID, "Draft", "first writer"); err != nil {
		t.Fatalf("first edit: %v", err)
	}
	if _, err := svc.EditArticle(ctx, alice, articleID, "Draft", "second writer"); err != nil {
		t.Fatalf("second edit: %v", err)
	}

	article, _ := ms.GetArticle(ctx, articleID)
	if article.Content != "second writer" {
		t.Errorf("current content = %q, want the later edit", article.Content)
	}
	versions, _ := ms.ListVersions(ctx, articleID)
	if len(versions) != 3 {
		t.Errorf("got %d versions, want 3 (create plus both edits)", len(versions))
	}
}

func TestDeleteRemovesArticleAndHistory(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)
	ctx := context.Background()

	alice, _ := svc.Register(ctx, "alice", "s3cret")
	payload, _ := svc.CreateArticle(ctx, alice, defaultSpaceKey, "Doomed", "Body", "")
	articleID := payload["article"].(map[string]any)["id"].(string)

	if err := svc.DeleteArticle(ctx, alice, articleID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := svc.History(ctx, alice, articleID)
	var notFound *DomainError
	if !errors.As(err, &notFound) || notFound.Code != "NOT_FOUND" {
		t.Fatalf("history after delete = %v, want NOT_FOUND", err)
	}

	listing := svc.SearchArticles(ctx, "", 20, 0)
	for _, result := range listing["results"].([]map[string]any) {
		if result["id"] == articleID {
			t.Error("deleted article still present in listing")
		}
	}
}

func TestDeleteByNonAuthorForbidden(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)
	ctx := context.Background()

	alice, _ := svc.Register(ctx, "alice", "s3cret")
	bob, _ := svc.Register(ctx, "bob", "hunter2")
	payload, _ := svc.CreateArticle(ctx, alice, defaultSpaceKey, "Keep", "Body", "")
	articleID := payload["article"].(map[string]any)["id"].(string)

	err := svc.DeleteArticle(ctx, bob, articleID)
	var denied *DomainError
	if !errors.As(err, &denied) || denied.Code != "FORBIDDEN" {
		t.Fatalf("non-author delete error = %v, want FORBIDDEN", err)
	}
	if _, err := ms.GetArticle(ctx, articleID); err != nil {
		t.Error("rejected delete removed the article")
	}
}

func TestEmptySearchReturnsListing(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)
	ctx := context.Background()

	alice, _ := svc.Register(ctx, "alice", "s3cret")
	svc.CreateArticle(ctx, alice, defaultSpaceKey, "One", "alpha", "")
	svc.CreateArticle(ctx, alice, defaultSpaceKey, "Two", "beta", "")

	payload := svc.SearchArticles(ctx, "", 20, 0)
	results := payload["results"].([]map[string]any)
	if len(results) != 2 {
		t.Fatalf("empty query returned %d results, want the full listing of 2", len(results))
	}

	matched := svc.SearchArticles(ctx, "ALPHA", 20, 0)
	if total := matched["total"].(int); total != 1 {
		t.Errorf("case-insensitive search total = %d, want 1", total)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc := newTestService(newMemStore())
	bootstrapped(t, svc)
	ctx := context.Background()

	alice, _ := svc.Register(ctx, "alice", "s3cret")

	rotated, err := svc.Refresh(ctx, alice.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == alice.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	if _, err := svc.Refresh(ctx, alice.RefreshToken); err == nil {
		t.Error("old refresh token still accepted after rotation")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc := newTestService(newMemStore())
	bootstrapped(t, svc)
	ctx := context.Background()

	alice, _ := svc.Register(ctx, "alice", "s3cret")

	if err := svc.Logout(ctx, alice, alice.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := svc.Logout(ctx, alice, alice.RefreshToken); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if err := svc.Logout(ctx, Session{}, ""); err != nil {
		t.Fatalf("anonymous logout: %v", err)
	}

	if _, err := svc.SessionFromToken(ctx, alice.Token); err == nil {
		t.Error("access token still valid after logout")
	}
}

func TestOverviewDegradesOnStoreFailure(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	bootstrapped(t, svc)

	ms.failReads = true
	payload := svc.Overview(context.Background())
	if payload["degraded"] != true {
		t.Error("expected degraded flag when the store fails")
	}
	if len(payload["articles"].([]map[string]any)) != 0 {
		t.Error("degraded listing should be empty")
	}
}
