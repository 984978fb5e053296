package github

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"kanbu/api/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLinkStore struct {
	tasks    map[string]store.Task
	links    []store.GitHubLink
	comments []store.Comment
	events   []store.TaskEvent
	updated  map[string]string
}

func newFakeLinkStore() *fakeLinkStore {
	return &fakeLinkStore{
		tasks:   make(map[string]store.Task),
		updated: make(map[string]string),
	}
}

func (f *fakeLinkStore) FindTaskByReference(_ context.Context, prefix string, number int) (store.Task, error) {
	key := refKey(prefix, number)
	task, ok := f.tasks[key]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	return task, nil
}

func refKey(prefix string, number int) string {
	return fmt.Sprintf("%s-%d", prefix, number)
}

func (f *fakeLinkStore) UpsertGitHubLink(_ context.Context, link store.GitHubLink) error {
	f.links = append(f.links, link)
	return nil
}

func (f *fakeLinkStore) InsertComment(_ context.Context, comment store.Comment) error {
	f.comments = append(f.comments, comment)
	return nil
}

func (f *fakeLinkStore) GetCommentByGitHubID(_ context.Context, githubCommentID int64) (store.Comment, error) {
	for _, c := range f.comments {
		if c.GitHubCommentID != nil && *c.GitHubCommentID == githubCommentID {
			return c, nil
		}
	}
	return store.Comment{}, sql.ErrNoRows
}

func (f *fakeLinkStore) UpdateCommentBody(_ context.Context, commentID, body string) (bool, error) {
	f.updated[commentID] = body
	return true, nil
}

func (f *fakeLinkStore) InsertTaskEvent(_ context.Context, event store.TaskEvent) error {
	f.events = append(f.events, event)
	return nil
}

func signBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, w *Webhook, secret, event string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signBody([]byte(secret), body))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	return rec
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("hook-secret")
	body := []byte(`{"zen":"keep it logically awesome"}`)

	assert.True(t, VerifySignature(secret, body, signBody(secret, body)))
	assert.False(t, VerifySignature(secret, body, signBody([]byte("wrong"), body)))
	assert.False(t, VerifySignature(secret, body, "sha1=deadbeef"))
	assert.False(t, VerifySignature(secret, body, ""))
}

func TestBadSignatureIsRejected(t *testing.T) {
	w := NewWebhook("hook-secret", newFakeLinkStore(), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=0000")
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPullRequestLinksReferencedTask(t *testing.T) {
	fs := newFakeLinkStore()
	fs.tasks[refKey("KANBU", 42)] = store.Task{ID: "tsk_1", ProjectID: "prj_1"}
	w := NewWebhook("hook-secret", fs, nil, testLogger())

	payload := map[string]any{
		"action":     "closed",
		"repository": map[string]any{"full_name": "kanbu/api"},
		"pull_request": map[string]any{
			"number":   17,
			"title":    "KANBU-42 fix login redirect",
			"body":     "Closes the loop.",
			"state":    "closed",
			"merged":   true,
			"html_url": "https://github.com/kanbu/api/pull/17",
			"head":     map[string]any{"ref": "fix-login"},
		},
		"sender": map[string]any{"login": "ana"},
	}
	rec := deliver(t, w, "hook-secret", "pull_request", payload)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, fs.links, 1)
	link := fs.links[0]
	assert.Equal(t, "tsk_1", link.TaskID)
	assert.Equal(t, store.LinkKindPullRequest, link.Kind)
	assert.Equal(t, 17, link.Number)
	assert.Equal(t, "merged", link.State)
	require.Len(t, fs.events, 1)
	assert.Equal(t, "github.pull_request", fs.events[0].Operation)
}

func TestPullRequestWithoutKnownTaskIsIgnored(t *testing.T) {
	fs := newFakeLinkStore()
	w := NewWebhook("hook-secret", fs, nil, testLogger())

	payload := map[string]any{
		"action":     "opened",
		"repository": map[string]any{"full_name": "kanbu/api"},
		"pull_request": map[string]any{
			"number": 3,
			"title":  "OTHER-99 unrelated",
			"state":  "open",
			"head":   map[string]any{"ref": "misc"},
		},
	}
	rec := deliver(t, w, "hook-secret", "pull_request", payload)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, fs.links)
}

func TestIssueCommentIsMirrored(t *testing.T) {
	fs := newFakeLinkStore()
	fs.tasks[refKey("KANBU", 7)] = store.Task{ID: "tsk_7", ProjectID: "prj_1"}
	w := NewWebhook("hook-secret", fs, nil, testLogger())

	payload := map[string]any{
		"action":     "created",
		"repository": map[string]any{"full_name": "kanbu/api"},
		"issue":      map[string]any{"number": 12, "title": "KANBU-7 broken board"},
		"comment": map[string]any{
			"id":       int64(9001),
			"body":     "Repro attached ![shot](docs/shot.png)",
			"html_url": "https://github.com/kanbu/api/issues/12#issuecomment-9001",
			"user":     map[string]any{"login": "ben"},
		},
	}
	rec := deliver(t, w, "hook-secret", "issue_comment", payload)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, fs.comments, 1)
	comment := fs.comments[0]
	assert.Equal(t, "tsk_7", comment.TaskID)
	assert.Equal(t, "ben (GitHub)", comment.Author)
	require.NotNil(t, comment.GitHubCommentID)
	assert.Equal(t, int64(9001), *comment.GitHubCommentID)
	assert.Contains(t, comment.Body, "https://github.com/kanbu/api/raw/HEAD/docs/shot.png")
	assert.Contains(t, comment.Body, "kanbu/api#12")

	// An edit to the same GitHub comment updates the mirror in place.
	payload["action"] = "edited"
	payload["comment"].(map[string]any)["body"] = "Updated repro"
	rec = deliver(t, w, "hook-secret", "issue_comment", payload)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, fs.comments, 1)
	assert.Contains(t, fs.updated[comment.ID], "Updated repro")
}

func TestBotCommentIsNotMirrored(t *testing.T) {
	fs := newFakeLinkStore()
	fs.tasks[refKey("KANBU", 7)] = store.Task{ID: "tsk_7", ProjectID: "prj_1"}
	w := NewWebhook("hook-secret", fs, nil, testLogger())

	// The app's own mirror arrives back through the webhook; inserting it
	// again would echo every mirrored comment forever.
	payload := map[string]any{
		"action":     "created",
		"repository": map[string]any{"full_name": "kanbu/api"},
		"issue":      map[string]any{"number": 12, "title": "KANBU-7 broken board"},
		"comment": map[string]any{
			"id":       int64(9002),
			"body":     "**alice** commented on KANBU-7:\n\nlooks good",
			"html_url": "https://github.com/kanbu/api/issues/12#issuecomment-9002",
			"user":     map[string]any{"login": "kanbu-sync[bot]", "type": "Bot"},
		},
	}
	rec := deliver(t, w, "hook-secret", "issue_comment", payload)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, fs.comments)
	assert.Empty(t, fs.events)

	// A [bot] login is skipped even when the type field is missing.
	payload["comment"].(map[string]any)["user"] = map[string]any{"login": "kanbu-sync[bot]"}
	rec = deliver(t, w, "hook-secret", "issue_comment", payload)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, fs.comments)
}

func TestCheckRunFromBranchName(t *testing.T) {
	fs := newFakeLinkStore()
	fs.tasks[refKey("KANBU", 5)] = store.Task{ID: "tsk_5", ProjectID: "prj_1"}
	w := NewWebhook("hook-secret", fs, nil, testLogger())

	payload := map[string]any{
		"action":     "completed",
		"repository": map[string]any{"full_name": "kanbu/api"},
		"check_run": map[string]any{
			"name":        "unit-tests",
			"conclusion":  "success",
			"html_url":    "https://github.com/kanbu/api/runs/1",
			"check_suite": map[string]any{"head_branch": "kanbu-5-polish-toasts"},
		},
	}
	rec := deliver(t, w, "hook-secret", "check_run", payload)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, fs.links, 1)
	assert.Equal(t, store.LinkKindCheckRun, fs.links[0].Kind)
	assert.Equal(t, "success", fs.links[0].State)
}

func TestRewriteImageURLs(t *testing.T) {
	in := "before ![a](images/a.png) and ![b](https://cdn.example.com/b.png) after"
	out := rewriteImageURLs(in, "kanbu/api")
	assert.Contains(t, out, "![a](https://github.com/kanbu/api/raw/HEAD/images/a.png)")
	assert.Contains(t, out, "![b](https://cdn.example.com/b.png)")
}

func TestUnknownEventIsAcknowledged(t *testing.T) {
	w := NewWebhook("hook-secret", newFakeLinkStore(), nil, testLogger())
	rec := deliver(t, w, "hook-secret", "star", map[string]any{"action": "created"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "app.pem")
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(path, pemData, 0o600))
	return path, key
}

func TestAppJWTRoundTrip(t *testing.T) {
	path, key := writeTestKey(t)
	auth, err := NewAppAuth(12345, path, "")
	require.NoError(t, err)

	signed, err := auth.AppJWT()
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "12345", claims.Issuer)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
}

func TestInstallationTokenIsCached(t *testing.T) {
	path, _ := writeTestKey(t)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/app/installations/77/access_tokens", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_abc",
			"expires_at": "2099-01-01T00:00:00Z",
		})
	}))
	defer srv.Close()

	auth, err := NewAppAuth(12345, path, srv.URL)
	require.NoError(t, err)

	token, err := auth.InstallationToken(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, "ghs_abc", token)

	_, err = auth.InstallationToken(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
