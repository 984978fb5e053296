package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"kanbu/api/internal/store"
	"kanbu/api/internal/util"
)

// maxWebhookBody caps the request body we are willing to read.
const maxWebhookBody = 1 << 20

// LinkStore is the slice of storage the webhook handler writes to.
type LinkStore interface {
	FindTaskByReference(ctx context.Context, prefix string, number int) (store.Task, error)
	UpsertGitHubLink(ctx context.Context, link store.GitHubLink) error
	InsertComment(ctx context.Context, comment store.Comment) error
	GetCommentByGitHubID(ctx context.Context, githubCommentID int64) (store.Comment, error)
	UpdateCommentBody(ctx context.Context, commentID, body string) (bool, error)
	InsertTaskEvent(ctx context.Context, event store.TaskEvent) error
}

// Publisher pushes a realtime notification after a link changes.
type Publisher interface {
	PublishGitHubUpdate(ctx context.Context, projectID, taskID string)
}

// Webhook handles GitHub App webhook deliveries.
type Webhook struct {
	secret    []byte
	store     LinkStore
	publisher Publisher
	logger    *slog.Logger
}

func NewWebhook(secret string, linkStore LinkStore, publisher Publisher, logger *slog.Logger) *Webhook {
	return &Webhook{
		secret:    []byte(secret),
		store:     linkStore,
		publisher: publisher,
		logger:    logger,
	}
}

// VerifySignature checks an X-Hub-Signature-256 header against the body.
func VerifySignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}

// ServeHTTP verifies the delivery and dispatches by event type. Unhandled
// event types are acknowledged so GitHub does not retry them.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "read body", http.StatusBadRequest)
		return
	}

	if !VerifySignature(w.secret, body, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(rw, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")

	if err := w.dispatch(r.Context(), event, body); err != nil {
		w.logger.Error("webhook handling failed", "event", event, "delivery", delivery, "error", err)
		http.Error(rw, "webhook handling failed", http.StatusInternalServerError)
		return
	}

	w.logger.Info("webhook handled", "event", event, "delivery", delivery)
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Webhook) dispatch(ctx context.Context, event string, body []byte) error {
	switch event {
	case "pull_request":
		return w.handlePullRequest(ctx, body)
	case "pull_request_review":
		return w.handlePullRequestReview(ctx, body)
	case "issue_comment":
		return w.handleIssueComment(ctx, body)
	case "check_run":
		return w.handleCheckRun(ctx, body)
	case "release":
		return w.handleRelease(ctx, body)
	default:
		return nil
	}
}

type repoPayload struct {
	FullName string `json:"full_name"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Repository  repoPayload
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		State   string `json:"state"`
		Merged  bool   `json:"merged"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (w *Webhook) handlePullRequest(ctx context.Context, body []byte) error {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode pull_request payload: %w", err)
	}

	pr := payload.PullRequest
	state := pr.State
	if pr.Merged {
		state = "merged"
	}

	refs := util.ParseTaskRefs(pr.Title + "\n" + pr.Body + "\n" + pr.Head.Ref)
	for _, ref := range refs {
		task, err := w.store.FindTaskByReference(ctx, ref.Prefix, ref.Number)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("find task %s-%d: %w", ref.Prefix, ref.Number, err)
		}

		link := store.GitHubLink{
			ID:     util.NewID("ghl"),
			TaskID: task.ID,
			Repo:   payload.Repository.FullName,
			Kind:   store.LinkKindPullRequest,
			Number: pr.Number,
			URL:    pr.HTMLURL,
			State:  state,
			Title:  pr.Title,
		}
		if err := w.store.UpsertGitHubLink(ctx, link); err != nil {
			return fmt.Errorf("upsert pr link: %w", err)
		}
		w.recordAndPublish(ctx, task, "github.pull_request", map[string]string{
			"action": payload.Action,
			"repo":   payload.Repository.FullName,
			"number": fmt.Sprintf("%d", pr.Number),
			"state":  state,
			"sender": payload.Sender.Login,
		})
	}
	return nil
}

type pullRequestReviewPayload struct {
	Action     string `json:"action"`
	Repository repoPayload
	Review     struct {
		State string `json:"state"`
	} `json:"review"`
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
}

func (w *Webhook) handlePullRequestReview(ctx context.Context, body []byte) error {
	var payload pullRequestReviewPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode pull_request_review payload: %w", err)
	}
	if payload.Action != "submitted" {
		return nil
	}

	pr := payload.PullRequest
	refs := util.ParseTaskRefs(pr.Title + "\n" + pr.Body + "\n" + pr.Head.Ref)
	for _, ref := range refs {
		task, err := w.store.FindTaskByReference(ctx, ref.Prefix, ref.Number)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("find task %s-%d: %w", ref.Prefix, ref.Number, err)
		}

		link := store.GitHubLink{
			ID:     util.NewID("ghl"),
			TaskID: task.ID,
			Repo:   payload.Repository.FullName,
			Kind:   store.LinkKindPullRequest,
			Number: pr.Number,
			URL:    pr.HTMLURL,
			State:  payload.Review.State,
			Title:  pr.Title,
		}
		if err := w.store.UpsertGitHubLink(ctx, link); err != nil {
			return fmt.Errorf("upsert review link: %w", err)
		}
		w.recordAndPublish(ctx, task, "github.review", map[string]string{
			"repo":   payload.Repository.FullName,
			"number": fmt.Sprintf("%d", pr.Number),
			"state":  payload.Review.State,
		})
	}
	return nil
}

type issueCommentPayload struct {
	Action     string `json:"action"`
	Repository repoPayload
	Issue      struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
	Comment struct {
		ID      int64  `json:"id"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	} `json:"comment"`
}

// isBotComment reports whether a comment was posted by a GitHub App,
// including our own mirror. Mirroring those back would loop.
func isBotComment(login, userType string) bool {
	return userType == "Bot" || strings.HasSuffix(login, "[bot]")
}

func (w *Webhook) handleIssueComment(ctx context.Context, body []byte) error {
	var payload issueCommentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode issue_comment payload: %w", err)
	}
	if payload.Action != "created" && payload.Action != "edited" {
		return nil
	}
	if isBotComment(payload.Comment.User.Login, payload.Comment.User.Type) {
		return nil
	}

	refs := util.ParseTaskRefs(payload.Issue.Title + "\n" + payload.Comment.Body)
	commentBody := rewriteImageURLs(payload.Comment.Body, payload.Repository.FullName)

	for _, ref := range refs {
		task, err := w.store.FindTaskByReference(ctx, ref.Prefix, ref.Number)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("find task %s-%d: %w", ref.Prefix, ref.Number, err)
		}

		mirrored := fmt.Sprintf("%s\n\n_from [%s#%d](%s)_",
			commentBody, payload.Repository.FullName, payload.Issue.Number, payload.Comment.HTMLURL)

		existing, err := w.store.GetCommentByGitHubID(ctx, payload.Comment.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			githubID := payload.Comment.ID
			comment := store.Comment{
				ID:              util.NewID("cmt"),
				TaskID:          task.ID,
				Author:          payload.Comment.User.Login + " (GitHub)",
				Body:            mirrored,
				GitHubCommentID: &githubID,
			}
			if err := w.store.InsertComment(ctx, comment); err != nil {
				return fmt.Errorf("insert mirrored comment: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lookup mirrored comment: %w", err)
		default:
			if _, err := w.store.UpdateCommentBody(ctx, existing.ID, mirrored); err != nil {
				return fmt.Errorf("update mirrored comment: %w", err)
			}
		}

		w.recordAndPublish(ctx, task, "github.comment", map[string]string{
			"repo":   payload.Repository.FullName,
			"author": payload.Comment.User.Login,
		})
	}
	return nil
}

type checkRunPayload struct {
	Action     string `json:"action"`
	Repository repoPayload
	CheckRun   struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		HTMLURL    string `json:"html_url"`
		CheckSuite struct {
			HeadBranch string `json:"head_branch"`
		} `json:"check_suite"`
	} `json:"check_run"`
}

func (w *Webhook) handleCheckRun(ctx context.Context, body []byte) error {
	var payload checkRunPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode check_run payload: %w", err)
	}
	if payload.Action != "completed" {
		return nil
	}

	// Branch names like kanbu-123-fix-login carry the reference.
	refs := util.ParseTaskRefs(strings.ToUpper(payload.CheckRun.CheckSuite.HeadBranch))
	for _, ref := range refs {
		task, err := w.store.FindTaskByReference(ctx, ref.Prefix, ref.Number)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("find task %s-%d: %w", ref.Prefix, ref.Number, err)
		}

		link := store.GitHubLink{
			ID:     util.NewID("ghl"),
			TaskID: task.ID,
			Repo:   payload.Repository.FullName,
			Kind:   store.LinkKindCheckRun,
			URL:    payload.CheckRun.HTMLURL,
			State:  payload.CheckRun.Conclusion,
			Title:  payload.CheckRun.Name,
		}
		if err := w.store.UpsertGitHubLink(ctx, link); err != nil {
			return fmt.Errorf("upsert check link: %w", err)
		}
		w.recordAndPublish(ctx, task, "github.check_run", map[string]string{
			"repo":       payload.Repository.FullName,
			"name":       payload.CheckRun.Name,
			"conclusion": payload.CheckRun.Conclusion,
		})
	}
	return nil
}

type releasePayload struct {
	Action     string `json:"action"`
	Repository repoPayload
	Release    struct {
		TagName string `json:"tag_name"`
		Name    string `json:"name"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
	} `json:"release"`
}

func (w *Webhook) handleRelease(ctx context.Context, body []byte) error {
	var payload releasePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode release payload: %w", err)
	}
	if payload.Action != "published" {
		return nil
	}

	refs := util.ParseTaskRefs(payload.Release.Body)
	for _, ref := range refs {
		task, err := w.store.FindTaskByReference(ctx, ref.Prefix, ref.Number)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("find task %s-%d: %w", ref.Prefix, ref.Number, err)
		}

		link := store.GitHubLink{
			ID:     util.NewID("ghl"),
			TaskID: task.ID,
			Repo:   payload.Repository.FullName,
			Kind:   store.LinkKindRelease,
			URL:    payload.Release.HTMLURL,
			State:  "published",
			Title:  firstNonEmpty(payload.Release.Name, payload.Release.TagName),
		}
		if err := w.store.UpsertGitHubLink(ctx, link); err != nil {
			return fmt.Errorf("upsert release link: %w", err)
		}
		w.recordAndPublish(ctx, task, "github.release", map[string]string{
			"repo": payload.Repository.FullName,
			"tag":  payload.Release.TagName,
		})
	}
	return nil
}

func (w *Webhook) recordAndPublish(ctx context.Context, task store.Task, operation string, metadata map[string]string) {
	event := store.TaskEvent{
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Operation: operation,
		ActorName: "github",
		Metadata:  metadata,
	}
	if err := w.store.InsertTaskEvent(ctx, event); err != nil {
		w.logger.Warn("record github event", "task_id", task.ID, "error", err)
	}
	if w.publisher != nil {
		w.publisher.PublishGitHubUpdate(ctx, task.ProjectID, task.ID)
	}
}

var relativeImageRe = regexp.MustCompile(`(!\[[^\]]*\]\()(?:\./)?([^)]+)(\))`)

// rewriteImageURLs makes relative markdown image paths absolute against the
// repository's raw content URL so mirrored comments render outside GitHub.
func rewriteImageURLs(body, repo string) string {
	return relativeImageRe.ReplaceAllStringFunc(body, func(match string) string {
		parts := relativeImageRe.FindStringSubmatch(match)
		target := parts[2]
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			return match
		}
		return parts[1] + "https://github.com/" + repo + "/raw/HEAD/" + strings.TrimPrefix(target, "/") + parts[3]
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
