package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/GoCodeAlone/trok/task"
)

// zeroSHA is the "before" commit GitHub reports for a newly pushed branch.
const zeroSHA = "0000000000000000000000000000000000000000"

// pushEvent is the subset of a GitHub push payload trok reads.
type pushEvent struct {
	Ref     string `json:"ref"`
	Before  string `json:"before"`
	After   string `json:"after"`
	Compare string `json:"compare"`
	Deleted bool   `json:"deleted"`

	Repository struct {
		HTMLURL  string `json:"html_url"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// VerifySignature checks a GitHub "sha256=<hex>" signature of payload.
// It accepts anything when no secret is configured.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload) //nolint:errcheck
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

// PushSelector derives the revision range a push covers. The compare URL
// ends in "<base>...<head>" for ordinary pushes; otherwise the range is
// rebuilt from before/after, using after's parent for a new branch.
func PushSelector(compare, before, after string) string {
	if base := path.Base(compare); strings.Contains(base, "...") {
		return base
	}
	if after == "" {
		return ""
	}
	if before == "" || before == zeroSHA {
		return after + "^..." + after
	}
	return before + "..." + after
}

func (h *Handlers) githubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if !VerifySignature(h.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	log := h.logger().With(slog.String("event", event), slog.String("delivery", r.Header.Get("X-GitHub-Delivery")))
	switch event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case "push", "":
	default:
		log.Debug("ignore webhook event")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	var p pushEvent
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push payload: "+err.Error())
		return
	}
	if p.Deleted || !strings.HasPrefix(p.Ref, "refs/heads/") {
		log.Info("ignore push", slog.String("ref", p.Ref), slog.Bool("deleted", p.Deleted))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	origin := p.Repository.HTMLURL
	if origin == "" {
		origin = p.Repository.CloneURL
	}
	h.submit(w, task.New(
		origin,
		strings.TrimPrefix(p.Ref, "refs/heads/"),
		PushSelector(p.Compare, p.Before, p.After),
		"github",
	))
}
