package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kestrelbot/kestrel/internal/store"
)

// session dispatches /chat and its sub-verbs. Sessions are addressed
// by their 1-based position in the list, newest last, so the numbers
// users see stay small.
func (h *Handler) session(ctx context.Context, userID int64, args string) (string, error) {
	verb, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "":
		return h.listSessions(ctx, userID)

	case "new":
		sess, err := h.svc.NewSession(ctx, userID, rest)
		if err != nil {
			return "", err
		}
		if sess.Title != "" {
			return fmt.Sprintf("Started session %q.", sess.Title), nil
		}
		return "Started a new session.", nil

	case "rename":
		if rest == "" {
			return "Usage: /chat rename <title>", nil
		}
		current, err := h.svc.CurrentSession(ctx, userID)
		if err != nil {
			return "", err
		}
		if err := h.svc.RenameSession(ctx, userID, current.ID, rest); err != nil {
			return "", err
		}
		return fmt.Sprintf("Session renamed to %q.", rest), nil

	case "delete":
		sess, msg, err := h.sessionByIndex(ctx, userID, rest, "/chat delete <n>")
		if msg != "" || err != nil {
			return msg, err
		}
		if err := h.svc.DeleteSession(ctx, userID, sess.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Session %s deleted.", sessionLabel(sess)), nil

	default:
		sess, msg, err := h.sessionByIndex(ctx, userID, verb, "/chat <n>")
		if msg != "" || err != nil {
			return msg, err
		}
		if _, err := h.svc.SwitchSession(ctx, userID, sess.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Switched to session %s.", sessionLabel(sess)), nil
	}
}

func (h *Handler) listSessions(ctx context.Context, userID int64) (string, error) {
	sessions, err := h.svc.Sessions(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "No sessions yet. Start one with /chat new.", nil
	}
	current, err := h.svc.CurrentSession(ctx, userID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Sessions:\n")
	for i, s := range sessions {
		marker := "  "
		if s.ID == current.ID {
			marker = "* "
		}
		fmt.Fprintf(&b, "%s%d. %s\n", marker, i+1, sessionLabel(s))
	}
	b.WriteString("\nSwitch with /chat <n>.")
	return b.String(), nil
}

// sessionByIndex resolves a 1-based list position. The msg return is
// user guidance for a malformed or out-of-range argument.
func (h *Handler) sessionByIndex(ctx context.Context, userID int64, arg, usage string) (store.Session, string, error) {
	n, convErr := strconv.Atoi(arg)
	if convErr != nil || n < 1 {
		return store.Session{}, "Usage: " + usage, nil
	}
	sessions, err := h.svc.Sessions(ctx, userID)
	if err != nil {
		return store.Session{}, "", err
	}
	if n > len(sessions) {
		return store.Session{}, fmt.Sprintf("There is no session %d. See /chat.", n), nil
	}
	return sessions[n-1], "", nil
}

func sessionLabel(s store.Session) string {
	if strings.TrimSpace(s.Title) != "" {
		return s.Title
	}
	return fmt.Sprintf("(untitled, %s)", s.CreatedAt.Format("Jan 2 15:04"))
}

// export renders the current session as a Markdown document and sends
// it as a file.
func (h *Handler) export(ctx context.Context, userID, chatID int64) (string, error) {
	sess, err := h.svc.CurrentSession(ctx, userID)
	if err != nil {
		return "", err
	}
	history, err := h.svc.History(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "This session is empty, nothing to export.", nil
	}

	title := sess.Title
	if strings.TrimSpace(title) == "" {
		title = "Conversation"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, m := range history {
		speaker := "Assistant"
		if m.Role == "user" {
			speaker = "User"
		}
		fmt.Fprintf(&b, "**%s** (%s):\n\n%s\n\n---\n\n", speaker, m.CreatedAt.Format("2006-01-02 15:04"), m.Content)
	}

	filename := fmt.Sprintf("session-%d.md", sess.ID)
	if err := h.tg.SendDocument(ctx, chatID, filename, []byte(b.String())); err != nil {
		return "", err
	}
	return "", nil
}
