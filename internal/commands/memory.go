package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

func (h *Handler) remember(ctx context.Context, userID int64, args string) (string, error) {
	text := strings.TrimSpace(args)
	if text == "" {
		return "Usage: /remember <text>", nil
	}
	if _, err := h.svc.Memory().Add(ctx, userID, text, "user"); err != nil {
		return "", err
	}
	return "Memory saved.", nil
}

func (h *Handler) listMemories(ctx context.Context, userID int64) (string, error) {
	mems, err := h.svc.Memory().List(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(mems) == 0 {
		return "No memories stored. Save one with /remember <text>.", nil
	}
	var b strings.Builder
	b.WriteString("Memories:\n")
	for i, m := range mems {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m.Content)
	}
	b.WriteString("\nDelete one with /forget <n>, or all with /forget all.")
	return b.String(), nil
}

func (h *Handler) forget(ctx context.Context, userID int64, args string) (string, error) {
	arg := strings.TrimSpace(args)
	if arg == "" {
		return "Usage: /forget <n|all>", nil
	}
	if strings.EqualFold(arg, "all") {
		if err := h.svc.Memory().Clear(ctx, userID); err != nil {
			return "", err
		}
		return "All memories deleted.", nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return "Usage: /forget <n|all>", nil
	}
	mems, err := h.svc.Memory().List(ctx, userID)
	if err != nil {
		return "", err
	}
	if n > len(mems) {
		return fmt.Sprintf("There is no memory %d. See /memories.", n), nil
	}
	if err := h.svc.Memory().Delete(ctx, userID, mems[n-1].ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Memory %d deleted.", n), nil
}
