package commands

import (
	"context"
	"fmt"
	"strings"
)

// persona dispatches /persona and its sub-verbs.
func (h *Handler) persona(ctx context.Context, userID int64, args string) (string, error) {
	verb, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "":
		return h.listPersonas(ctx, userID)

	case "new":
		name, prompt, _ := strings.Cut(rest, " ")
		if name == "" {
			return "Usage: /persona new <name> [prompt]", nil
		}
		if err := h.svc.CreatePersona(ctx, userID, name, strings.TrimSpace(prompt)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Persona %q created. Switch to it with /persona %s.", name, name), nil

	case "delete":
		if rest == "" {
			return "Usage: /persona delete <name>", nil
		}
		if err := h.svc.DeletePersona(ctx, userID, rest); err != nil {
			return "", err
		}
		return fmt.Sprintf("Persona %q deleted.", rest), nil

	case "prompt":
		return h.personaPrompt(ctx, userID, rest)

	default:
		// Anything else is a persona name to switch to.
		created, err := h.svc.SwitchPersona(ctx, userID, verb)
		if err != nil {
			return "", err
		}
		if created {
			return fmt.Sprintf("Persona %q created and selected.", verb), nil
		}
		return fmt.Sprintf("Switched to persona %q.", verb), nil
	}
}

func (h *Handler) listPersonas(ctx context.Context, userID int64) (string, error) {
	personas, err := h.svc.Personas(ctx, userID)
	if err != nil {
		return "", err
	}
	current, err := h.svc.CurrentPersona(ctx, userID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Personas:\n")
	for _, p := range personas {
		marker := "  "
		if p.Name == current.Name {
			marker = "* "
		}
		fmt.Fprintf(&b, "%s%s\n", marker, p.Name)
	}
	b.WriteString("\nSwitch with /persona <name>.")
	return b.String(), nil
}

// personaPrompt shows or replaces the current persona's system prompt.
func (h *Handler) personaPrompt(ctx context.Context, userID int64, text string) (string, error) {
	current, err := h.svc.CurrentPersona(ctx, userID)
	if err != nil {
		return "", err
	}
	if text == "" {
		if strings.TrimSpace(current.SystemPrompt) == "" {
			return fmt.Sprintf("Persona %q has no custom prompt. Set one with /persona prompt <text>.", current.Name), nil
		}
		return fmt.Sprintf("Prompt of %q:\n%s", current.Name, current.SystemPrompt), nil
	}
	if err := h.svc.UpdatePersonaPrompt(ctx, userID, current.Name, text); err != nil {
		return "", err
	}
	return fmt.Sprintf("Prompt of %q updated.", current.Name), nil
}
