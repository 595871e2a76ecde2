package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// set dispatches /set <key> <value...>.
func (h *Handler) set(ctx context.Context, userID int64, args string) (string, error) {
	key, value, _ := strings.Cut(args, " ")
	value = strings.TrimSpace(value)

	switch strings.ToLower(key) {
	case "":
		return "Usage: /set <key> <value>. See /help for keys.", nil

	case "api_key":
		if value == "" {
			return "Usage: /set api_key <key>", nil
		}
		return h.setAPIKey(ctx, userID, value)

	case "base_url":
		if value == "" {
			return "Usage: /set base_url <url>", nil
		}
		if err := h.svc.SetBaseURL(ctx, userID, value); err != nil {
			return "", err
		}
		return "Base URL updated.", nil

	case "model":
		return h.setModel(ctx, userID, value)

	case "temperature":
		temp, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "Usage: /set temperature <0.0-2.0>", nil
		}
		if err := h.svc.SetTemperature(ctx, userID, temp); err != nil {
			return "", err
		}
		return fmt.Sprintf("Temperature set to %.1f.", temp), nil

	case "token_limit":
		limit, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "Usage: /set token_limit <number> (0 = unlimited)", nil
		}
		if err := h.svc.SetTokenLimit(ctx, userID, limit); err != nil {
			return "", err
		}
		if limit == 0 {
			return "Token limit removed.", nil
		}
		return fmt.Sprintf("Token limit set to %d.", limit), nil

	case "voice":
		if err := h.svc.SetTTSVoice(ctx, userID, value); err != nil {
			return "", err
		}
		return "Voice updated.", nil

	case "style":
		if err := h.svc.SetTTSStyle(ctx, userID, value); err != nil {
			return "", err
		}
		return "Speech style updated.", nil

	case "endpoint":
		if err := h.svc.SetTTSEndpoint(ctx, userID, value); err != nil {
			return "", err
		}
		return "Speech endpoint updated.", nil

	case "title_model":
		if err := h.svc.SetTitleModel(ctx, userID, value); err != nil {
			return "", err
		}
		return "Title model updated.", nil

	case "tool":
		return h.setTool(ctx, userID, value)

	case "provider":
		return h.setProvider(ctx, userID, value)
	}
	return fmt.Sprintf("Unknown setting %q. See /help.", key), nil
}

// setAPIKey validates the key against the provider before saving it:
// a typo is cheaper to reject now than to fail every later turn.
func (h *Handler) setAPIKey(ctx context.Context, userID int64, key string) (string, error) {
	us, err := h.svc.Settings(ctx, userID)
	if err != nil {
		return "", err
	}
	baseURL := us.BaseURL
	if baseURL == "" {
		baseURL = h.defaults.BaseURL
	}
	if _, err := h.llm.ListModels(ctx, baseURL, key); err != nil {
		h.logger.Warn("api key validation failed", "user_id", userID, "error", err)
		return "That API key was rejected by the provider. Check the key and the base URL.", nil
	}
	if err := h.svc.SetAPIKey(ctx, userID, key); err != nil {
		return "", err
	}
	return "API key verified and saved.", nil
}

// setModel sets the model, or lists what the provider offers when no
// name is given.
func (h *Handler) setModel(ctx context.Context, userID int64, value string) (string, error) {
	if value != "" {
		if err := h.svc.SetModel(ctx, userID, value); err != nil {
			return "", err
		}
		return fmt.Sprintf("Model set to %s.", value), nil
	}

	us, err := h.svc.Settings(ctx, userID)
	if err != nil {
		return "", err
	}
	models, err := h.llm.ListModels(ctx,
		valueOr(us.BaseURL, h.defaults.BaseURL),
		valueOr(us.APIKey, h.defaults.APIKey))
	if err != nil {
		return "Could not list models from the provider. Set one directly: /set model <name>", nil
	}
	if len(models) == 0 {
		return "The provider reports no models. Set one directly: /set model <name>", nil
	}
	const maxListed = 50
	if len(models) > maxListed {
		models = models[:maxListed]
	}
	return "Available models:\n" + strings.Join(models, "\n") +
		"\n\nPick one with /set model <name>", nil
}

func (h *Handler) setTool(ctx context.Context, userID int64, value string) (string, error) {
	name, state, _ := strings.Cut(value, " ")
	state = strings.TrimSpace(state)
	if name == "" || (state != "on" && state != "off") {
		return "Usage: /set tool <name> <on|off>", nil
	}
	if err := h.svc.SetToolEnabled(ctx, userID, name, state == "on", h.registry.Known()); err != nil {
		return "", err
	}
	return fmt.Sprintf("Tool %s turned %s.", name, state), nil
}

// setProvider manages named credential presets. Loading is an
// explicit verb so a preset is never applied by accident.
func (h *Handler) setProvider(ctx context.Context, userID int64, value string) (string, error) {
	verb, name, _ := strings.Cut(value, " ")
	name = strings.TrimSpace(name)

	switch verb {
	case "list", "":
		names, err := h.svc.ListAPIPresets(ctx, userID)
		if err != nil {
			return "", err
		}
		if len(names) == 0 {
			return "No saved providers. Save the current one with /set provider save <name>.", nil
		}
		return "Saved providers:\n" + strings.Join(names, "\n"), nil

	case "save":
		if name == "" {
			return "Usage: /set provider save <name>", nil
		}
		if err := h.svc.SaveAPIPreset(ctx, userID, name); err != nil {
			return "", err
		}
		return fmt.Sprintf("Provider %q saved.", name), nil

	case "load":
		if name == "" {
			return "Usage: /set provider load <name>", nil
		}
		if err := h.svc.LoadAPIPreset(ctx, userID, name); err != nil {
			return "", err
		}
		return fmt.Sprintf("Provider %q loaded.", name), nil

	case "delete":
		if name == "" {
			return "Usage: /set provider delete <name>", nil
		}
		if err := h.svc.DeleteAPIPreset(ctx, userID, name); err != nil {
			return "", err
		}
		return fmt.Sprintf("Provider %q deleted.", name), nil
	}
	return "Usage: /set provider list|save <name>|load <name>|delete <name>", nil
}
