package usecase

import (
	"strings"

	"chatku/internal/domain"
)

// SystemPrompt is sent with every generation.
const SystemPrompt = "You are AI ChatKu, a helpful and friendly AI assistant. " +
	"You can answer questions, help with tasks, write code, and have natural conversations. " +
	"Always respond in the same language the user uses. " +
	"Format your responses using Markdown when appropriate."

// ConvertMessages flattens client conversation turns into the role/content
// shape the providers expect. Order is preserved. Only text parts survive;
// turns with an unknown role or without text are omitted rather than
// failing the request.
func ConvertMessages(in []domain.UIMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(in))
	for _, m := range in {
		role, ok := normalizeRole(m.Role)
		if !ok {
			continue
		}
		text := joinText(m.Parts)
		if text == "" {
			continue
		}
		out = append(out, domain.ChatMessage{Role: role, Content: text})
	}
	return out
}

func normalizeRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case domain.RoleUser:
		return domain.RoleUser, true
	case domain.RoleAssistant:
		return domain.RoleAssistant, true
	case domain.RoleSystem:
		return domain.RoleSystem, true
	}
	return "", false
}

func joinText(parts []domain.UIPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type != domain.PartText {
			continue
		}
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n")
}
