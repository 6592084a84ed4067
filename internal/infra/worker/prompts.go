package worker

import "whatsapp-ai-platform/internal/infra/i18n"

var locale = i18n.MustLoad(i18n.DefaultLanguage)

// SystemPrompt returns the auto-response instruction for an industry.
func SystemPrompt(industry string) string {
	return locale.IndustryPrompt(industry)
}
