package reminder

import (
	"encoding/json"

	"peepal-go/internal/models"
)

const (
	Title = "🚽 PeePal Reminder"
	URL   = "/dashboard"

	DefaultBroadcastMessage = "Time for a quick bathroom break 💧"
)

var bodies = map[models.Language]string{
	models.LanguageEnglish: "Time for a quick bathroom break 💧",
	models.LanguageGerman:  "Zeit für eine kurze Toilettenpause 💧",
	models.LanguageChinese: "该小憩一下去洗手间啦 💧",
}

// LocalizedBody returns the reminder text for lang, falling back to English.
func LocalizedBody(lang models.Language) string {
	if body, ok := bodies[lang]; ok {
		return body
	}
	return bodies[models.DefaultLanguage]
}

func ReminderNotification(lang models.Language) models.Notification {
	return models.Notification{
		Title: Title,
		Body:  LocalizedBody(lang),
		URL:   URL,
	}
}

func encode(n models.Notification) ([]byte, error) {
	return json.Marshal(n)
}
