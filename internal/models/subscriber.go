package models

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	DefaultFrequency = 60
	MinFrequency     = 5
	MaxFrequency     = 24 * 60
)

type Language string

const (
	LanguageEnglish Language = "en"
	LanguageGerman  Language = "de"
	LanguageChinese Language = "zh"

	DefaultLanguage = LanguageEnglish
)

// NormalizeLanguage maps anything outside the supported set to English.
func NormalizeLanguage(lang string) Language {
	switch l := Language(strings.ToLower(strings.TrimSpace(lang))); l {
	case LanguageEnglish, LanguageGerman, LanguageChinese:
		return l
	default:
		return DefaultLanguage
	}
}

// ClampFrequency bounds a reminder cadence to [5, 1440] minutes.
func ClampFrequency(minutes int) int {
	if minutes < MinFrequency {
		return MinFrequency
	}
	if minutes > MaxFrequency {
		return MaxFrequency
	}
	return minutes
}

// Subscriber is a stored push subscription together with its reminder schedule.
type Subscriber struct {
	Subscription     PushSubscription `json:"subscription"`
	FrequencyMinutes int              `json:"frequencyMinutes"`
	Language         Language         `json:"language"`
	NextAt           time.Time        `json:"-"`
}

// NewSubscriber applies the defaults for a first registration.
func NewSubscriber(sub PushSubscription, now time.Time) Subscriber {
	return Subscriber{
		Subscription:     sub,
		FrequencyMinutes: DefaultFrequency,
		Language:         DefaultLanguage,
		NextAt:           now.Add(DefaultFrequency * time.Minute),
	}
}

func (s Subscriber) Endpoint() string {
	return s.Subscription.Endpoint
}

func (s Subscriber) Interval() time.Duration {
	return time.Duration(s.FrequencyMinutes) * time.Minute
}

// Due reports whether a reminder should go out at now.
func (s Subscriber) Due(now time.Time) bool {
	return !now.Before(s.NextAt)
}

type subscriberJSON struct {
	Subscription     PushSubscription `json:"subscription"`
	FrequencyMinutes int              `json:"frequencyMinutes"`
	Language         Language         `json:"language"`
	NextAt           int64            `json:"nextAt"`
}

// MarshalJSON encodes NextAt as Unix milliseconds, the unit the web client uses.
func (s Subscriber) MarshalJSON() ([]byte, error) {
	return json.Marshal(subscriberJSON{
		Subscription:     s.Subscription,
		FrequencyMinutes: s.FrequencyMinutes,
		Language:         s.Language,
		NextAt:           s.NextAt.UnixMilli(),
	})
}

func (s *Subscriber) UnmarshalJSON(data []byte) error {
	var raw subscriberJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Subscription = raw.Subscription
	s.FrequencyMinutes = raw.FrequencyMinutes
	s.Language = raw.Language
	s.NextAt = time.UnixMilli(raw.NextAt)
	return nil
}
