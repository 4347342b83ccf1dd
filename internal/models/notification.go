package models

// Notification is the JSON payload the service worker turns into a system
// notification. Icon and badge are filled in client-side.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}
