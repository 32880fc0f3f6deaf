package offlinecache

import (
	"context"
	"time"
)

const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type NotificationData struct {
	DateOfArrival time.Time `json:"dateOfArrival"`
	PrimaryKey    int       `json:"primaryKey"`
}

// Notification is what a push message is rendered as.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// Notifier displays notifications to the user.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// Push renders payload as a notification and shows it. An empty payload gets
// a generic body. The rendered notification is returned even when no
// notifier is configured or showing it fails.
func (m *Manager) Push(ctx context.Context, payload []byte) Notification {
	m.logger.InfoContext(ctx, "push notification received")

	body := string(payload)
	if len(payload) == 0 {
		body = "New notification from " + m.c.AppName
	}

	n := Notification{
		Title:   m.c.AppName,
		Body:    body,
		Icon:    m.c.NotificationIcon,
		Badge:   m.c.NotificationIcon,
		Vibrate: []int{200, 100, 200},
		Data: NotificationData{
			DateOfArrival: m.now().UTC(),
			PrimaryKey:    1,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "View"},
			{Action: ActionClose, Title: "Close"},
		},
	}

	if m.notifier != nil {
		if err := m.notifier.ShowNotification(ctx, n); err != nil {
			m.logger.WarnContext(ctx, "error showing notification", "error", err)
		}
	}
	return n
}

// NotificationClick handles a click on a shown notification. Only the explore
// action does anything: it opens the app root.
func (m *Manager) NotificationClick(ctx context.Context, action string) {
	m.logger.InfoContext(ctx, "notification click", "action", action)
	if action != ActionExplore || m.clients == nil {
		return
	}

	if _, err := m.clients.OpenWindow(ctx, "/"); err != nil {
		m.logger.WarnContext(ctx, "error opening window", "error", err)
	}
}
