package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"qcat/internal/email"
	"qcat/internal/store"
)

// Sender is the part of the mail service the digester needs.
type Sender interface {
	IsConfigured() bool
	SendDigest(to string, data email.DigestData) error
}

// digestStore is the slice of the store the digester works against.
type digestStore interface {
	UnprocessedLogs(ctx context.Context, batch int) ([]store.PendingReceiver, error)
	GetMailPreferences(ctx context.Context, userID int64) (store.MailPreferences, error)
	MarkProcessed(ctx context.Context, logIDs []int64) error
}

// Digester periodically mails unprocessed notification entries. An entry is
// flagged processed only once every receiver of its log was handled, so a
// failed or crashed delivery is retried on the next run instead of lost.
type Digester struct {
	store     digestStore
	mail      Sender
	serverKey []byte
	baseURL   string
	batch     int
	interval  time.Duration
}

func NewDigester(s digestStore, mail Sender, serverKey []byte, baseURL string, batch int, interval time.Duration) *Digester {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Digester{
		store:     s,
		mail:      mail,
		serverKey: serverKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		batch:     batch,
		interval:  interval,
	}
}

// Run loops until the context is cancelled.
func (d *Digester) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				log.Printf("notify: digest run: %v", err)
			}
		}
	}
}

// RunOnce processes one batch and returns the number of mails sent.
func (d *Digester) RunOnce(ctx context.Context) (int, error) {
	if !d.mail.IsConfigured() {
		return 0, nil
	}

	pending, err := d.store.UnprocessedLogs(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	byReceiver := make(map[int64][]store.PendingReceiver)
	logIDs := make(map[int64]bool)
	for _, item := range pending {
		byReceiver[item.UserID] = append(byReceiver[item.UserID], item)
		logIDs[item.Log.ID] = true
	}

	// failed collects the log ids of receivers that could not be handled;
	// those stay unprocessed so the next run retries them.
	failed := make(map[int64]bool)
	keepPending := func(items []store.PendingReceiver) {
		for _, item := range items {
			failed[item.Log.ID] = true
		}
	}

	sent := 0
	for userID, items := range byReceiver {
		prefs, err := d.store.GetMailPreferences(ctx, userID)
		if err != nil {
			log.Printf("notify: mail preferences for user %d: %v", userID, err)
			keepPending(items)
			continue
		}
		if prefs.Subscription == "none" {
			continue
		}

		entries := make([]email.DigestEntry, 0, len(items))
		for _, item := range items {
			if !wantsAction(prefs, item.Log.Action) {
				continue
			}
			entries = append(entries, email.DigestEntry{
				Action:  item.Log.Action,
				Code:    item.Log.Code,
				Sender:  item.Log.SenderName,
				Message: item.Log.Message,
				URL:     fmt.Sprintf("%s/view/%s", d.baseURL, item.Log.Code),
			})
		}
		if len(entries) == 0 {
			continue
		}

		data := email.DigestData{
			UserName:       items[0].Email,
			Entries:        entries,
			UnsubscribeURL: fmt.Sprintf("%s/notifications/unsubscribe?token=%s", d.baseURL, SignUnsubscribe(d.serverKey, prefs.ID)),
		}
		if err := d.mail.SendDigest(items[0].Email, data); err != nil {
			log.Printf("notify: send digest to user %d: %v", userID, err)
			keepPending(items)
			continue
		}
		sent++
	}

	ids := make([]int64, 0, len(logIDs))
	for id := range logIDs {
		if !failed[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return sent, nil
	}
	if err := d.store.MarkProcessed(ctx, ids); err != nil {
		return sent, err
	}
	return sent, nil
}

// wantsAction checks the comma separated action allow-list of the mail
// preferences. An empty list means every action.
func wantsAction(prefs store.MailPreferences, action string) bool {
	if prefs.WantedActions == "" {
		return true
	}
	for _, wanted := range strings.Split(prefs.WantedActions, ",") {
		if strings.TrimSpace(wanted) == action {
			return true
		}
	}
	return false
}
