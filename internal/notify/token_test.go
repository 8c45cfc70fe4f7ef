package notify

import (
	"strings"
	"testing"

	"qcat/internal/store"
)

func TestUnsubscribeTokenRoundTrip(t *testing.T) {
	key := []byte("server-key")
	prefsID := "2f0a9a0e-3f49-4fbb-a2a3-92d8a0a1b6de"

	token := SignUnsubscribe(key, prefsID)
	if !strings.HasPrefix(token, prefsID+".") {
		t.Fatalf("token = %q", token)
	}

	got, err := VerifyUnsubscribe(key, token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != prefsID {
		t.Fatalf("prefsID = %q", got)
	}
}

func TestUnsubscribeTokenTamperDetected(t *testing.T) {
	key := []byte("server-key")
	token := SignUnsubscribe(key, "abc")

	cases := []string{
		"",
		"abc",
		"abc.",
		".deadbeef",
		strings.Replace(token, "abc", "abd", 1),
		token + "0",
	}
	for _, bad := range cases {
		if _, err := VerifyUnsubscribe(key, bad); err != ErrInvalidToken {
			t.Errorf("token %q: err = %v, want ErrInvalidToken", bad, err)
		}
	}

	if _, err := VerifyUnsubscribe([]byte("other-key"), token); err != ErrInvalidToken {
		t.Errorf("wrong key: err = %v, want ErrInvalidToken", err)
	}
}

func TestWantsAction(t *testing.T) {
	all := store.MailPreferences{WantedActions: ""}
	if !wantsAction(all, "create") {
		t.Error("empty list should allow everything")
	}

	some := store.MailPreferences{WantedActions: "create, change_status"}
	if !wantsAction(some, "change_status") {
		t.Error("listed action rejected")
	}
	if wantsAction(some, "delete") {
		t.Error("unlisted action allowed")
	}
}
