package accounts

import (
	"testing"
	"time"
)

func TestSessionRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	token, err := IssueSession(secret, 42, "Jane", time.Hour)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	userID, name, err := ParseSession(secret, token)
	if err != nil {
		t.Fatalf("ParseSession: %v", err)
	}
	if userID != 42 {
		t.Errorf("userID = %d", userID)
	}
	if name != "Jane" {
		t.Errorf("name = %q", name)
	}
}

func TestSessionExpired(t *testing.T) {
	secret := []byte("test-secret")

	token, err := IssueSession(secret, 42, "Jane", -time.Minute)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if _, _, err := ParseSession(secret, token); err != ErrExpiredSession {
		t.Fatalf("err = %v, want ErrExpiredSession", err)
	}
}

func TestSessionWrongSecret(t *testing.T) {
	token, err := IssueSession([]byte("secret-a"), 42, "Jane", time.Hour)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if _, _, err := ParseSession([]byte("secret-b"), token); err != ErrInvalidSession {
		t.Fatalf("err = %v, want ErrInvalidSession", err)
	}
}

func TestSessionGarbage(t *testing.T) {
	for _, bad := range []string{"", "x", "a.b.c", "ey.ey.ey"} {
		if _, _, err := ParseSession([]byte("secret"), bad); err == nil {
			t.Errorf("token %q accepted", bad)
		}
	}
}
