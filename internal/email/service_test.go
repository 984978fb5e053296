package email

import (
	"net/smtp"
	"strings"
	"testing"
)

func newCapturingService() (*Service, *[][]byte) {
	svc := NewService(Config{
		Host:     "smtp.example.com",
		Port:     "587",
		Username: "kanbu",
		Password: "secret",
		From:     "noreply@example.com",
		FromName: "Kanbu",
	})
	sent := &[][]byte{}
	svc.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		*sent = append(*sent, msg)
		return nil
	}
	return svc, sent
}

func TestIsConfigured(t *testing.T) {
	if NewService(Config{}).IsConfigured() {
		t.Error("empty config should not be configured")
	}
	svc, _ := newCapturingService()
	if !svc.IsConfigured() {
		t.Error("full config should be configured")
	}
}

func TestSendEmailUnconfigured(t *testing.T) {
	if err := NewService(Config{}).SendEmail([]string{"a@example.com"}, "hi", "body"); err == nil {
		t.Error("expected error when not configured")
	}
}

func TestSendVerificationEmail(t *testing.T) {
	svc, sent := newCapturingService()
	if err := svc.SendVerificationEmail("ana@example.com", "Ana", "https://kanbu.example.com/verify?t=abc"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(*sent))
	}
	msg := string((*sent)[0])
	for _, want := range []string{
		"To: ana@example.com",
		"From: Kanbu <noreply@example.com>",
		"Subject: Verify your Kanbu account",
		"https://kanbu.example.com/verify?t=abc",
		"multipart/alternative",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendAssignmentEmail(t *testing.T) {
	svc, sent := newCapturingService()
	err := svc.SendAssignmentEmail("ben@example.com", "Ben", "KANBU-42", "Fix login flow", "https://kanbu.example.com/t/KANBU-42", "Ana")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := string((*sent)[0])
	for _, want := range []string{
		"Subject: [KANBU-42] Fix login flow was assigned to you",
		"Ana assigned",
		"Open Task",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}
