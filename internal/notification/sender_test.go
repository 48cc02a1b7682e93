package notification

import (
	"strings"
	"testing"
)

func TestOTPMessage(t *testing.T) {
	msg := OTPMessage("123456", 10)
	if !strings.Contains(msg, "123456") || !strings.Contains(msg, "10 minutos") {
		t.Fatalf("message = %q", msg)
	}
}

func TestWhatsAppAddress(t *testing.T) {
	if got := whatsAppAddress("+573001234567"); got != "whatsapp:+573001234567" {
		t.Fatalf("got %q", got)
	}
	if got := whatsAppAddress("whatsapp:+14155238886"); got != "whatsapp:+14155238886" {
		t.Fatalf("prefixed number changed: %q", got)
	}
}
