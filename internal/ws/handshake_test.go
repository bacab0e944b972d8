package ws

import "testing"

func TestAcceptKey_RFC6455Vector(t *testing.T) {
	// Exact example from RFC 6455 §1.3.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("AcceptKey() = %q, want %q", got, want)
	}
}

func TestValidateUpgrade_Valid(t *testing.T) {
	req := UpgradeRequest{
		Upgrade:    "websocket",
		Connection: "Upgrade",
		Version:    "13",
		Key:        "dGhlIHNhbXBsZSBub25jZQ==",
	}
	if err := ValidateUpgrade(req); err != nil {
		t.Errorf("ValidateUpgrade() error = %v, want nil", err)
	}
}

func TestValidateUpgrade_WrongVersion(t *testing.T) {
	req := UpgradeRequest{
		Upgrade:    "websocket",
		Connection: "Upgrade",
		Version:    "8",
		Key:        "dGhlIHNhbXBsZSBub25jZQ==",
	}
	if err := ValidateUpgrade(req); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestValidateUpgrade_BadKeyLength(t *testing.T) {
	req := UpgradeRequest{
		Upgrade:    "websocket",
		Connection: "Upgrade",
		Version:    "13",
		Key:        "dG9vc2hvcnQ=", // decodes to fewer than 16 bytes
	}
	if err := ValidateUpgrade(req); err == nil {
		t.Error("expected error for invalid key length")
	}
}

func TestValidateUpgrade_MultiTokenConnectionHeader(t *testing.T) {
	req := UpgradeRequest{
		Upgrade:    "websocket",
		Connection: "keep-alive, Upgrade",
		Version:    "13",
		Key:        "dGhlIHNhbXBsZSBub25jZQ==",
	}
	if err := ValidateUpgrade(req); err != nil {
		t.Errorf("ValidateUpgrade() error = %v, want nil for multi-token Connection header", err)
	}
}
