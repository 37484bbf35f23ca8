package identity

import (
	"path/filepath"
	"testing"
)

func TestGenerateLocalIsValid(t *testing.T) {
	id, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}
	if id.IsNil() {
		t.Fatal("generated identity is nil")
	}
	if !id.HasPrivateKey() {
		t.Fatal("generated identity has no private key")
	}
	if !id.LocallyValidate() {
		t.Fatal("generated identity fails LocallyValidate")
	}
}

func TestAppendToAndParseRoundTrip(t *testing.T) {
	id, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}

	b := id.AppendTo(nil)
	if len(b) != WireLen {
		t.Fatalf("AppendTo produced %d bytes, want %d", len(b), WireLen)
	}

	parsed, n, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if n != WireLen {
		t.Fatalf("Parse() consumed %d bytes, want %d", n, WireLen)
	}
	if parsed.Address() != id.Address() {
		t.Fatal("parsed identity's address does not match the original")
	}
	if parsed.HasPrivateKey() {
		t.Fatal("an identity parsed off the wire should carry no private key")
	}
	if !parsed.LocallyValidate() {
		t.Fatal("parsed identity fails LocallyValidate")
	}
}

func TestParseTruncated(t *testing.T) {
	if _, _, err := Parse(make([]byte, WireLen-1)); err != ErrTruncated {
		t.Fatalf("Parse() on truncated input = %v, want ErrTruncated", err)
	}
}

func TestAgreeIsSymmetric(t *testing.T) {
	alice, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}
	bob, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}

	aliceBobSecret, err := alice.Agree(bob)
	if err != nil {
		t.Fatalf("alice.Agree(bob) error: %v", err)
	}
	bobAliceSecret, err := bob.Agree(alice)
	if err != nil {
		t.Fatalf("bob.Agree(alice) error: %v", err)
	}

	if aliceBobSecret != bobAliceSecret {
		t.Fatal("X25519 agreement is not symmetric")
	}
}

func TestAgreeWithoutPrivateKeyFails(t *testing.T) {
	alice, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}

	b := alice.AppendTo(nil)
	remote, _, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if _, err := remote.Agree(alice); err != ErrNoPrivateKey {
		t.Fatalf("Agree() on a key-less identity = %v, want ErrNoPrivateKey", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "identity.json")
	if err := id.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loaded.Address() != id.Address() {
		t.Fatal("loaded identity's address does not match the saved one")
	}
	if loaded.Sign != id.Sign || loaded.AgreePub != id.AgreePub {
		t.Fatal("loaded identity's public keys do not match the saved one")
	}
	if !loaded.HasPrivateKey() {
		t.Fatal("loaded identity should carry a private key")
	}

	secret, err := loaded.Agree(id)
	if err != nil {
		t.Fatalf("loaded.Agree(id) error: %v", err)
	}
	origSecret, err := id.Agree(loaded)
	if err != nil {
		t.Fatalf("id.Agree(loaded) error: %v", err)
	}
	if secret != origSecret {
		t.Fatal("loaded identity's private key does not match the original")
	}
}

func TestSaveWithoutPrivateKeyFails(t *testing.T) {
	id, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}
	remote, _, err := Parse(id.AppendTo(nil))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "identity.json")
	if err := remote.Save(path); err != ErrNoPrivateKey {
		t.Fatalf("Save() on a key-less identity = %v, want ErrNoPrivateKey", err)
	}
}

func TestNilIdentity(t *testing.T) {
	if !NIL.IsNil() {
		t.Fatal("NIL.IsNil() = false")
	}
	if NIL.LocallyValidate() {
		t.Fatal("NIL.LocallyValidate() should be false")
	}
}
