package dpop

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestProofHeaderAndClaims(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	accessToken := "sometoken123"
	tok, err := Proof(key, "post", "https://pds.example.com/xrpc/com.atproto.repo.createRecord", "", accessToken)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("proof JWT has %d parts, want 3", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var header struct {
		Typ string `json:"typ"`
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if header.Typ != "dpop+jwt" || header.Alg != "ES256" {
		t.Fatalf("header = %+v, want typ=dpop+jwt alg=ES256", header)
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	var claims struct {
		HTM string `json:"htm"`
		HTU string `json:"htu"`
		Ath string `json:"ath"`
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}

	if claims.HTM != "POST" {
		t.Errorf("htm = %q, want POST", claims.HTM)
	}
	if claims.HTU != "https://pds.example.com/xrpc/com.atproto.repo.createRecord" {
		t.Errorf("htu = %q, want the request URL", claims.HTU)
	}
	if claims.Ath != hashAccessToken(accessToken) {
		t.Errorf("ath = %q, want base64url(sha256(accessToken))", claims.Ath)
	}
}

func TestProofOmitsNonceWhenEmpty(t *testing.T) {
	key, _ := GenerateKey()
	tok, err := Proof(key, "GET", "https://pds.example.com/x", "", "")
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	parts := strings.Split(tok, ".")
	claimsJSON, _ := base64.RawURLEncoding.DecodeString(parts[1])
	if strings.Contains(string(claimsJSON), `"nonce"`) {
		t.Fatalf("claims contain nonce when none was supplied: %s", claimsJSON)
	}
}

func TestProofIncludesNonceWhenGiven(t *testing.T) {
	key, _ := GenerateKey()
	tok, err := Proof(key, "GET", "https://pds.example.com/x", "abc123", "")
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	parts := strings.Split(tok, ".")
	claimsJSON, _ := base64.RawURLEncoding.DecodeString(parts[1])
	var claims struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if claims.Nonce != "abc123" {
		t.Fatalf("nonce = %q, want abc123", claims.Nonce)
	}
}
