package tuyaconn

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeJSONPayload(t *testing.T) {
	buf, err := encodeJSONPayload("gw1", "dev1", map[string]any{"1": true}, "dev1", 1700000000)
	if err != nil {
		t.Fatalf("encodeJSONPayload: %v", err)
	}
	got := string(buf)
	for _, want := range []string{`"gwId":"gw1"`, `"devId":"dev1"`, `"t":1700000000`, `"dps":{"1":true}`, `"uid":"dev1"`} {
		if !strings.Contains(got, want) {
			t.Errorf("encoded payload %q missing %q", got, want)
		}
	}
}

func TestEnvelopeRoundTrip33(t *testing.T) {
	key := []byte("0123456789abcdef")
	c, err := newCipher(key)
	if err != nil {
		t.Fatalf("newCipher: %v", err)
	}
	body, err := encodeJSONPayload("gw", "dev", map[string]any{"1": true}, "dev", 1700000000)
	if err != nil {
		t.Fatalf("encodeJSONPayload: %v", err)
	}

	env, err := envelopePayload(c, "3.3", CommandControl, body, true, key)
	if err != nil {
		t.Fatalf("envelopePayload: %v", err)
	}
	if len(env) < v33HeaderLen || string(env[:3]) != "3.3" {
		t.Fatalf("expected 3.3 header prefix, got %x", env[:min(len(env), 16)])
	}

	parsed, err := unenvelopePayload(c, "3.3", CommandControl, env)
	if err != nil {
		t.Fatalf("unenvelopePayload: %v", err)
	}
	dps, _ := parsed["dps"].(map[string]any)
	if v, _ := dps["1"].(bool); !v {
		t.Errorf("expected dps[1]=true, got %v", dps)
	}
}

func TestEnvelopeRoundTrip33DPQuery(t *testing.T) {
	key := []byte("0123456789abcdef")
	c, err := newCipher(key)
	if err != nil {
		t.Fatalf("newCipher: %v", err)
	}
	body, err := encodeJSONPayload("gw", "dev", map[string]any{}, "dev", 1700000000)
	if err != nil {
		t.Fatalf("encodeJSONPayload: %v", err)
	}

	env, err := envelopePayload(c, "3.3", CommandDPQuery, body, true, key)
	if err != nil {
		t.Fatalf("envelopePayload: %v", err)
	}
	// DP_QUERY never carries the 15-byte header.
	if len(env) >= 3 && string(env[:3]) == "3.3" {
		t.Fatalf("DP_QUERY envelope should not carry the version header")
	}

	parsed, err := unenvelopePayload(c, "3.3", CommandDPQuery, env)
	if err != nil {
		t.Fatalf("unenvelopePayload: %v", err)
	}
	if parsed == nil {
		t.Fatal("expected a parsed map")
	}
}

func TestEnvelopeHeartBeatIsEmptyInBothVersions(t *testing.T) {
	key := []byte("0123456789abcdef")
	c, err := newCipher(key)
	if err != nil {
		t.Fatalf("newCipher: %v", err)
	}

	for _, version := range []string{"3.1", "3.3"} {
		env, err := envelopePayload(c, version, CommandHeartBeat, nil, false, key)
		if err != nil {
			t.Fatalf("envelopePayload(%s): %v", version, err)
		}
		if len(env) != 0 {
			t.Errorf("envelopePayload(%s, HEART_BEAT) body = %x, want empty", version, env)
		}

		frame := encodeFrame(7, CommandHeartBeat, env)
		decoded, err := readFrame(bytes.NewReader(frame), nil)
		if err != nil {
			t.Fatalf("readFrame(%s): %v", version, err)
		}
		if len(decoded.Payload) != 0 {
			t.Errorf("decoded heartbeat payload = %x, want empty", decoded.Payload)
		}
	}
}

func TestEnvelopeRoundTrip31Encrypted(t *testing.T) {
	key := []byte("0123456789abcdef")
	c, err := newCipher(key)
	if err != nil {
		t.Fatalf("newCipher: %v", err)
	}
	body, err := encodeJSONPayload("gw", "dev", map[string]any{"1": false}, "dev", 1700000000)
	if err != nil {
		t.Fatalf("encodeJSONPayload: %v", err)
	}

	env, err := envelopePayload(c, "3.1", CommandControl, body, true, key)
	if err != nil {
		t.Fatalf("envelopePayload: %v", err)
	}
	if string(env[:3]) != "3.1" {
		t.Fatalf("expected 3.1 version prefix, got %q", env[:3])
	}

	parsed, err := unenvelopePayload(c, "3.1", CommandControl, env)
	if err != nil {
		t.Fatalf("unenvelopePayload: %v", err)
	}
	dps, _ := parsed["dps"].(map[string]any)
	if v, ok := dps["1"].(bool); !ok || v {
		t.Errorf("expected dps[1]=false, got %v", dps)
	}
}

func TestEnvelopeRoundTrip31Plaintext(t *testing.T) {
	key := []byte("0123456789abcdef")
	c, err := newCipher(key)
	if err != nil {
		t.Fatalf("newCipher: %v", err)
	}
	body, err := encodeJSONPayload("gw", "dev", map[string]any{"1": true}, "dev", 1700000000)
	if err != nil {
		t.Fatalf("encodeJSONPayload: %v", err)
	}

	env, err := envelopePayload(c, "3.1", CommandDPQuery, body, false, key)
	if err != nil {
		t.Fatalf("envelopePayload: %v", err)
	}
	parsed, err := unenvelopePayload(c, "3.1", CommandDPQuery, env)
	if err != nil {
		t.Fatalf("unenvelopePayload: %v", err)
	}
	dps, _ := parsed["dps"].(map[string]any)
	if v, _ := dps["1"].(bool); !v {
		t.Errorf("expected dps[1]=true, got %v", dps)
	}
}

func TestUnenvelopeUnparseableBodyIsSoftFailure(t *testing.T) {
	key := []byte("0123456789abcdef")
	c, err := newCipher(key)
	if err != nil {
		t.Fatalf("newCipher: %v", err)
	}
	ct, err := c.encrypt([]byte("not json"), false)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	parsed, err := unenvelopePayload(c, "3.3", CommandDPQuery, ct)
	if err != nil {
		t.Fatalf("expected no error for unparseable JSON, got %v", err)
	}
	if parsed != nil {
		t.Errorf("expected nil map for unparseable JSON, got %v", parsed)
	}
}
