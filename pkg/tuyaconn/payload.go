package tuyaconn

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"fmt"
)

// v33HeaderLen is the fixed 15-byte header ("3.3" + 12 zero bytes) that
// protocol 3.3 prepends to every encrypted body except DP_QUERY.
const v33HeaderLen = 15

var v33Header = append([]byte("3.3"), make([]byte, 12)...)

// outboundPayload is the JSON dictionary the device expects for every
// command except heartbeats, which carry an empty body.
type outboundPayload struct {
	GwID  string         `json:"gwId"`
	DevID string         `json:"devId"`
	T     int64          `json:"t"`
	DPS   map[string]any `json:"dps"`
	UID   string         `json:"uid"`
}

// encodeJSONPayload compactly encodes the dict payload. Heartbeats carry no
// body at all.
func encodeJSONPayload(gwID, devID string, dps map[string]any, uid string, epochSeconds int64) ([]byte, error) {
	if dps == nil {
		dps = map[string]any{}
	}
	body := outboundPayload{GwID: gwID, DevID: devID, T: epochSeconds, DPS: dps, UID: uid}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tuyaconn: marshal payload: %w", err)
	}
	return buf, nil
}

// envelopePayload wraps a JSON payload in the version-specific on-the-wire
// envelope per §4.3. jsonBody may be empty (heartbeat).
func envelopePayload(c *cipher, version string, cmd Command, jsonBody []byte, encrypted bool, localKey []byte) ([]byte, error) {
	if cmd == CommandHeartBeat {
		// Per §8 scenario 3, a heartbeat carries an empty wire body in
		// both protocol versions: no envelope, no encryption, no
		// version header.
		return nil, nil
	}
	switch version {
	case "3.3":
		ciphertext, err := c.encrypt(jsonBody, false)
		if err != nil {
			return nil, err
		}
		if cmd == CommandDPQuery {
			return ciphertext, nil
		}
		out := make([]byte, 0, v33HeaderLen+len(ciphertext))
		out = append(out, v33Header...)
		out = append(out, ciphertext...)
		return out, nil

	default: // "3.1"
		if !encrypted {
			return jsonBody, nil
		}
		b64ct, err := c.encrypt(jsonBody, true)
		if err != nil {
			return nil, err
		}
		sig := []byte("data=")
		sig = append(sig, b64ct...)
		sig = append(sig, []byte("||lpv="+version+"||")...)
		sig = append(sig, localKey...)
		digest := md5.Sum(sig)

		out := make([]byte, 0, len(version)+len(digest)+len(b64ct))
		out = append(out, []byte(version)...)
		out = append(out, digest[:]...)
		out = append(out, b64ct...)
		return out, nil
	}
}

// unenvelopePayload reverses envelopePayload per §4.3/§4.4 inbound symmetry.
// A decrypt failure is returned as an error; a JSON parse failure yields a
// nil map and no error, matching the "unparseable payload" policy: the
// frame is still surfaced to the caller.
func unenvelopePayload(c *cipher, version string, cmd Command, body []byte) (map[string]any, error) {
	if cmd == CommandHeartBeat {
		return map[string]any{}, nil
	}

	var raw []byte
	var err error

	switch version {
	case "3.3":
		if cmd != CommandDPQuery && len(body) >= v33HeaderLen {
			body = body[v33HeaderLen:]
		}
		if len(body) == 0 {
			return map[string]any{}, nil
		}
		raw, err = c.decrypt(body, false)
		if err != nil {
			return nil, err
		}

	default: // "3.1"
		versionBytes := []byte(version)
		if bytes.HasPrefix(body, versionBytes) && len(body) >= len(versionBytes)+16 {
			rest := body[len(versionBytes)+16:]
			raw, err = c.decrypt(rest, true)
			if err != nil {
				return nil, err
			}
		} else {
			raw = body
		}
	}

	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil
	}
	return parsed, nil
}
