package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Sign returns the X-Signature header value for body sent at unix time ts:
// "t=<ts>,v1=<hex hmac-sha256 of "<ts>.<body>">".
func Sign(secret string, ts int64, body []byte) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(mac(secret, ts, body))
}

// Verify checks a header produced by Sign. Receivers use it; the notifier only signs.
func Verify(secret string, body []byte, header string) bool {
	var ts int64
	var sig []byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return false
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return false
			}
			ts = n
		case "v1":
			b, err := hex.DecodeString(v)
			if err != nil {
				return false
			}
			sig = b
		}
	}
	if ts == 0 || sig == nil {
		return false
	}
	return hmac.Equal(mac(secret, ts, body), sig)
}

func mac(secret string, ts int64, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(strconv.FormatInt(ts, 10)))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}
