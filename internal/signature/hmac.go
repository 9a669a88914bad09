package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HMACTimestamped verifies headers of the form "t=<unix>,v1=<hex>[,v1=<hex>...]".
// The signed string is the timestamp immediately followed by the raw body.
type HMACTimestamped struct {
	secret    []byte
	tolerance time.Duration
	nowFunc   func() time.Time
	logger    *zap.Logger
}

// NewHMACTimestamped builds the verifier. A zero tolerance disables the timestamp age check.
func NewHMACTimestamped(secret string, tolerance time.Duration, logger *zap.Logger) *HMACTimestamped {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HMACTimestamped{secret: []byte(secret), tolerance: tolerance, nowFunc: time.Now, logger: logger}
}

func (v *HMACTimestamped) Verify(body []byte, header string) Result {
	if len(v.secret) == 0 {
		v.logger.Warn("Webhook secret not configured, skipping signature verification")
		return skipped("no secret configured")
	}
	if strings.TrimSpace(header) == "" {
		return rejected("missing signature header")
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			candidates = append(candidates, val)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return rejected("malformed signature header")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return rejected("malformed timestamp")
	}
	if v.tolerance > 0 {
		age := v.nowFunc().Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > v.tolerance {
			return rejected("timestamp outside tolerance")
		}
	}

	expected := []byte(TimestampedDigest(v.secret, ts, body))
	for _, c := range candidates {
		if hmac.Equal(expected, []byte(strings.ToLower(c))) {
			return verified()
		}
	}
	return rejected("signature mismatch")
}

// TimestampedDigest returns the lowercase hex HMAC-SHA256 of ts+body.
func TimestampedDigest(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACRawBody verifies a header carrying the hex HMAC-SHA256 of the raw body.
type HMACRawBody struct {
	secret []byte
	logger *zap.Logger
}

func NewHMACRawBody(secret string, logger *zap.Logger) *HMACRawBody {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HMACRawBody{secret: []byte(secret), logger: logger}
}

func (v *HMACRawBody) Verify(body []byte, header string) Result {
	if len(v.secret) == 0 {
		v.logger.Warn("Webhook secret not configured, skipping signature verification")
		return skipped("no secret configured")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return rejected("missing signature header")
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return rejected("malformed signature header")
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return rejected("signature mismatch")
	}
	return verified()
}
