package signature

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"hash"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	DefaultCertDomainSuffix = ".amazonaws.com"
	// DefaultCertHostPattern admits only the regional SNS endpoints, not every host
	// under amazonaws.com (S3 buckets and API Gateway stages are attacker-creatable).
	DefaultCertHostPattern = `^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`
	DefaultCertCacheTTL    = time.Hour
	DefaultCertCacheSize   = 32

	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// Envelope is an SNS-format signed message. Timestamp stays a string so the
// canonical form matches the bytes that were signed.
type Envelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}

// ParseEnvelope decodes body as an envelope. ok is false when body is not JSON or
// lacks the Type/SigningCertURL pair that marks a signed envelope.
func ParseEnvelope(body []byte) (*Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	if env.Type == "" || env.SigningCertURL == "" {
		return nil, false
	}
	return &env, true
}

// StringToSign builds the canonical newline-delimited form for the envelope type.
func (e *Envelope) StringToSign() string {
	var b strings.Builder
	add := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('\n')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	add("Message", e.Message)
	add("MessageId", e.MessageID)
	if e.Type == TypeNotification {
		if e.Subject != "" {
			add("Subject", e.Subject)
		}
		add("Timestamp", e.Timestamp)
		add("TopicArn", e.TopicArn)
		add("Type", e.Type)
		return b.String()
	}
	add("SubscribeURL", e.SubscribeURL)
	add("Timestamp", e.Timestamp)
	add("Token", e.Token)
	add("TopicArn", e.TopicArn)
	add("Type", e.Type)
	return b.String()
}

// CertCache holds parsed signing certificates keyed by URL.
type CertCache interface {
	Get(key string) (*x509.Certificate, bool)
	Add(key string, value *x509.Certificate) bool
	Purge()
}

// NewCertCache returns a size-bounded LRU whose entries expire after ttl.
func NewCertCache(size int, ttl time.Duration) CertCache {
	if size <= 0 {
		size = DefaultCertCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCertCacheTTL
	}
	return expirable.NewLRU[string, *x509.Certificate](size, nil, ttl)
}

// CertificateVerifier checks RSA signatures (SignatureVersion 1 = SHA1, 2 = SHA256)
// against a provider-hosted certificate.
type CertificateVerifier struct {
	hosts  *regexp.Regexp
	cache  CertCache
	http   *resty.Client
	logger *zap.Logger
}

type CertificateOption func(*CertificateVerifier)

// WithDomainSuffix admits sns.<region>.<suffix>. The suffix is matched on a label
// boundary, with or without a leading dot.
func WithDomainSuffix(suffix string) CertificateOption {
	return func(v *CertificateVerifier) {
		suffix = strings.Trim(strings.ToLower(suffix), ".")
		if suffix == "" || suffix == strings.Trim(DefaultCertDomainSuffix, ".") {
			v.hosts = regexp.MustCompile(DefaultCertHostPattern)
			return
		}
		v.hosts = regexp.MustCompile(`^sns\.[a-z0-9-]+\.` + regexp.QuoteMeta(suffix) + `$`)
	}
}

// WithHostPattern replaces the allowed-host expression; it must anchor both ends.
func WithHostPattern(re *regexp.Regexp) CertificateOption {
	return func(v *CertificateVerifier) { v.hosts = re }
}

func WithCertCache(c CertCache) CertificateOption {
	return func(v *CertificateVerifier) { v.cache = c }
}

func WithHTTPClient(c *resty.Client) CertificateOption {
	return func(v *CertificateVerifier) { v.http = c }
}

func NewCertificateVerifier(logger *zap.Logger, opts ...CertificateOption) *CertificateVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &CertificateVerifier{
		hosts:  regexp.MustCompile(DefaultCertHostPattern),
		logger: logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cache == nil {
		v.cache = NewCertCache(DefaultCertCacheSize, DefaultCertCacheTTL)
	}
	if v.http == nil {
		v.http = resty.New().SetTimeout(5 * time.Second)
	}
	// A redirect would fetch from a host ValidateCertURL never saw.
	v.http.SetRedirectPolicy(resty.NoRedirectPolicy())
	return v
}

// ValidateCertURL requires https and a host matching the allowed-host expression.
func (v *CertificateVerifier) ValidateCertURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrCertificateURL, u.Scheme)
	}
	if !v.hosts.MatchString(strings.ToLower(u.Hostname())) {
		return fmt.Errorf("%w: host %q", ErrCertificateURL, u.Hostname())
	}
	return nil
}

// VerifyEnvelope validates the certificate URL, fetches (or reuses) the certificate
// and checks the signature over the envelope's canonical string.
func (v *CertificateVerifier) VerifyEnvelope(ctx context.Context, env *Envelope) Result {
	if env == nil {
		return rejected("missing envelope")
	}
	if err := v.ValidateCertURL(env.SigningCertURL); err != nil {
		v.logger.Warn("Rejected signing certificate url", zap.String("url", env.SigningCertURL), zap.Error(err))
		return rejected("untrusted certificate url")
	}

	var (
		h  hash.Hash
		id crypto.Hash
	)
	switch env.SignatureVersion {
	case "1":
		h, id = sha1.New(), crypto.SHA1
	case "2":
		h, id = sha256.New(), crypto.SHA256
	default:
		return rejected("unsupported signature version")
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return rejected("malformed signature")
	}
	cert, err := v.certificate(ctx, env.SigningCertURL)
	if err != nil {
		v.logger.Warn("Signing certificate unavailable", zap.String("url", env.SigningCertURL), zap.Error(err))
		return rejected("certificate unavailable")
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return rejected("certificate key is not RSA")
	}

	h.Write([]byte(env.StringToSign()))
	if err := rsa.VerifyPKCS1v15(pub, id, h.Sum(nil), sig); err != nil {
		return rejected("signature mismatch")
	}
	return verified()
}

// ConfirmSubscription visits SubscribeURL of a verified SubscriptionConfirmation.
func (v *CertificateVerifier) ConfirmSubscription(ctx context.Context, env *Envelope) error {
	if env.Type != TypeSubscriptionConfirmation {
		return fmt.Errorf("signature: %s is not a subscription confirmation", env.Type)
	}
	if err := v.ValidateCertURL(env.SubscribeURL); err != nil {
		return err
	}
	resp, err := v.http.R().SetContext(ctx).Get(env.SubscribeURL)
	if err != nil {
		return fmt.Errorf("signature: confirm subscription: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("signature: confirm subscription: status %d", resp.StatusCode())
	}
	return nil
}

// Reset drops every cached certificate, e.g. after the provider rotates its key.
func (v *CertificateVerifier) Reset() {
	v.cache.Purge()
}

func (v *CertificateVerifier) certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	if cert, ok := v.cache.Get(certURL); ok {
		return cert, nil
	}
	resp, err := v.http.R().SetContext(ctx).Get(certURL)
	if err != nil {
		return nil, fmt.Errorf("fetch certificate: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch certificate: status %d", resp.StatusCode())
	}
	block, _ := pem.Decode(resp.Body())
	if block == nil {
		return nil, fmt.Errorf("fetch certificate: no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	v.cache.Add(certURL, cert)
	return cert, nil
}
