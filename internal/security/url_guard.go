package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// URLの検証エラー
var (
	ErrEmptyURL         = errors.New("empty URL")
	ErrDisallowedScheme = errors.New("disallowed URL scheme")
	ErrBlockedHost      = errors.New("blocked host")
	ErrURLTooLong       = errors.New("URL too long")
	ErrCredentialsInURL = errors.New("URL must not contain credentials")
)

// MaxURLLength はプロフィール画像・メディアURLとして受け付ける最大長。
const MaxURLLength = 2048

// URLGuard は利用者が指定した外部URLを検証し、安全に取得するクライアントを提供する。
// プロフィールのアバター・バナーURLの検証と、メディアのURL取り込みで使用する。
type URLGuard interface {
	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error

	// NewSafeClient は接続時に解決後のIPアドレスを検証するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client
}

var allowedSchemes = []string{"http", "https"}

// blockedPrefixes は内部ネットワークとして扱うアドレス範囲。
// 169.254.169.254 などのクラウドメタデータはリンクローカルに含まれる。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

var blockedHostSuffixes = []string{".localhost", ".internal", ".local"}

type urlGuard struct{}

// NewURLGuard はURLGuardを生成する。
func NewURLGuard() *urlGuard {
	return &urlGuard{}
}

// ValidateURL はスキーム・ホスト・IPアドレスを検証する。
// DNS再バインディングはNewSafeClient側のDialer検証で防ぐ。
func (g *urlGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return ErrEmptyURL
	}
	if len(rawURL) > MaxURLLength {
		return ErrURLTooLong
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !slices.Contains(allowedSchemes, strings.ToLower(parsed.Scheme)) {
		return fmt.Errorf("%w: %q", ErrDisallowedScheme, parsed.Scheme)
	}
	if parsed.User != nil {
		return ErrCredentialsInURL
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedHost)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedHost, addr)
		}
		return nil
	}
	if isBlockedHostname(host) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	return nil
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを返す。
// 接続先ポートは80/443に限定する。
func (g *urlGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	if host == "localhost" {
		return true
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ URLGuard = (*urlGuard)(nil)
