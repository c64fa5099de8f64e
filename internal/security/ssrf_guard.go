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

// URLGuard はリモートのAPIフィードを取得する際のSSRF対策。
type URLGuard interface {
	// ValidateURL はDNS解決前に静的に判定できる危険なURLを拒否する。
	ValidateURL(rawURL string) error
	// NewSafeClient は接続先IPを検証するHTTPクライアントを返す。
	NewSafeClient(timeout time.Duration) *http.Client
}

// ErrBlockedURL はURLGuardが拒否したURLを表す。
var ErrBlockedURL = errors.New("blocked url")

var allowedSchemes = []string{"http", "https"}

// blockedPrefixes はフィード取得で接続を許可しないアドレス範囲。
// リンクローカルにはクラウドのメタデータIPが含まれる。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// SSRFGuard はsafeurlによるURLGuardの実装。
type SSRFGuard struct {
	ports []int
}

// NewSSRFGuard はSSRFGuardを生成する。接続できるポートは80と443のみ。
func NewSSRFGuard() *SSRFGuard {
	return &SSRFGuard{ports: []int{80, 443}}
}

// NewSafeClient はsafeurlのクライアントを返す。
// 名前解決後のIPをDialerのControlフックで検証するため、DNSリバインディングも防ぐ。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.ports...).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateURL はスキーム、ホスト名、IPリテラルを検証する。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	if !slices.Contains(allowedSchemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "":
		return fmt.Errorf("%w: empty host", ErrBlockedURL)
	case host == "localhost" || strings.HasSuffix(host, ".localhost"):
		return fmt.Errorf("%w: host %s", ErrBlockedURL, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return fmt.Errorf("%w: address %s", ErrBlockedURL, addr)
			}
		}
	}
	return nil
}
