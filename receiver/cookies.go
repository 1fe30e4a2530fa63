package receiver

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
)

// CookieStore receives Set-Cookie fields as they arrive, keyed by the
// request URI, independent of listener header filtering.
type CookieStore interface {
	SetCookie(u *url.URL, value string)
}

type jarStore struct {
	jar http.CookieJar
}

// NewJarStore adapts a net/http cookie jar to the CookieStore surface.
func NewJarStore() (CookieStore, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &jarStore{jar}, nil
}

func (s *jarStore) SetCookie(u *url.URL, value string) {
	if u == nil {
		return
	}
	resp := http.Response{Header: http.Header{"Set-Cookie": {value}}}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		s.jar.SetCookies(u, cookies)
	}
}
