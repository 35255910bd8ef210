package browser

import (
	"context"
	"net/url"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// ProxyCredentials authenticate against the configured upstream proxy.
type ProxyCredentials struct {
	Username string
	Password string
}

// SplitProxyURL separates credentials from a proxy URL. Chrome's
// --proxy-server flag ignores userinfo, so credentials are answered per page
// through the Fetch domain instead.
func SplitProxyURL(raw string) (server string, creds *ProxyCredentials) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw, nil
	}
	password, _ := u.User.Password()
	creds = &ProxyCredentials{Username: u.User.Username(), Password: password}
	u.User = nil
	return u.String(), creds
}

// interceptRequests enables the Fetch domain on page. With blockMedia,
// image, font and media requests fail. With creds, proxy auth challenges are
// answered. The returned cleanup stops listening.
func interceptRequests(ctx context.Context, page *rod.Page, blockMedia bool, creds *ProxyCredentials) (cleanup func(), err error) {
	if !blockMedia && creds == nil {
		return func() {}, nil
	}

	enable := proto.FetchEnable{HandleAuthRequests: creds != nil}
	if creds != nil {
		// Auth challenges only surface for intercepted requests, so take them all.
		enable.Patterns = []*proto.FetchRequestPattern{{URLPattern: "*"}}
	} else {
		enable.Patterns = blockPatterns()
	}
	if err := enable.Call(page); err != nil {
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	var once sync.Once
	cleanup = func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}

	wait := page.Context(listenerCtx).EachEvent(
		func(e *proto.FetchRequestPaused) {
			// Errors are ignored: the request may already be gone.
			if blockMedia && isBlockedType(e.ResourceType) {
				_ = proto.FetchFailRequest{
					RequestID:   e.RequestID,
					ErrorReason: proto.NetworkErrorReasonBlockedByClient,
				}.Call(page)
				return
			}
			_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)
		},
		func(e *proto.FetchAuthRequired) {
			if creds == nil {
				return
			}
			log.Debug().Msg("Proxy authentication required, providing credentials")
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: creds.Username,
					Password: creds.Password,
				},
			}.Call(page)
		},
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		wait()
	}()

	return cleanup, nil
}

func blockPatterns() []*proto.FetchRequestPattern {
	return []*proto.FetchRequestPattern{
		{URLPattern: "*", ResourceType: proto.NetworkResourceTypeImage},
		{URLPattern: "*", ResourceType: proto.NetworkResourceTypeFont},
		{URLPattern: "*", ResourceType: proto.NetworkResourceTypeMedia},
	}
}

func isBlockedType(t proto.NetworkResourceType) bool {
	switch t {
	case proto.NetworkResourceTypeImage, proto.NetworkResourceTypeFont, proto.NetworkResourceTypeMedia:
		return true
	}
	return false
}
