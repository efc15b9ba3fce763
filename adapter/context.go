package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/browserutils/kooky"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/skyscan/skyscan/pkg/logger"
)

// Context carries the shared resources the executor owns and injects into
/// adapters: HTTP clients, the proxy pool, a clock and a logger. Adapters
// hold no process-wide singletons.
type Context struct {
	// Masked is the TLS-fingerprint-masking client used against WAF-fronted
	// endpoints; it carries browser-profile headers on every request.
	Masked *retryablehttp.Client
	// Plain is an ordinary retrying client for API-key and OAuth sources.
	Plain *retryablehttp.Client

	Proxies *ProxyPool
	Log     *logger.Logger
	Now     func() time.Time
}

// NewContext builds an adapter context with the default clients.
func NewContext(proxies *ProxyPool, log *logger.Logger) *Context {
	return &Context{
		Masked:  NewMaskedClient(),
		Plain:   NewPlainClient(),
		Proxies: proxies,
		Log:     log,
		Now:     time.Now,
	}
}

const maskedUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// euConsentCookies are pre-seeded so consent interstitials do not swallow
// the first response from EU-hosted endpoints.
var euConsentCookies = []string{
	"CONSENT=PENDING+987",
	"SOCS=CAESHAgBEhJnd3NfMjAyMzA4MTAtMF9SQzIaAmRlIAEaBgiA_pymBg",
}

func retryPolicy() retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return false, ctx.Err()
			}
		}
		// 4xx failures are classified, not retried; only transient statuses
		// go back around.
		if resp != nil && resp.StatusCode < 500 {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
}

// NewMaskedClient returns the retrying client used for WAF-fronted sources.
// Retries are capped at 2 per the transient-network policy; the browser
// profile headers are attached via the request hook.
func NewMaskedClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	client.CheckRetry = retryPolicy()
	client.RetryWaitMin = time.Second
	client.HTTPClient.Timeout = 90 * time.Second
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
		if req.Header.Get("user-agent") == "" {
			req.Header.Set("user-agent", maskedUserAgent)
		}
		req.Header.Set("accept-language", "en-US,en;q=0.9")
	}
	return client
}

// NewPlainClient returns a retrying client without browser masking.
func NewPlainClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	client.CheckRetry = retryPolicy()
	client.RetryWaitMin = 500 * time.Millisecond
	client.HTTPClient.Timeout = 30 * time.Second
	return client
}

// PrimeCookies performs the warm-up GET against baseURL and returns the
// session cookies to replay on subsequent calls, with EU consent cookies
// pre-seeded. When harvestDomain is non-empty, cookies for that domain are
// also read from any local browser profile and overlaid, which carries over
// abuse-exemption cookies a human session already earned.
func PrimeCookies(ctx context.Context, client *retryablehttp.Client, baseURL, harvestDomain string) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cookie warm-up: %w", err)
	}
	defer res.Body.Close()

	cookies := append([]string{}, euConsentCookies...)
	for _, c := range res.Header["Set-Cookie"] {
		cookies = append(cookies, strings.Split(c, ";")[0])
	}

	if harvestDomain != "" {
		for _, c := range kooky.ReadCookies(kooky.Valid, kooky.DomainHasSuffix(harvestDomain)) {
			cookies = append(cookies, fmt.Sprintf("%s=%s", c.Name, c.Value))
		}
	}
	return cookies, nil
}
