package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const defaultRenderTimeout = 25 * time.Second

// chromeRenderer renders pages in headless Chrome so images inserted by
// client-side scripts are visible to extraction.
type chromeRenderer struct {
	allocator context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	timeout   time.Duration
}

func newChromeRenderer(logger *zap.Logger) (*chromeRenderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-extensions", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &chromeRenderer{
		allocator: allocCtx,
		cancel:    cancel,
		logger:    logger,
		timeout:   defaultRenderTimeout,
	}, nil
}

func (r *chromeRenderer) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *chromeRenderer) Fetch(ctx context.Context, target string, opts FetchOptions) (*Document, error) {
	if strings.TrimSpace(target) == "" {
		return nil, errors.New("js fetch: empty target url")
	}
	taskCtx, cancelBrowser := chromedp.NewContext(r.allocator)
	defer cancelBrowser()

	// Bind the browser tab to the caller's context.
	stop := context.AfterFunc(ctx, cancelBrowser)
	defer stop()

	if _, ok := ctx.Deadline(); !ok && r.timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, r.timeout)
		defer cancel()
	}

	var (
		mu            sync.Mutex
		mainRequestID network.RequestID
		status        int
		mainHeaders   = http.Header{}
		finalURL      string
		htmlContent   string
	)
	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if e.Type == network.ResourceTypeDocument {
				mu.Lock()
				if mainRequestID == "" {
					mainRequestID = e.RequestID
				}
				mu.Unlock()
			}
		case *network.EventResponseReceived:
			mu.Lock()
			defer mu.Unlock()
			if e.RequestID != mainRequestID || e.Response == nil {
				return
			}
			status = int(e.Response.Status)
			for k, v := range e.Response.Headers {
				mainHeaders.Add(k, fmt.Sprint(v))
			}
			if e.Response.MimeType != "" && mainHeaders.Get("Content-Type") == "" {
				mainHeaders.Set("Content-Type", e.Response.MimeType)
			}
		}
	})

	requestHeaders := cloneHeader(opts.Header)
	actions := []chromedp.Action{network.Enable()}
	if ua := requestHeaders.Get("User-Agent"); ua != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(ua).Do(ctx)
		}))
		requestHeaders.Del("User-Agent")
	}
	if len(requestHeaders) > 0 {
		extra := network.Headers{}
		for k, vs := range requestHeaders {
			if len(vs) == 0 || strings.EqualFold(k, "Content-Length") {
				continue
			}
			extra[http.CanonicalHeaderKey(k)] = strings.Join(vs, ", ")
		}
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetExtraHTTPHeaders(extra).Do(ctx)
		}))
	}
	actions = append(actions,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if sel := strings.TrimSpace(opts.WaitSelector); sel != "" {
		actions = append(actions, chromedp.WaitVisible(sel, chromedp.ByQuery))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &htmlContent, chromedp.ByQuery),
	)

	start := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("render %s: %w", target, err)
	}
	r.logger.Debug("rendered page",
		zap.String("url", target),
		zap.Duration("took", time.Since(start)),
		zap.Int("bytes", len(htmlContent)),
	)

	if finalURL == "" {
		finalURL = target
	}
	mu.Lock()
	defer mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	return &Document{
		URL:    finalURL,
		Status: status,
		Header: mainHeaders,
		Body:   []byte(htmlContent),
	}, nil
}
