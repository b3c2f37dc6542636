// Package proxy forwards /api/proxy/* requests to the API gateway and issues
// gateway bearer tokens from configured client credentials.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/fortifai/core/internal/models"
	"github.com/fortifai/core/internal/observability"
)

// TokenPath is answered locally when client credentials are configured.
const TokenPath = "/token"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNotConfigured = errors.New("gateway is not configured")

type Options struct {
	GatewayURL   string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// HTTPClient is used for token requests. Defaults to a client with a
	// 30s timeout.
	HTTPClient *http.Client
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

type Proxy struct {
	target  *url.URL
	reverse *httputil.ReverseProxy
	tokens  oauth2.TokenSource
	metrics *observability.Metrics
	logger  *slog.Logger
}

// TokenResponse is returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func New(opts Options) (*Proxy, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Proxy{
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "proxy"),
	}
	if opts.GatewayURL == "" {
		return p, nil
	}

	target, err := url.Parse(strings.TrimSuffix(opts.GatewayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid gateway url %q: scheme and host are required", opts.GatewayURL)
	}
	p.target = target

	p.reverse = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			// CORS is answered by this service, not the gateway.
			for key := range resp.Header {
				if strings.HasPrefix(http.CanonicalHeaderKey(key), "Access-Control-") {
					resp.Header.Del(key)
				}
			}
			p.metrics.ObserveProxy("forward", resp.StatusCode)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Error("gateway request failed", "path", r.URL.Path, "error", err)
			p.metrics.ObserveProxy("forward", http.StatusBadGateway)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(models.ErrorResponse{
				Error:   "gateway request failed",
				Details: err.Error(),
			})
		},
	}

	if opts.TokenURL != "" && opts.ClientID != "" {
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 30 * time.Second}
		}
		cc := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			Scopes:       opts.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		p.tokens = cc.TokenSource(ctx)
	}

	return p, nil
}

// Configured reports whether a gateway URL was set.
func (p *Proxy) Configured() bool {
	return p.target != nil
}

// Handler serves ANY /api/proxy/*path.
func (p *Proxy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p.target == nil {
			c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
				Error:   "proxy unavailable",
				Details: ErrNotConfigured.Error(),
			})
			return
		}

		path, rawPath := forwardPath(c)
		if path == TokenPath && p.tokens != nil {
			p.serveToken(c)
			return
		}

		c.Request.URL.Path = path
		c.Request.URL.RawPath = rawPath
		p.reverse.ServeHTTP(c.Writer, c.Request)
	}
}

// forwardPath returns the part of the request path after the route prefix,
// decoded and as sent, so escaped slashes inside a segment survive.
func forwardPath(c *gin.Context) (string, string) {
	prefix := strings.TrimSuffix(c.FullPath(), "/*path")
	rawPath := strings.TrimPrefix(c.Request.URL.EscapedPath(), prefix)
	if rawPath == "" {
		rawPath = "/"
	}

	path, err := url.PathUnescape(rawPath)
	if err != nil {
		path = c.Param("path")
		if path == "" {
			path = "/"
		}
		return path, ""
	}
	return path, rawPath
}

func (p *Proxy) serveToken(c *gin.Context) {
	tok, err := p.tokens.Token()
	if err != nil {
		p.logger.Error("token request failed", "error", err)
		p.metrics.ObserveProxy("token", http.StatusBadGateway)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{
			Error:   "token request failed",
			Details: err.Error(),
		})
		return
	}

	resp := TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}

	p.metrics.ObserveProxy("token", http.StatusOK)
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}
