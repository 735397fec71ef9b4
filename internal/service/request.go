package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"esi-search-proxy/internal/model"
	"esi-search-proxy/internal/route"
)

// proxyControlHeaders are addressed to the proxy itself and never forwarded
// upstream. Keys are canonical.
var proxyControlHeaders = map[string]bool{
	"Host":         true,
	"X-Proxy-Auth": true,
	"X-Entity-Id":  true,
	"X-Token-Type": true,
}

// knownMethods maps upper-cased standard verbs to their canonical form.
var knownMethods = map[string]string{
	"GET":     http.MethodGet,
	"HEAD":    http.MethodHead,
	"POST":    http.MethodPost,
	"PUT":     http.MethodPut,
	"PATCH":   http.MethodPatch,
	"DELETE":  http.MethodDelete,
	"OPTIONS": http.MethodOptions,
}

// target is the rewritten destination of a classified request.
type target struct {
	method string
	path   string
	// rewritesBody is set when the response body will be decoded.
	rewritesBody bool
	// needsToken is set when an access token must be attached.
	needsToken bool
}

// resolveTarget maps a classification to the upstream method and path.
func (s *ProxyService) resolveTarget(pr *model.ProxyRequest, cls route.Classification) target {
	switch {
	case cls.Kind == route.KindCharacterSearch:
		return target{
			method:     http.MethodGet,
			path:       fmt.Sprintf("/v3/characters/%d/search/", s.characterID),
			needsToken: true,
		}
	case cls.Kind == route.KindCharacterOnline && cls.LegacyShape:
		return target{
			method:       http.MethodGet,
			path:         "/v3/characters/" + cls.CharacterID + "/online/",
			rewritesBody: true,
		}
	default:
		return target{
			method: normalizeMethod(pr.Method),
			path:   normalizePath(pr.Route),
		}
	}
}

// buildRequest creates the outbound request for pr. The access token, when
// the target needs one, is attached by the caller.
func (s *ProxyService) buildRequest(pr *model.ProxyRequest, t target) (*http.Request, error) {
	u := s.baseURL + t.path
	if pr.RawQuery != "" {
		u += "?" + pr.RawQuery
	}

	var body io.Reader
	if hasRequestBody(t.method) && pr.Body != nil {
		body = pr.Body
	}

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, t.method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildRequest, err)
	}
	if body != nil && pr.ContentLength != 0 {
		req.ContentLength = pr.ContentLength
	}

	req.Header = filterRequestHeaders(pr.Header)
	if t.rewritesBody {
		// Let the transport negotiate compression and decode it, since the
		// body is parsed here rather than passed through.
		req.Header.Del("Accept-Encoding")
	}
	return req, nil
}

// filterRequestHeaders copies every header except the proxy control headers.
func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		canonical := http.CanonicalHeaderKey(key)
		if proxyControlHeaders[canonical] {
			continue
		}
		dst[canonical] = append(dst[canonical], vals...)
	}
	return dst
}

// normalizeMethod upper-cases standard verbs and keeps any other verb as given.
func normalizeMethod(method string) string {
	if m, ok := knownMethods[strings.ToUpper(method)]; ok {
		return m
	}
	return method
}

func normalizePath(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

func hasRequestBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
