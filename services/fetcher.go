package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/ViljarVoidula/graphql-gateway/model"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

// sdlQuery asks a federation-capable service for its schema.
const sdlQuery = `{"query":"{ _service { sdl } }"}`

// HTTPSDLFetcher retrieves a service's SDL over HTTP: a federation SDL query
// first, falling back to the well-known schema path. Requests to
// HMAC-enabled services are signed with the service's active key.
type HTTPSDLFetcher struct {
	client *http.Client
	keySvc *KeyManagerService
}

func NewHTTPSDLFetcher(keySvc *KeyManagerService) *HTTPSDLFetcher {
	return &HTTPSDLFetcher{
		// Per-fetch deadlines come from the caller's context; the client
		// itself carries no timeout so service-specific budgets apply.
		client: &http.Client{},
		keySvc: keySvc,
	}
}

func (f *HTTPSDLFetcher) FetchSDL(ctx context.Context, service model.Service) (string, error) {
	sdl, err := f.fetchFederationSDL(ctx, service)
	if err == nil {
		return sdl, nil
	}

	fallback, fbErr := f.fetchWellKnownSDL(ctx, service)
	if fbErr == nil {
		return fallback, nil
	}
	return "", fmt.Errorf("sdl fetch failed for %s: %w (fallback: %v)", service.Name, err, fbErr)
}

func (f *HTTPSDLFetcher) fetchFederationSDL(ctx context.Context, service model.Service) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, service.URL, strings.NewReader(sdlQuery))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	f.sign(req, service, []byte(sdlQuery))

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, service.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", err
	}

	var parsed struct {
		Data struct {
			Service struct {
				SDL string `json:"sdl"`
			} `json:"_service"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("invalid SDL response from %s: %w", service.URL, err)
	}
	if parsed.Data.Service.SDL == "" {
		return "", fmt.Errorf("empty SDL from %s", service.URL)
	}
	return parsed.Data.Service.SDL, nil
}

func (f *HTTPSDLFetcher) fetchWellKnownSDL(ctx context.Context, service model.Service) (string, error) {
	url := strings.TrimSuffix(service.URL, "/") + "/.well-known/schema.graphql"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	f.sign(req, service, nil)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", fmt.Errorf("empty SDL from %s", url)
	}
	return string(body), nil
}

// sign attaches the gateway's HMAC signature when the service expects one. A
// missing key is not fatal to the poll: the request goes out unsigned and the
// service decides.
func (f *HTTPSDLFetcher) sign(req *http.Request, service model.Service, payload []byte) {
	if !service.EnableHMAC || f.keySvc == nil {
		return
	}
	keyID, signature, err := f.keySvc.Sign(service.ID, payload)
	if err != nil {
		log.WithError(err).WithField("service", service.Name).Debug("Skipping HMAC signing of SDL poll")
		return
	}
	req.Header.Set(shared.HeaderKeyID, keyID)
	req.Header.Set(shared.HeaderSignature, signature)
}
