package genai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const imageTransform = "tr=w-800,h-800"

// ImageClient renders images through a URL-based generation endpoint: the
// prompt is embedded in the request path and the provider serves the rendered
// image at that same URL from then on.
type ImageClient struct {
	endpoint string
	folder   string
	timeout  time.Duration
	nowFn    func() int64
	client   *http.Client
}

// NewImageClient wires an image generation client with a bounded per-call timeout.
func NewImageClient(endpoint string, folder string, timeout time.Duration) *ImageClient {
	return &ImageClient{
		endpoint: endpoint,
		folder:   folder,
		timeout:  timeout,
		nowFn:    func() int64 { return time.Now().UTC().UnixNano() },
		client:   &http.Client{},
	}
}

// GenerateImage triggers generation and returns the hosted image URL. The GET
// must succeed before the URL is handed back; a timeout or error status means
// the image was never rendered.
func (client *ImageClient) GenerateImage(ctx context.Context, prompt string) (string, error) {
	requestCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	imageURL := fmt.Sprintf("%s/ik-genimg-prompt-%s/%s/%d.png?%s",
		client.endpoint, url.PathEscape(prompt), client.folder, client.nowFn(), imageTransform)

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	response, err := client.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrUpstream, response.StatusCode)
	}
	if _, err := io.Copy(io.Discard, response.Body); err != nil {
		return "", fmt.Errorf("%w: read image: %v", ErrUpstream, err)
	}
	return imageURL, nil
}
