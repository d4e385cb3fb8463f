package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/model"
	"github.com/samber/do"
)

var ErrPipelineServer = errors.New("pipeline server")

// maxErrorBody bounds how much of a failed response is echoed back.
const maxErrorBody = 4096

// HTTPLoader loads pipelines on a remote diffusion pipeline server.
type HTTPLoader struct {
	Client  *http.Client
	BaseURL string
	Key     string
}

func NewHTTPLoader(i *do.Injector) (*HTTPLoader, error) {
	return &HTTPLoader{
		Client:  do.MustInvoke[*http.Client](i),
		BaseURL: strings.TrimRight(do.MustInvokeNamed[string](i, "pipeline_url"), "/"),
		Key:     do.MustInvokeNamed[string](i, "pipeline_key"),
	}, nil
}

type loadRequest struct {
	Model string `json:"model"`
}

type loadResponse struct {
	ID string `json:"id"`
}

func (l *HTTPLoader) Load(ctx context.Context, variant model.Variant) (Pipeline, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("pipeline server").With("model", variant.ID)
	log.Info("loading pipeline")

	body, err := json.Marshal(loadRequest{Model: variant.ID})
	if err != nil {
		return nil, err
	}

	resp, err := l.do(ctx, http.MethodPost, "/pipelines", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus("load", resp); err != nil {
		return nil, err
	}

	var out loadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: load: decoding response: %v", ErrPipelineServer, err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: load: empty pipeline id", ErrPipelineServer)
	}

	log.Info("pipeline loaded", "pipeline", out.ID)
	return &httpPipeline{loader: l, id: out.ID, model: variant.ID}, nil
}

type statusResponse struct {
	Device Device `json:"device"`
}

func (l *HTTPLoader) Device(ctx context.Context) (Device, error) {
	resp, err := l.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus("status", resp); err != nil {
		return "", err
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: status: decoding response: %v", ErrPipelineServer, err)
	}
	return out.Device, nil
}

func (l *HTTPLoader) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.Key != "" {
		req.Header.Set("X-Api-Key", l.Key)
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipelineServer, err)
	}
	return resp, nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%w: %s: status %d: %s", ErrPipelineServer, op, resp.StatusCode, strings.TrimSpace(string(data)))
}

type httpPipeline struct {
	loader *HTTPLoader
	id     string
	model  string
}

func (p *httpPipeline) Generate(ctx context.Context, params Params) ([]byte, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("pipeline server").With("model", p.model, "pipeline", p.id)
	log.Info("generating image", "height", params.Height, "width", params.Width, "steps", params.Steps)

	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	resp, err := p.loader.do(ctx, http.MethodPost, "/pipelines/"+url.PathEscape(p.id)+"/text2image", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus("text2image", resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: text2image: reading image: %v", ErrPipelineServer, err)
	}
	log.Info("received image", "bytes", len(data))
	return data, nil
}

func (p *httpPipeline) Close(ctx context.Context) error {
	log.FromContextOrDiscard(ctx).WithGroup("pipeline server").Info("releasing pipeline", "model", p.model, "pipeline", p.id)

	resp, err := p.loader.do(ctx, http.MethodDelete, "/pipelines/"+url.PathEscape(p.id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// already gone on the server side
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkStatus("release", resp)
}
