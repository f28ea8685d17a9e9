package plugins

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	pb "github.com/mozilla-ai/mcpd-plugins-sdk-go/pkg/plugins/v1/plugins"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tnop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/protobuf/types/known/emptypb"

	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

const defaultCallTimeout = 5 * time.Second

// Ensure RemotePlugin implements pkg.Plugin.
var _ pkg.Plugin = (*RemotePlugin)(nil)

// RemotePlugin adapts a gRPC PluginClient to the in-process Plugin contract.
// NOTE: Use NewRemotePlugin to create a RemotePlugin.
type RemotePlugin struct {
	client      pb.PluginClient
	name        string
	version     string
	step        pkg.Step
	callTimeout time.Duration
	tracer      trace.Tracer
}

type RemoteOption func(*RemotePlugin)

// WithCallTimeout bounds each HandleRequest call.
func WithCallTimeout(d time.Duration) RemoteOption {
	return func(r *RemotePlugin) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

func WithRemoteTracer(tracer trace.Tracer) RemoteOption {
	return func(r *RemotePlugin) { r.tracer = tracer }
}

// NewRemotePlugin fetches the plugin metadata and capabilities and builds an adapter running at step.
// The plugin must declare the request flow.
func NewRemotePlugin(ctx context.Context, client pb.PluginClient, step pkg.Step, opts ...RemoteOption) (*RemotePlugin, error) {
	r := &RemotePlugin{
		client:      client,
		step:        step,
		callTimeout: defaultCallTimeout,
		tracer:      tnop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(r)
	}

	meta, err := client.GetMetadata(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}
	if meta.GetName() == "" {
		return nil, fmt.Errorf("%w: plugin has no name", ErrInvalidRemoteResponse)
	}
	r.name = meta.GetName()
	r.version = meta.GetVersion()

	caps, err := client.GetCapabilities(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fmt.Errorf("fetching capabilities: %w", err)
	}
	if !slices.Contains(caps.GetFlows(), pb.Flow_FLOW_REQUEST) {
		return nil, fmt.Errorf("%w: plugin %s does not handle requests", ErrInvalidRemoteResponse, r.name)
	}

	return r, nil
}

func (r *RemotePlugin) Step() pkg.Step { return r.step }

func (r *RemotePlugin) Kind() pkg.Kind { return pkg.KindRemote }

// Name returns the name the plugin reported.
func (r *RemotePlugin) Name() string { return r.name }

// Version returns the version the plugin reported.
func (r *RemotePlugin) Version() string { return r.version }

// Handle forwards the request to the remote plugin.
// A response with Continue unset ends the pipeline with that response.
// Otherwise any modified headers and body are applied to the live request.
func (r *RemotePlugin) Handle(ctx context.Context, s *pkg.Session, _ *pkg.State) (pkg.Result, error) {
	ctx, span := r.tracer.Start(ctx, "remote.handle", trace.WithAttributes(attribute.String("plugin.name", r.name)))
	defer span.End()

	req, err := httpRequestToProto(s.Request)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return pkg.Continue(), fmt.Errorf("converting request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	resp, err := r.client.HandleRequest(callCtx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return pkg.Continue(), fmt.Errorf("plugin %s: %w", r.name, err)
	}

	if !resp.GetContinue() {
		status := int(resp.GetStatusCode())
		if status != 0 && (status < 100 || status > 599) {
			return pkg.Continue(), fmt.Errorf("%w: status %d from %s", ErrInvalidRemoteResponse, status, r.name)
		}
		h := make(http.Header, len(resp.GetHeaders()))
		for k, v := range resp.GetHeaders() {
			h.Set(k, v)
		}
		return pkg.Respond(&pkg.Response{Status: status, Header: h, Body: resp.GetBody()}), nil
	}

	if mod := resp.GetModifiedRequest(); mod != nil {
		applyModifiedRequest(s.Request, mod)
	}
	return pkg.Continue(), nil
}

// httpRequestToProto converts *http.Request to *pb.HTTPRequest.
// The body is read and restored for downstream handlers. Only the first value of each header is sent.
func httpRequestToProto(r *http.Request) (*pb.HTTPRequest, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &pb.HTTPRequest{
		Method:     r.Method,
		Url:        r.URL.String(),
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestUri: r.RequestURI,
	}, nil
}

func applyModifiedRequest(r *http.Request, mod *pb.HTTPRequest) {
	for k, v := range mod.GetHeaders() {
		r.Header.Set(k, v)
	}
	if body := mod.GetBody(); body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
}
