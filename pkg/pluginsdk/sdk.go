// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pluginsdk provides the SDK for building botmanager binary plugins.
//
// A binary plugin is an executable named "plugin" inside the uploaded
// archive. It is launched by the manager through HashiCorp go-plugin and
// serves HTTP requests forwarded over net/rpc. Any http.Handler works:
//
//	package main
//
//	import (
//		"fmt"
//		"net/http"
//
//		"github.com/holomush/botmanager/pkg/pluginsdk"
//	)
//
//	func main() {
//		mux := http.NewServeMux()
//		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
//			fmt.Fprintf(w, "hello from %s", r.Header.Get("X-Forwarded-Prefix"))
//		})
//		pluginsdk.Serve(mux)
//	}
//
// Paths seen by the handler have the /<plugin-id> prefix stripped; the
// stripped prefix is available in the X-Forwarded-Prefix header.
package pluginsdk

import (
	"bytes"
	"errors"
	"net/http"
	"net/rpc"
	"net/url"

	hashiplug "github.com/hashicorp/go-plugin"
)

// PluginName is the name under which the HTTP plugin is dispensed.
const PluginName = "http"

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "BOTMANAGER_PLUGIN",
	MagicCookieValue: "botmanager-http-v1",
}

// Request is an HTTP request as it crosses the process boundary.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Host       string
	RemoteAddr string
	Header     map[string][]string
	Body       []byte
}

// Response is an HTTP response as it crosses the process boundary.
type Response struct {
	Status int
	Header map[string][]string
	Body   []byte
}

// Serve starts the plugin server. It blocks and should be called from main().
func Serve(handler http.Handler) {
	if handler == nil {
		panic("pluginsdk: handler cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         PluginMap(handler),
	})
}

// PluginMap returns the go-plugin plugin set. The host passes a nil handler.
func PluginMap(handler http.Handler) map[string]hashiplug.Plugin {
	return map[string]hashiplug.Plugin{
		PluginName: &HTTPPlugin{Handler: handler},
	}
}

// HTTPPlugin implements go-plugin's Plugin interface over net/rpc.
type HTTPPlugin struct {
	// Handler is used by the plugin side only.
	Handler http.Handler
}

// Server returns the RPC server (called in the plugin process).
func (p *HTTPPlugin) Server(*hashiplug.MuxBroker) (interface{}, error) {
	if p.Handler == nil {
		return nil, errors.New("pluginsdk: handler is nil")
	}
	return &RPCServer{Handler: p.Handler}, nil
}

// Client returns the RPC client (called in the host process).
func (p *HTTPPlugin) Client(_ *hashiplug.MuxBroker, c *rpc.Client) (interface{}, error) {
	return NewRPCClient(c), nil
}

// RPCServer adapts an http.Handler to net/rpc.
type RPCServer struct {
	Handler http.Handler
}

// Serve handles one forwarded request.
func (s *RPCServer) Serve(req Request, resp *Response) error {
	r, err := req.toHTTP()
	if err != nil {
		return err
	}
	w := &responseWriter{header: http.Header{}}
	s.Handler.ServeHTTP(w, r)

	resp.Status = w.status
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	resp.Header = w.header
	resp.Body = w.body.Bytes()
	return nil
}

// RPCClient forwards requests to a plugin's RPCServer.
type RPCClient struct {
	client *rpc.Client
}

// NewRPCClient wraps an established net/rpc client.
func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{client: c}
}

// Call starts an asynchronous forward; receive from the returned call's Done.
func (c *RPCClient) Call(req Request) *rpc.Call {
	return c.client.Go("Plugin.Serve", req, new(Response), make(chan *rpc.Call, 1))
}

// FromHTTP captures r with the given body.
func FromHTTP(r *http.Request, body []byte) Request {
	return Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header.Clone(),
		Body:       body,
	}
}

func (req Request) toHTTP() (*http.Request, error) {
	u := &url.URL{Path: req.Path, RawQuery: req.RawQuery}
	r, err := http.NewRequest(req.Method, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	r.Header = http.Header(req.Header)
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Host = req.Host
	r.RemoteAddr = req.RemoteAddr
	r.RequestURI = u.RequestURI()
	return r, nil
}

// responseWriter buffers a handler's response.
type responseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}
