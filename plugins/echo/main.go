// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package main implements an echo bot as a botmanager binary plugin.
// It answers every request with the request line and body it received.
//
// Build and package:
//
//	go build -o plugin ./plugins/echo
//	zip echo.zip plugin
package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/holomush/botmanager/pkg/pluginsdk"
)

// Echo is the JSON shape returned for every request.
type Echo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Query  string `json:"query,omitempty"`
	Prefix string `json:"prefix"`
	Body   string `json:"body,omitempty"`
}

func handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<h1>echo</h1><p>POST anything to "+r.Header.Get("X-Forwarded-Prefix")+"/echo</p>")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Echo{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Prefix: r.Header.Get("X-Forwarded-Prefix"),
			Body:   string(body),
		})
	})
	return mux
}

func main() {
	pluginsdk.Serve(handler())
}
