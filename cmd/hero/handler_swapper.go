package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper serves the mux built for the current config. SIGHUP reloads
// rebuild it so toggling the websocket route needs no restart.
type handlerSwapper struct {
	build   func(Config) http.Handler
	current atomic.Pointer[http.Handler]
}

func newHandlerSwapper(build func(Config) http.Handler, cfg Config) *handlerSwapper {
	s := &handlerSwapper{build: build}
	s.Reload(cfg)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

// Reload swaps in routes for cfg. In-flight requests finish on the old mux.
func (s *handlerSwapper) Reload(cfg Config) {
	h := s.build(cfg)
	s.current.Store(&h)
}
