// Package status serves a read-only view of a running process over HTTP.
//
// GET /status returns a Report as JSON.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/rflandau/strata/strata"
	"github.com/rs/zerolog"
	"resty.dev/v3"
)

const (
	_API_NAME    string = "Strata"
	_API_VERSION string = "0.1.0"

	ContentType string = "application/json"
	EPStatus    string = "/status"
)

// Report is a point-in-time summary of a process.
type Report struct {
	ID           uint64            `json:"id" example:"2" doc:"id of the reporting process"`
	Ordering     string            `json:"ordering" example:"fifo" doc:"ordering variant at the top of the stack"`
	OutboxSize   int               `json:"outbox-size" doc:"packets in flight, awaiting acknowledgement"`
	Queued       int               `json:"queued" doc:"sends not yet in flight: still queued or waiting on a destination at capacity"`
	LivePeers    []uint64          `json:"live-peers" doc:"processes heard from recently, including ourself"`
	URBPending   int               `json:"urb-pending" doc:"packets seen but not yet uniformly delivered"`
	URBDelivered int               `json:"urb-delivered" doc:"packets uniformly delivered"`
	BySource     map[string]uint64 `json:"delivered-by-source" doc:"packets uniformly delivered, keyed by source id"`
}

// Reporter is anything that can summarize itself into a Report.
type Reporter interface {
	Status() Report
}

// Response for GET /status.
type StatusResp struct {
	Body Report
}

// Register installs the status endpoint on api.
func Register(api huma.API, r Reporter) {
	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        EPStatus,
		Summary:     "Get process status",
	}, func(ctx context.Context, _ *struct{}) (*StatusResp, error) {
		return &StatusResp{Body: r.Status()}, nil
	})
}

// Server is a standalone HTTP server hosting the status endpoint.
type Server struct {
	log  *zerolog.Logger
	mux  *http.ServeMux
	api  huma.API
	http http.Server
	ln   net.Listener
}

// NewServer builds (but does not start) a status server for r.
func NewServer(addr string, r Reporter, log *zerolog.Logger) *Server {
	if log == nil {
		log = strata.DefaultLogger(0)
	}
	s := &Server{log: log, mux: http.NewServeMux()}
	s.api = humago.New(s.mux, huma.DefaultConfig(_API_NAME, _API_VERSION))
	Register(s.api, r)
	s.http = http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listening socket and serves in the background.
// The server is accepting connections by the time Start returns.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("status server died")
		}
	}()
	s.log.Info().Str("address", ln.Addr().String()).Msg("status endpoint listening")
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops the server.
func (s *Server) Close() error {
	err := s.http.Close()
	s.log.Debug().AnErr("close error", err).Msg("status server closed")
	return err
}

// Fetch requests the status of the process serving at baseURL.
//
// baseURL should be of the form "http://<ip>:<port>"
func Fetch(baseURL string) (*resty.Response, Report, error) {
	cli := resty.New()
	defer cli.Close()

	var rep Report
	res, err := cli.R().
		SetExpectResponseContentType(ContentType).
		SetResult(&rep).
		Get(strings.TrimSuffix(baseURL, "/") + EPStatus)
	return res, rep, err
}
