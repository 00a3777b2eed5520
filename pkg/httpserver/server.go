package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/infrastructure-io/mobilityd/pkg/dhcpclient"
	"github.com/infrastructure-io/mobilityd/pkg/gateway"
	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/log"
)

type HttpManager interface {
	Run()
	Stop()
}

// SubscriberTable is the read side of the ip manager
type SubscriberTable interface {
	GetSubscriberIPTable(ctx context.Context) ([]ipalloc.IPDescriptor, error)
	ListAddedIPBlocks(ctx context.Context) ([]ipalloc.IPBlock, error)
}

// Sources feeds the handlers. Gateways and Leases are nil without a dhcp allocator.
type Sources struct {
	Subscribers SubscriberTable
	Gateways    *gateway.Tracker
	Leases      *dhcpclient.LeaseStore
}

type httpServer struct {
	log *zap.SugaredLogger

	server        *http.Server
	stopOnce      sync.Once
	stopCtx       context.Context
	stopCtxCancel context.CancelFunc
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.Named("httpserver").Warnf("failed to encode response: %v", err)
	}
}

// NewHandler serves /metrics, /healthz and the json views of the allocation state
func NewHandler(src Sources) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/subscribers", func(w http.ResponseWriter, r *http.Request) {
		table, err := src.Subscribers.GetSubscriberIPTable(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, table)
	})

	mux.HandleFunc("/blocks", func(w http.ResponseWriter, r *http.Request) {
		blocks, err := src.Subscribers.ListAddedIPBlocks(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, blocks)
	})

	mux.HandleFunc("/gateways", func(w http.ResponseWriter, r *http.Request) {
		if src.Gateways == nil {
			writeJSON(w, []gateway.Record{})
			return
		}
		writeJSON(w, src.Gateways.GetAllRouterIPs())
	})

	mux.HandleFunc("/leases", func(w http.ResponseWriter, r *http.Request) {
		if src.Leases == nil {
			writeJSON(w, map[string]dhcpclient.Lease{})
			return
		}
		writeJSON(w, src.Leases.GetAll())
	})

	return mux
}

func NewHttpServer(port string, src Sources) HttpManager {
	ctx, cancel := context.WithCancel(context.Background())

	server := &httpServer{
		stopCtx:       ctx,
		stopCtxCancel: cancel,
		log:           log.Logger.Named("httpserver"),
	}

	server.server = &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           NewHandler(src),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	return server
}

func (s *httpServer) Run() {
	go func() {
		s.log.Infof("Starting HTTP server on address %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Panicf("HTTP server error: %v", err)
		}
	}()
}

func (s *httpServer) Stop() {
	s.stopOnce.Do(func() {
		s.stopCtxCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Errorf("Error shutting down HTTP server: %v", err)
		}
		s.log.Info("HTTP server stopped")
	})
}
