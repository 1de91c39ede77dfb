// Package pubsub is a small HTTP node service storing device lists and bundles per identity and
// queueing stanzas until their recipient collects them.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/wire"
	"go.uber.org/zap"
)

const (
	serviceType     = "_omemo-pubsub._tcp"
	serviceDomain   = "local."
	contentType     = "application/cbor"
	requestIDHeader = "X-Request-Id"
	maxBodySize     = 16 * 1024 * 1024
	maxQueued       = 1024
)

// Queue is what a recipient collects from GET /stanzas/{identity}.
type Queue struct {
	Stanzas [][]byte `cbor:"1,keyasint"`
}

type Server struct {
	config   *config.Config
	log      *zap.SugaredLogger
	router   *mux.Router
	lock     sync.Mutex
	devices  map[string][]byte
	bundles  map[address.Address][]byte
	stanzas  map[string][][]byte
	http     *http.Server
	zeroconf *zeroconf.Server
}

func NewServer(c *config.Config) *Server {
	s := &Server{
		config:  c,
		log:     c.Logger("pubsub/server"),
		devices: make(map[string][]byte),
		bundles: make(map[address.Address][]byte),
		stanzas: make(map[string][][]byte),
	}
	r := mux.NewRouter()
	r.Use(s.requestID)
	r.HandleFunc("/nodes/{identity}/devices", s.getDevices).Methods("GET")
	r.HandleFunc("/nodes/{identity}/devices", s.putDevices).Methods("PUT")
	r.HandleFunc("/nodes/{identity}/bundles/{device:[0-9]+}", s.getBundle).Methods("GET")
	r.HandleFunc("/nodes/{identity}/bundles/{device:[0-9]+}", s.putBundle).Methods("PUT")
	r.HandleFunc("/stanzas/{identity}", s.postStanza).Methods("POST")
	r.HandleFunc("/stanzas/{identity}", s.getStanzas).Methods("GET")
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and, when announce is set, registers the service with zeroconf. It returns the
// port it listens on.
func (s *Server) Start(addr string, announce bool) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 500 * time.Millisecond,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
	if announce {
		instance := fmt.Sprintf("omemo-%s", uuid.New().String()[:8])
		if s.zeroconf, err = zeroconf.Register(instance, serviceType, serviceDomain, port, []string{"path=/"}, nil); err != nil {
			_ = ln.Close()
			return 0, err
		}
		s.log.Infof("announced %s on port %d", instance, port)
	}
	go func() {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Warnf("error serving %v", err)
		}
	}()
	s.log.Infof("listening on port %d", port)
	return port, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.zeroconf != nil {
		s.zeroconf.Shutdown()
	}
	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		s.log.Debugf("%s %s %s", id, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return nil, false
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func writeBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func deviceAddress(r *http.Request) (address.Address, error) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["device"], 10, 32)
	if err != nil {
		return address.Address{}, err
	}
	addr := address.New(vars["identity"], uint32(id))
	if !addr.Valid() {
		return address.Address{}, fmt.Errorf("invalid address %s", addr)
	}
	return addr, nil
}

func (s *Server) getDevices(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	payload, ok := s.devices[mux.Vars(r)["identity"]]
	s.lock.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeBody(w, payload)
}

func (s *Server) putDevices(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if _, err := wire.DecodeDeviceList(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	identity := mux.Vars(r)["identity"]
	s.lock.Lock()
	s.devices[identity] = body
	s.lock.Unlock()
	s.log.Debugf("stored device list for %s", identity)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getBundle(w http.ResponseWriter, r *http.Request) {
	addr, err := deviceAddress(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.lock.Lock()
	payload, ok := s.bundles[addr]
	s.lock.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeBody(w, payload)
}

func (s *Server) putBundle(w http.ResponseWriter, r *http.Request) {
	addr, err := deviceAddress(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if _, err := wire.DecodeBundle(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.lock.Lock()
	s.bundles[addr] = body
	s.lock.Unlock()
	s.log.Debugf("stored bundle for %s", addr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postStanza(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	identity := mux.Vars(r)["identity"]
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.stanzas[identity]) >= maxQueued {
		http.Error(w, "queue full", http.StatusTooManyRequests)
		return
	}
	s.stanzas[identity] = append(s.stanzas[identity], body)
	w.WriteHeader(http.StatusAccepted)
}

// getStanzas hands out and forgets everything queued for the identity.
func (s *Server) getStanzas(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	s.lock.Lock()
	queued := s.stanzas[identity]
	delete(s.stanzas, identity)
	s.lock.Unlock()
	body, err := wire.Serialize(&Queue{Stanzas: queued})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeBody(w, body)
}
