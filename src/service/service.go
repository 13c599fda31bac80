package service

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/mosaicnetworks/peernet/src/node"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// PeerView is the JSON form of a registry record.
type PeerView struct {
	Address        string    `json:"address"`
	Status         string    `json:"status"`
	Direction      string    `json:"direction"`
	LastActivityAt time.Time `json:"last_activity_at"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// ChannelView is the JSON form of an open channel.
type ChannelView struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Inbound  bool   `json:"inbound"`
	State    string `json:"state"`
	Discard  bool   `json:"discard"`
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
}

// Service exposes the state of a Network over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	network     *node.Network
	mux         *http.ServeMux
	server      *http.Server
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Network, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		network:     n,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers on the mux of the service. Each
// Service has its own mux so that several nodes can run in one process.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering peernet API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	s.mux.HandleFunc("/channels", s.makeHandler(s.GetChannels))
	s.mux.HandleFunc("/metrics", s.makeHandler(promhttp.Handler().ServeHTTP))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the mux of the service.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving peernet API")

	s.Lock()
	s.server = &http.Server{
		Addr:    s.bindAddress,
		Handler: s.mux,
	}
	server := s.server
	s.Unlock()

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Close stops the HTTP server started by Serve.
func (s *Service) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	s.encode(w, s.network.Stats())
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	records := s.network.Peers()

	res := make([]PeerView, 0, len(records))
	for _, rec := range records {
		res = append(res, PeerView{
			Address:        rec.Address.String(),
			Status:         rec.Status.String(),
			Direction:      rec.Direction.String(),
			LastActivityAt: rec.LastActivityAt,
			DiscoveredAt:   rec.DiscoveredAt,
		})
	}

	s.encode(w, res)
}

// GetChannels ...
func (s *Service) GetChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.network.Channels()

	res := make([]ChannelView, 0, len(channels))
	for _, ch := range channels {
		res = append(res, ChannelView{
			ID:       ch.ID(),
			Address:  ch.Address().String(),
			Inbound:  ch.Inbound(),
			State:    ch.State().String(),
			Discard:  ch.Discarding(),
			BytesIn:  ch.BytesIn(),
			BytesOut: ch.BytesOut(),
		})
	}

	s.encode(w, res)
}

func (s *Service) encode(w http.ResponseWriter, v interface{}) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		s.logger.WithError(err).Error("Encoding response")

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	w.Write(b.Bytes())
}
