package blockclique

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer serves read access to the node state and operation submission over HTTP.
type APIServer struct {
	cfg       *Config
	processor *Processor
	router    *mux.Router
	server    *http.Server
	listener  net.Listener
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NodeStatus is returned by the status endpoint.
type NodeStatus struct {
	Protocol         string    `json:"protocol"`
	CurrentSlot      *Slot     `json:"current_slot,omitempty"`
	FinalSlot        Slot      `json:"final_slot"`
	LatestFinal      []BlockID `json:"latest_final"`
	LatestFinalSlots []Slot    `json:"latest_final_slots"`
	BestParents      []BlockID `json:"best_parents"`
	ActiveBlocks     int       `json:"active_blocks"`
	Cliques          int       `json:"cliques"`
}

// BlockInfo is returned by the block endpoint.
type BlockInfo struct {
	ID     BlockID     `json:"id"`
	Status BlockStatus `json:"status"`
	Block  *Block      `json:"block,omitempty"`
}

// NewAPIServer returns a new APIServer. Metrics are served from gatherer if it isn't nil.
func NewAPIServer(cfg *Config, processor *Processor, gatherer prometheus.Gatherer, logger *zap.Logger) *APIServer {
	s := &APIServer{
		cfg:       cfg,
		processor: processor,
		router:    mux.NewRouter(),
		logger:    logger.Named("api"),
	}
	s.router.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/graph", s.getGraph).Methods(http.MethodGet)
	s.router.HandleFunc("/blocks/{id}", s.getBlock).Methods(http.MethodGet)
	s.router.HandleFunc("/addresses/{address}", s.getAddress).Methods(http.MethodGet)
	s.router.HandleFunc("/draws", s.getDraws).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.getEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/operations", s.postOperation).Methods(http.MethodPost)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: cfg.MaxSendWait}
	return s
}

// Handler returns the API's router.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// Run starts serving the API on addr.
func (s *APIServer) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API listener stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Serving API", zap.Stringer("address", ln.Addr()))
	return nil
}

// Shutdown stops the API server synchronously.
func (s *APIServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MaxSendWait)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Shutting down API listener", zap.Error(err))
	}
	s.wg.Wait()
	s.logger.Info("API server shutdown")
}

func (s *APIServer) getStatus(w http.ResponseWriter, r *http.Request) {
	export := s.processor.Export()
	status := NodeStatus{
		Protocol:         Protocol,
		FinalSlot:        s.processor.final.Slot(),
		LatestFinal:      export.LatestFinal,
		LatestFinalSlots: export.LatestFinalSlots,
		BestParents:      export.BestParents,
		Cliques:          len(export.Cliques),
	}
	if current, ok := s.cfg.Clock().SlotAt(time.Now()); ok {
		status.CurrentSlot = &current
	}
	for _, b := range export.Blocks {
		if b.Status == BLOCK_ACTIVE {
			status.ActiveBlocks++
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) getGraph(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.processor.Export())
}

func (s *APIServer) getBlock(w http.ResponseWriter, r *http.Request) {
	var id BlockID
	if err := id.UnmarshalText([]byte(mux.Vars(r)["id"])); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	block, err := s.processor.GetBlock(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := s.processor.GetBlockStatus(id)
	if block == nil && status == BLOCK_UNKNOWN {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "block not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, BlockInfo{ID: id, Status: status, Block: block})
}

func (s *APIServer) getAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	info := s.processor.GetAddressInfo([]Address{addr})
	if len(info) == 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "node is shutting down"})
		return
	}
	s.writeJSON(w, http.StatusOK, info[0])
}

// getDraws serves the draws of the periods [start, end) of every thread
func (s *APIServer) getDraws(w http.ResponseWriter, r *http.Request) {
	start, end, err := periodRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if end < start || end-start > s.cfg.PeriodsPerCycle {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid period range"})
		return
	}
	draws, err := s.processor.GetSelectionDraws(NewSlot(start, 0), NewSlot(end, 0))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, draws)
}

func (s *APIServer) getEvents(w http.ResponseWriter, r *http.Request) {
	var start, end *Slot
	if v := r.URL.Query().Get("start"); len(v) != 0 {
		period, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		slot := NewSlot(period, 0)
		start = &slot
	}
	if v := r.URL.Query().Get("end"); len(v) != 0 {
		period, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		slot := NewSlot(period, 0)
		end = &slot
	}
	s.writeJSON(w, http.StatusOK, s.processor.GetEvents(start, end))
}

func (s *APIServer) postOperation(w http.ResponseWriter, r *http.Request) {
	var op Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := op.ID()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.processor.ProcessOperation(id, &op, ""); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]OperationID{"operation_id": id})
}

func periodRange(r *http.Request) (uint64, uint64, error) {
	start, err := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.ParseUint(r.URL.Query().Get("end"), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func (s *APIServer) writeError(w http.ResponseWriter, code int, err error) {
	s.logger.Debug("API request failed", zap.Int("code", code), zap.Error(err))
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Writing API response", zap.Error(err))
	}
}
