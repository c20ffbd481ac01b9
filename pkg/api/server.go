// Package api is the read-only HTTP gateway: REST endpoints for market and
// account state plus a WebSocket feed of settled trades. Order flow stays on
// the framed TCP protocol.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"bourse/pkg/exchange"
	"bourse/pkg/ledger"
)

// TradeHistory serves the recent-trades endpoint. Implemented by
// storage.PebbleStore; may be nil when persistence is disabled.
type TradeHistory interface {
	LoadRecentTrades(instrument string, limit int) ([]*exchange.Trade, error)
}

type Server struct {
	engine *exchange.Engine
	ledger *ledger.Ledger
	trades TradeHistory
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(engine *exchange.Engine, ledg *ledger.Ledger, trades TradeHistory, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine: engine,
		ledger: ledg,
		trades: trades,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/instruments", s.handleListInstruments).Methods("GET")
	api.HandleFunc("/instruments/{symbol}", s.handleGetInstrument).Methods("GET")
	api.HandleFunc("/instruments/{symbol}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/instruments/{symbol}/trades", s.handleGetTrades).Methods("GET")

	api.HandleFunc("/accounts/{client}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{client}/orders", s.handleGetOrders).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the gateway. Blocks until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// BroadcastTrade publishes a settled trade on its instrument's channel.
// Wire it to the engine with SetTradeListener; the hub's sends never block.
func (s *Server) BroadcastTrade(t *exchange.Trade) {
	s.hub.BroadcastToChannel("trades:"+t.Instrument, TradeUpdate{
		Type:      "trade",
		Symbol:    t.Instrument,
		Price:     t.Price,
		Qty:       t.Qty,
		Timestamp: t.Time.String(),
	})
}

// ---- REST handlers ----

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments := s.engine.Instruments()
	response := make([]InstrumentInfo, len(instruments))
	for i, ins := range instruments {
		response[i] = s.instrumentInfo(ins)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	ins, _, err := s.engine.ViewBook(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "instrument not found", err.Error())
		return
	}
	respondJSON(w, s.instrumentInfo(ins))
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	_, snap, err := s.engine.ViewBook(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "instrument not found", err.Error())
		return
	}

	bids := make([]PriceLevel, len(snap.Bids))
	for i, lvl := range snap.Bids {
		bids[i] = PriceLevel{Price: lvl.Price, Size: lvl.Qty}
	}
	asks := make([]PriceLevel, len(snap.Asks))
	for i, lvl := range snap.Asks {
		asks[i] = PriceLevel{Price: lvl.Price, Size: lvl.Qty}
	}

	respondJSON(w, BookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		LastPrice: snap.LastPrice,
		Pending:   snap.Pending,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if _, _, err := s.engine.ViewBook(symbol); err != nil {
		respondError(w, http.StatusNotFound, "instrument not found", err.Error())
		return
	}
	if s.trades == nil {
		respondJSON(w, []TradeInfo{})
		return
	}

	trades, err := s.trades.LoadRecentTrades(symbol, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "trade history unavailable", err.Error())
		return
	}
	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = TradeInfo{
			Symbol:    t.Instrument,
			Price:     t.Price,
			Qty:       t.Qty,
			Buyer:     t.Buyer,
			Seller:    t.Seller,
			Timestamp: t.Time.String(),
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	client := mux.Vars(r)["client"]
	snap, ok := s.ledger.Portfolio(client)
	if !ok {
		respondError(w, http.StatusNotFound, "account not found", client)
		return
	}
	respondJSON(w, AccountInfo{
		Client:         snap.Client,
		Cash:           snap.Cash,
		ReservedCash:   snap.ReservedCash,
		AvailableCash:  snap.AvailableCash(),
		Holdings:       snap.Holdings,
		ReservedShares: snap.ReservedShares,
	})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	client := mux.Vars(r)["client"]
	orders := s.engine.LiveOrders(client)
	orders = append(orders, s.engine.ClosedOrders(client)...)

	response := make([]OrderInfo, len(orders))
	for i := range orders {
		o := &orders[i]
		response[i] = OrderInfo{
			ID:         o.ID,
			Instrument: o.Instrument,
			Side:       o.Side.String(),
			Trigger:    o.Trigger.String(),
			Qty:        o.Qty,
			Limit:      o.Limit,
			Status:     o.Status.String(),
			Submitted:  o.Submitted.String(),
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) instrumentInfo(ins *exchange.Instrument) InstrumentInfo {
	_, snap, _ := s.engine.ViewBook(ins.ID)
	return InstrumentInfo{
		Symbol:    ins.ID,
		Name:      ins.Name,
		Issued:    ins.Issued,
		LastPrice: snap.LastPrice,
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: error, Message: message})
}
