// Package server speaks the framed TCP protocol: one goroutine per
// connection, LOGIN establishes the session's account, and every subsequent
// frame is a command line answered by exactly one response frame.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bourse/pkg/exchange"
	"bourse/pkg/ledger"
	"bourse/pkg/wire"
)

type Server struct {
	engine  *exchange.Engine
	ledger  *ledger.Ledger
	log     *zap.SugaredLogger
	timeout time.Duration // per-receive; idle connections are dropped

	// startingCash seeds accounts created on first LOGIN.
	startingCash int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(engine *exchange.Engine, ledg *ledger.Ledger, startingCash int64, timeout time.Duration, log *zap.SugaredLogger) *Server {
	return &Server{
		engine:       engine,
		ledger:       ledg,
		log:          log,
		timeout:      timeout,
		startingCash: startingCash,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on lis until ctx is cancelled. It closes lis and
// every open connection on the way out.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn)
		go s.handle(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// session is the per-connection state.
type session struct {
	client   string
	leftover []byte
}

func (s *Server) handle(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.log.Infow("client_connected", "remote", remote)

	var sess session
	for {
		payload, err := wire.Receive(conn, &sess.leftover, s.timeout)
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrConnectionClosed):
				s.log.Infow("client_disconnected", "remote", remote, "client", sess.client)
			case errors.Is(err, wire.ErrTimeout):
				s.log.Infow("client_timed_out", "remote", remote, "client", sess.client)
			default:
				s.log.Warnw("receive_failed", "remote", remote, "err", err)
			}
			return
		}

		reply, exit := s.dispatch(&sess, string(payload))
		if err := wire.Send(conn, []byte(reply)); err != nil {
			s.log.Warnw("send_failed", "remote", remote, "err", err)
			return
		}
		if exit {
			s.log.Infow("client_exited", "remote", remote, "client", sess.client)
			return
		}
	}
}

// dispatch executes one command line and returns the response payload. The
// second return value requests connection close after the response is sent.
func (s *Server) dispatch(sess *session, line string) (string, bool) {
	cmd, err := parseCommand(line)
	if err != nil {
		return "ERROR " + err.Error(), false
	}

	if cmd.kind == cmdExit {
		return "OK BYE", true
	}
	if cmd.kind == cmdLogin {
		snap := s.ledger.Open(cmd.login, s.startingCash)
		sess.client = cmd.login
		return fmt.Sprintf("OK LOGIN %s CASH %s", snap.Client, exchange.FormatPrice(snap.Cash)), false
	}
	if sess.client == "" {
		return "ERROR not logged in", false
	}

	switch cmd.kind {
	case cmdOrder:
		cmd.order.Client = sess.client
		res, err := s.engine.Submit(cmd.order)
		if err != nil {
			return "ERROR " + err.Error(), false
		}
		return formatSubmit(res), false

	case cmdCancel:
		o, err := s.engine.Cancel(sess.client, cmd.orderID)
		if err != nil {
			return "ERROR " + err.Error(), false
		}
		return fmt.Sprintf("OK CANCEL %s %s", o.ID, o.Status), false

	case cmdViewMarket:
		ins, snap, err := s.engine.ViewBook(cmd.instrument)
		if err != nil {
			return "ERROR " + err.Error(), false
		}
		return formatMarket(ins, snap), false

	case cmdViewPortfolio:
		snap, ok := s.ledger.Portfolio(sess.client)
		if !ok {
			return "ERROR " + exchange.ErrUnknownAccount.Error(), false
		}
		return formatPortfolio(snap), false

	case cmdViewPending:
		return formatOrders("OK PENDING", s.engine.LiveOrders(sess.client)), false

	case cmdViewCompleted:
		return formatOrders("OK COMPLETED", s.engine.ClosedOrders(sess.client)), false

	case cmdDeposit:
		snap, err := s.ledger.Deposit(sess.client, cmd.amount)
		if err != nil {
			return "ERROR " + err.Error(), false
		}
		return "OK DEPOSIT CASH " + exchange.FormatPrice(snap.Cash), false

	case cmdWithdraw:
		snap, err := s.ledger.Withdraw(sess.client, cmd.amount)
		if err != nil {
			return "ERROR " + err.Error(), false
		}
		return "OK WITHDRAW CASH " + exchange.FormatPrice(snap.Cash), false
	}
	return "ERROR unknown command", false
}

func formatSubmit(res exchange.SubmitResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OK ORDER %s %s", res.Order.ID, res.Order.Status)
	for _, t := range res.Trades {
		fmt.Fprintf(&b, "\nTRADE %d %s @ %s %s/%s",
			t.Qty, t.Instrument, exchange.FormatPrice(t.Price), t.BuyOrder, t.SellOrder)
	}
	return b.String()
}

func formatMarket(ins *exchange.Instrument, snap exchange.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OK MARKET %s %q ISSUED %d LAST %s",
		ins.ID, ins.Name, ins.Issued, exchange.FormatPrice(snap.LastPrice))
	for _, lvl := range snap.Bids {
		fmt.Fprintf(&b, "\nBID %s x %d", exchange.FormatPrice(lvl.Price), lvl.Qty)
	}
	for _, lvl := range snap.Asks {
		fmt.Fprintf(&b, "\nASK %s x %d", exchange.FormatPrice(lvl.Price), lvl.Qty)
	}
	return b.String()
}

func formatPortfolio(snap ledger.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OK PORTFOLIO CASH %s RESERVED %s",
		exchange.FormatPrice(snap.Cash), exchange.FormatPrice(snap.ReservedCash))

	symbols := make([]string, 0, len(snap.Holdings))
	for sym := range snap.Holdings {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		fmt.Fprintf(&b, "\nHOLDING %s %d RESERVED %d",
			sym, snap.Holdings[sym], snap.ReservedShares[sym])
	}
	return b.String()
}

func formatOrders(header string, orders []exchange.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", header, len(orders))
	for i := range orders {
		o := &orders[i]
		fmt.Fprintf(&b, "\nORDER %s %s %d %s %s", o.ID, o.Side, o.Qty, o.Instrument, o.Trigger)
		if o.Limit > 0 {
			b.WriteString(" " + exchange.FormatPrice(o.Limit))
		}
		fmt.Fprintf(&b, " %s %s", o.Status, o.Submitted)
	}
	return b.String()
}
