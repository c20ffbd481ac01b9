package server

import (
	"fmt"
	"strconv"
	"strings"

	"bourse/pkg/exchange"
)

type commandKind int

const (
	cmdLogin commandKind = iota + 1
	cmdOrder
	cmdCancel
	cmdViewMarket
	cmdViewPortfolio
	cmdViewPending
	cmdViewCompleted
	cmdDeposit
	cmdWithdraw
	cmdExit
)

// command is one parsed request line.
type command struct {
	kind       commandKind
	login      string
	order      exchange.SubmitRequest // Client filled in by the session
	orderID    string
	instrument string
	amount     int64 // cents, for DEPOSIT/WITHDRAW
}

// parseCommand parses one protocol line. Grammar:
//
//	LOGIN <client>
//	BUY|SELL <qty> <instrument> <trigger> [prices...] GTC
//	BUY|SELL <qty> <instrument> <trigger> [prices...] <YYYY-MM-DD> <HH:MM:SS.mmm>
//	CANCEL <order-id>
//	VIEW MARKET <instrument> | VIEW PORTFOLIO | VIEW PENDING | VIEW COMPLETED
//	DEPOSIT <amount> | WITHDRAW <amount>
//	EXIT
//
// Prices per trigger kind: MARKET none; LIMIT <limit>; STOP <price>
// <trigger>; LIMIT_STOP <limit> <lower> <upper>.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, fmt.Errorf("empty command")
	}

	switch fields[0] {
	case "LOGIN":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: LOGIN <client>")
		}
		return command{kind: cmdLogin, login: fields[1]}, nil

	case "BUY", "SELL":
		return parseOrder(fields)

	case "CANCEL":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: CANCEL <order-id>")
		}
		return command{kind: cmdCancel, orderID: fields[1]}, nil

	case "VIEW":
		if len(fields) < 2 {
			return command{}, fmt.Errorf("usage: VIEW MARKET|PORTFOLIO|PENDING|COMPLETED")
		}
		switch fields[1] {
		case "MARKET":
			if len(fields) != 3 {
				return command{}, fmt.Errorf("usage: VIEW MARKET <instrument>")
			}
			return command{kind: cmdViewMarket, instrument: fields[2]}, nil
		case "PORTFOLIO":
			return command{kind: cmdViewPortfolio}, nil
		case "PENDING":
			return command{kind: cmdViewPending}, nil
		case "COMPLETED":
			return command{kind: cmdViewCompleted}, nil
		}
		return command{}, fmt.Errorf("unknown VIEW option %q", fields[1])

	case "DEPOSIT", "WITHDRAW":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: %s <amount>", fields[0])
		}
		amount, err := exchange.ParsePrice(fields[1])
		if err != nil {
			return command{}, err
		}
		kind := cmdDeposit
		if fields[0] == "WITHDRAW" {
			kind = cmdWithdraw
		}
		return command{kind: kind, amount: amount}, nil

	case "EXIT":
		return command{kind: cmdExit}, nil
	}
	return command{}, fmt.Errorf("unknown command %q", fields[0])
}

func parseOrder(fields []string) (command, error) {
	side, _ := exchange.ParseSide(fields[0])
	if len(fields) < 5 {
		return command{}, fmt.Errorf("usage: %s <qty> <instrument> <trigger> [prices...] <expiration>", fields[0])
	}

	qty, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || qty <= 0 {
		return command{}, fmt.Errorf("bad quantity %q", fields[1])
	}

	trigger, ok := exchange.ParseTrigger(fields[3])
	if !ok {
		return command{}, fmt.Errorf("unknown trigger kind %q", fields[3])
	}

	req := exchange.SubmitRequest{
		Instrument: fields[2],
		Side:       side,
		Trigger:    trigger,
		Qty:        qty,
	}

	rest := fields[4:]
	var nPrices int
	switch trigger {
	case exchange.Market:
		nPrices = 0
	case exchange.Limit:
		nPrices = 1
	case exchange.Stop:
		nPrices = 2
	case exchange.LimitStop:
		nPrices = 3
	}
	if len(rest) < nPrices {
		return command{}, fmt.Errorf("%s expects %d price(s)", trigger, nPrices)
	}
	prices := make([]int64, nPrices)
	for i := 0; i < nPrices; i++ {
		p, err := exchange.ParsePrice(rest[i])
		if err != nil {
			return command{}, err
		}
		prices[i] = p
	}
	switch trigger {
	case exchange.Limit:
		req.Limit = prices[0]
	case exchange.Stop:
		// Execution price, then the trigger bound the side crosses.
		req.Limit = prices[0]
		if side == exchange.Buy {
			req.TriggerHi = prices[1]
		} else {
			req.TriggerLo = prices[1]
		}
	case exchange.LimitStop:
		req.Limit, req.TriggerLo, req.TriggerHi = prices[0], prices[1], prices[2]
	}

	exp := rest[nPrices:]
	switch {
	case len(exp) == 1 && exp[0] == "GTC":
		// zero Timestamp: never expires
	case len(exp) == 2:
		ts, err := exchange.ParseTimestamp(exp[0], exp[1])
		if err != nil {
			return command{}, err
		}
		req.Expires = ts
	default:
		return command{}, fmt.Errorf("expiration must be GTC or <date> <time>")
	}

	return command{kind: cmdOrder, order: req}, nil
}
