package server

import (
	"testing"

	"bourse/pkg/exchange"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
		check   func(t *testing.T, c command)
	}{
		{
			name: "login",
			line: "LOGIN alice",
			check: func(t *testing.T, c command) {
				if c.kind != cmdLogin || c.login != "alice" {
					t.Fatalf("got %+v", c)
				}
			},
		},
		{name: "login missing arg", line: "LOGIN", wantErr: true},
		{
			name: "limit buy gtc",
			line: "BUY 5 AAPL LIMIT 100.50 GTC",
			check: func(t *testing.T, c command) {
				o := c.order
				if o.Side != exchange.Buy || o.Trigger != exchange.Limit {
					t.Fatalf("got %+v", o)
				}
				if o.Qty != 5 || o.Limit != 10050 {
					t.Fatalf("qty/limit = %d/%d", o.Qty, o.Limit)
				}
				if !o.Expires.IsZero() {
					t.Fatalf("GTC must leave expiration zero: %+v", o.Expires)
				}
			},
		},
		{
			name: "market sell",
			line: "SELL 3 MSFT MARKET GTC",
			check: func(t *testing.T, c command) {
				o := c.order
				if o.Side != exchange.Sell || o.Trigger != exchange.Market || o.Limit != 0 {
					t.Fatalf("got %+v", o)
				}
			},
		},
		{
			name: "stop buy maps trigger to upper bound",
			line: "BUY 2 AAPL STOP 112.00 110.00 GTC",
			check: func(t *testing.T, c command) {
				o := c.order
				if o.Limit != 11200 {
					t.Fatalf("limit = %d", o.Limit)
				}
				if o.TriggerHi != 11000 || o.TriggerLo != 0 {
					t.Fatalf("bounds = %d/%d", o.TriggerLo, o.TriggerHi)
				}
			},
		},
		{
			name: "stop sell maps trigger to lower bound",
			line: "SELL 2 AAPL STOP 88.00 90.00 GTC",
			check: func(t *testing.T, c command) {
				o := c.order
				if o.Limit != 8800 {
					t.Fatalf("limit = %d", o.Limit)
				}
				if o.TriggerLo != 9000 || o.TriggerHi != 0 {
					t.Fatalf("bounds = %d/%d", o.TriggerLo, o.TriggerHi)
				}
			},
		},
		{name: "stop missing trigger price", line: "BUY 2 AAPL STOP 110.00 GTC", wantErr: true},
		{
			name: "limit stop with window",
			line: "BUY 1 AAPL LIMIT_STOP 95.00 90.00 110.00 GTC",
			check: func(t *testing.T, c command) {
				o := c.order
				if o.Limit != 9500 || o.TriggerLo != 9000 || o.TriggerHi != 11000 {
					t.Fatalf("got %+v", o)
				}
			},
		},
		{
			name: "expiration timestamp",
			line: "BUY 1 AAPL LIMIT 100.00 2026-09-01 15:30:00.000",
			check: func(t *testing.T, c command) {
				if c.order.Expires.IsZero() {
					t.Fatal("expiration not parsed")
				}
				want := "2026-09-01 15:30:00.000"
				if got := c.order.Expires.String(); got != want {
					t.Fatalf("expires = %s, want %s", got, want)
				}
			},
		},
		{name: "order missing expiration", line: "BUY 5 AAPL LIMIT 100.00", wantErr: true},
		{name: "order zero qty", line: "BUY 0 AAPL LIMIT 100.00 GTC", wantErr: true},
		{name: "order bad qty", line: "BUY five AAPL LIMIT 100.00 GTC", wantErr: true},
		{name: "order bad trigger", line: "BUY 5 AAPL TRAILING 100.00 GTC", wantErr: true},
		{name: "limit stop too few prices", line: "BUY 1 AAPL LIMIT_STOP 95.00 GTC", wantErr: true},
		{name: "bad price", line: "BUY 5 AAPL LIMIT 100.123 GTC", wantErr: true},
		{
			name: "cancel",
			line: "CANCEL alice-7",
			check: func(t *testing.T, c command) {
				if c.kind != cmdCancel || c.orderID != "alice-7" {
					t.Fatalf("got %+v", c)
				}
			},
		},
		{
			name: "view market",
			line: "VIEW MARKET AAPL",
			check: func(t *testing.T, c command) {
				if c.kind != cmdViewMarket || c.instrument != "AAPL" {
					t.Fatalf("got %+v", c)
				}
			},
		},
		{name: "view market missing symbol", line: "VIEW MARKET", wantErr: true},
		{
			name: "view portfolio",
			line: "VIEW PORTFOLIO",
			check: func(t *testing.T, c command) {
				if c.kind != cmdViewPortfolio {
					t.Fatalf("got %+v", c)
				}
			},
		},
		{name: "view unknown", line: "VIEW EVERYTHING", wantErr: true},
		{
			name: "deposit",
			line: "DEPOSIT 250.00",
			check: func(t *testing.T, c command) {
				if c.kind != cmdDeposit || c.amount != 25000 {
					t.Fatalf("got %+v", c)
				}
			},
		},
		{
			name: "withdraw",
			line: "WITHDRAW 10.50",
			check: func(t *testing.T, c command) {
				if c.kind != cmdWithdraw || c.amount != 1050 {
					t.Fatalf("got %+v", c)
				}
			},
		},
		{
			name: "exit",
			line: "EXIT",
			check: func(t *testing.T, c command) {
				if c.kind != cmdExit {
					t.Fatalf("got %+v", c)
				}
			},
		},
		{name: "empty", line: "", wantErr: true},
		{name: "unknown verb", line: "HELLO world", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := parseCommand(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parsed %q as %+v, want error", tt.line, c)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tt.line, err)
			}
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}
