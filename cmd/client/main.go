// Command client is an interactive terminal for the framed TCP protocol:
// each input line is sent as one frame and the response printed.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"bourse/pkg/wire"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "server address")
	timeout := flag.Duration("timeout", 10*time.Second, "response timeout")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()
	fmt.Printf("connected to %s\n", *addr)

	var leftover []byte
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := wire.Send(conn, []byte(line)); err != nil {
			log.Fatalf("send: %v", err)
		}
		reply, err := wire.Receive(conn, &leftover, *timeout)
		if err != nil {
			if errors.Is(err, wire.ErrConnectionClosed) {
				fmt.Println("connection closed")
				return
			}
			log.Fatalf("receive: %v", err)
		}
		fmt.Println(string(reply))

		if line == "EXIT" {
			return
		}
	}
}
