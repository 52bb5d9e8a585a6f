// alert-watch tails an escalation engine's event stream and prints each
// lifecycle frame, for operational debugging.
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "engine host:port")
	facility := flag.String("facility", "", "scope to one facility")
	category := flag.String("category", "", "scope to one category")
	flag.Parse()

	q := url.Values{}
	if *facility != "" {
		q.Set("facility", *facility)
	}
	if *category != "" {
		q.Set("category", *category)
	}
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws", RawQuery: q.Encode()}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", u.String(), err)
		os.Exit(1)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339), msg)
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}
