// Command demo runs a server and two clients in one process, makes them edit
// the same document at once and prints the text they agree on.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/knemerzitski/notes-sub015/client/collab"
	"github.com/knemerzitski/notes-sub015/client/wsclient"
	"github.com/knemerzitski/notes-sub015/server/hub"
	"github.com/knemerzitski/notes-sub015/server/ot"
	"github.com/knemerzitski/notes-sub015/server/pubsub"
	"github.com/knemerzitski/notes-sub015/server/reconcile"
	"github.com/knemerzitski/notes-sub015/server/store"
)

var (
	edits   = flag.Int("edits", 20, "edits per client")
	verbose = flag.Bool("v", false, "log at debug level")
)

// edit inserts a word at a random position, or sometimes deletes the
// character before it.
func edit(rnd *rand.Rand, s *collab.Service, word, actor string) error {
	n := len([]rune(s.Text()))
	s.SetSelection(ot.Caret(rnd.Intn(n + 1)))
	if n > 0 && rnd.Intn(4) == 0 {
		return s.Delete(actor)
	}
	return s.Insert(word, actor)
}

func main() {
	flag.Parse()
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	broker := pubsub.NewLocal(logger)
	defer broker.Close()
	h := hub.New(reconcile.New(store.NewMemory(), reconcile.ClientRebase, logger), broker, logger)
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		log.Fatal(err)
	}
	go http.Serve(ln, h.Router())
	url := fmt.Sprintf("ws://%s/ws", ln.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var clients []*wsclient.Client
	for i := 0; i < 2; i++ {
		c, err := wsclient.Dial(ctx, url, "demo", wsclient.Options{Logger: logger})
		if err != nil {
			log.Fatal(err)
		}
		defer c.Close()
		go c.Run(ctx)
		clients = append(clients, c)
	}

	done := make(chan error, len(clients))
	for i, c := range clients {
		go func(i int, s *collab.Service) {
			rnd := rand.New(rand.NewSource(int64(i)))
			actor := fmt.Sprintf("client%d", i)
			for j := 0; j < *edits; j++ {
				if err := edit(rnd, s, fmt.Sprintf("%c", 'a'+i), actor); err != nil {
					done <- err
					return
				}
				time.Sleep(time.Duration(rnd.Intn(5)) * time.Millisecond)
			}
			done <- nil
		}(i, c.Session())
	}
	for range clients {
		if err := <-done; err != nil {
			log.Fatal(err)
		}
	}

	for {
		a, b := clients[0].Session(), clients[1].Session()
		if a.Status() == collab.Idle && b.Status() == collab.Idle &&
			a.Revision() == b.Revision() && a.Text() == b.Text() {
			fmt.Printf("revision %d: %q\n", a.Revision(), a.Text())
			return
		}
		select {
		case <-ctx.Done():
			log.Fatalf("clients did not converge: %q != %q", a.Text(), b.Text())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
