package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bhesmans/quicly"
	"github.com/bhesmans/quicly/transport"
)

func clientCommand(args []string) error {
	cmd := flag.NewFlagSet("client", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:0", "listen on the given IP:port")
	data := cmd.String("data", "GET /\r\n", "sending data")
	verbose := cmd.Bool("v", false, "debug logging")
	cmd.Parse(args)

	addr := cmd.Arg(0)
	if addr == "" {
		fmt.Fprintln(cmd.Output(), "Usage: quicly client [options] <address>")
		cmd.PrintDefaults()
		return nil
	}
	config := quicly.NewConfig()
	handler := clientHandler{}
	client := quicly.NewClient(config)
	client.SetHandler(&handler)
	if *verbose {
		client.SetLogLevel(logrus.DebugLevel)
	}
	if err := client.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	handler.wg.Add(1)
	c, err := client.Connect(addr, serverName(addr))
	if err != nil {
		return err
	}
	st, err := c.OpenStream()
	if err != nil {
		return err
	}
	handler.attach(c, st)
	c.Do(func(*transport.Conn) {
		st.Write([]byte(*data))
		st.Shutdown()
	})
	handler.wg.Wait()
	return client.Close()
}

type clientHandler struct {
	wg sync.WaitGroup
}

// Serve handles server-initiated streams; the demo only reads them.
func (s *clientHandler) Serve(c *quicly.Conn, st *transport.Stream) {
	s.attach(c, st)
}

func (s *clientHandler) attach(c *quicly.Conn, st *transport.Stream) {
	st.OnUpdate(func(st *transport.Stream) {
		buf := make([]byte, 4096)
		for {
			n, err := st.Read(buf)
			if n > 0 {
				fmt.Printf("stream %d received:\n%s", st.ID(), buf[:n])
			}
			if err == io.EOF {
				st.Close()
				s.wg.Done()
				return
			}
			if n == 0 {
				return
			}
		}
	})
}

func serverName(s string) string {
	colon := strings.LastIndex(s, ":")
	if colon > 0 {
		bracket := strings.LastIndex(s, "]")
		if colon > bracket {
			return s[:colon]
		}
	}
	return s
}
