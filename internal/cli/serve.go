package cli

import (
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/ardnew/virtwl/host"
	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/queue/memq"
	"github.com/ardnew/virtwl/queue/streamq"
	"github.com/ardnew/virtwl/shm"
	"github.com/ardnew/virtwl/wire"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a host endpoint on a listening socket",
	Long: `Serve listens for device connections and answers the relay protocol.
Each session is a pair of connections from one device: the first carries
its requests, the second its receive buffers.`,
	RunE: runServe,
}

var (
	serveNetwork string
	serveAddr    string
	serveSlots   int
	serveEcho    bool
)

func init() {
	serveCmd.Flags().StringVar(&serveNetwork, "network", "tcp", "listen network (tcp, unix, vsock)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:9440", "listen address (vsock: port)")
	serveCmd.Flags().IntVar(&serveSlots, "slots", 16, "queue slots per direction")
	serveCmd.Flags().BoolVar(&serveEcho, "echo", false, "push every send's payload back at its source")
}

func runServe(cmd *cobra.Command, args []string) error {
	ln, err := listen(serveNetwork, serveAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	fmt.Printf("listening on %s %s\n", serveNetwork, ln.Addr())

	for {
		reqConn, err := ln.Accept()
		if err != nil {
			return err
		}
		recvConn, err := ln.Accept()
		if err != nil {
			reqConn.Close()
			return err
		}
		go serveSession(reqConn, recvConn)
	}
}

// serveSession runs one device session: an in-process host over a memq
// pair, with each memq end bridged to its stream connection.
func serveSession(reqConn, recvConn net.Conn) {
	pool := shm.NewPool()
	outQ := memq.New(serveSlots)
	inQ := memq.New(serveSlots)

	h := host.New(inQ, outQ, pool)
	h.SetEcho(serveEcho)
	h.Start()
	defer func() {
		h.Close()
		outQ.Close()
		inQ.Close()
		pool.Close()
	}()

	done := make(chan struct{}, 2)
	go bridge(streamq.NewPeer(reqConn), outQ, done)
	go bridge(streamq.NewPeer(recvConn), inQ, done)
	<-done
}

// bridgeTok carries one relayed submission through the memq.
type bridgeTok struct {
	req streamq.Request
	in  []byte
}

// bridge relays tagged stream requests into a memq and their completions
// back out. It returns when either side fails.
func bridge(p *streamq.Peer, q *memq.Queue, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	defer p.Close()

	freed := make(chan struct{}, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			select {
			case <-q.Ready():
			case <-stop:
				return
			}
			for {
				c, ok := q.Next()
				if !ok {
					break
				}
				tok := c.Token.(bridgeTok)
				if err := p.Complete(tok.req, tok.in[:c.Len]); err != nil {
					return
				}
				select {
				case freed <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		req, err := p.Next()
		if err != nil {
			return
		}
		in := make([]byte, wire.BufferSize)
		for {
			err = q.Submit(req.Body, in, bridgeTok{req: req, in: in})
			if err == nil {
				break
			}
			if errors.Is(err, pkg.ErrQueueFull) {
				select {
				case <-freed:
					continue
				case <-stop:
					return
				}
			}
			pkg.LogError(pkg.ComponentQueue, "bridge submit failed", "err", err)
			return
		}
		q.Kick()
	}
}
