package forwarder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/mux"
)

// relay splices a client's control connection with the virtual connection the forwarder opened to its server.
type relay struct {
	client, server *mux.Conn

	closeOnce sync.Once
}

func (rl *relay) L() *slog.Logger {
	return slog.With("relay", rl.client.RemoteAddr().String(), "server", rl.server.Multiplexer().Remote().String())
}

// close tears down both sides, pending data is still delivered.
func (rl *relay) close() {
	rl.closeOnce.Do(func() {
		_ = rl.client.Close()
		_ = rl.server.Close()
	})
}

// run copies both ways until either side closes.
func (rl *relay) run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go rl.pipe(&wg, rl.server, rl.client, "client to server")
	go rl.pipe(&wg, rl.client, rl.server, "server to client")

	wg.Wait()
}

func (rl *relay) pipe(wg *sync.WaitGroup, dst, src *mux.Conn, dir string) {
	defer wg.Done()
	defer rl.close()

	n, err := io.Copy(dst, src)

	if err != nil && !errors.Is(err, mux.ErrSocketClosed) {
		rl.L().Debug("relay stopped", "dir", dir, "bytes", n, "err", err)
		return
	}
	rl.L().Log(context.Background(), types.LevelTrace, "relay done", "dir", dir, "bytes", n)
}
