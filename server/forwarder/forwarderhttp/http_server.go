package forwarderhttp

import (
	"net/http"

	"github.com/edup2p/natlayer/server/forwarder"
	"github.com/edup2p/natlayer/types/dial"
	"github.com/edup2p/natlayer/types/transport"
)

// ServerHandler serves legs that arrive as HTTP upgrades, as dialed by transport.HTTP.
func ServerHandler(s *forwarder.Server) http.Handler {
	return dial.UpgradeHandler(s, transport.UpgradeProtocol)
}
