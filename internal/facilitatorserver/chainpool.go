package facilitatorserver

import (
	"fmt"
	"math/big"
	"net/http"
	"sync"

	x402 "github.com/x402-go/x402"
	"github.com/x402-go/x402/mechanisms/evm/chainadapter"
	"github.com/x402-go/x402/pkg/network"
)

// chainPool lazily dials one *chainadapter.Adapter per network on
// first use and keeps it for the lifetime of the process, per spec
// §4.4/§5's "RPC clients created once, then read-only handles" model.
type chainPool struct {
	mu              sync.Mutex
	adapters        map[string]*chainadapter.Adapter
	rpcURLs         map[string]string
	operatingKeyHex string
}

func newChainPool(rpcURLs map[string]string, operatingKeyHex string) *chainPool {
	return &chainPool{
		adapters:        make(map[string]*chainadapter.Adapter),
		rpcURLs:         rpcURLs,
		operatingKeyHex: operatingKeyHex,
	}
}

// get returns the adapter bound to networkID, dialing it on first use.
func (p *chainPool) get(networkID string) (*chainadapter.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.adapters[networkID]; ok {
		return a, nil
	}

	net, err := network.Lookup(networkID)
	if err != nil {
		return nil, x402.NewStatusError(err, http.StatusBadRequest)
	}
	rpcURL, ok := p.rpcURLs[networkID]
	if !ok || rpcURL == "" {
		rpcURL = net.DefaultRPCURL
	}

	adapter, err := chainadapter.New(rpcURL, big.NewInt(net.ChainID), p.operatingKeyHex)
	if err != nil {
		return nil, x402.NewStatusError(fmt.Errorf("dial chain adapter for %q: %w", networkID, err), http.StatusServiceUnavailable)
	}
	p.adapters[networkID] = adapter
	return adapter, nil
}
