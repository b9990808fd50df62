package main

import (
	"context"
	"fmt"

	"github.com/contractmesh/dimebox/pkg/chain"
	"github.com/contractmesh/dimebox/pkg/contracts"
	"github.com/contractmesh/dimebox/pkg/crypto"
)

// passthroughEngine accepts every envelope and echoes its input as the
// result. Real deployments plug a contract runtime in here; the passthrough
// keeps a bare node useful for integration testing the exchange protocol.
type passthroughEngine struct{}

func (passthroughEngine) Handle(_ context.Context, _ *crypto.Identity, env *contracts.Envelope) (*contracts.Envelope, error) {
	result := *env
	result.Signatures = nil
	return &result, nil
}

// unavailableChain reports every chain operation as failed so chaincode
// events remain pending until an endpoint is configured.
type unavailableChain struct{}

func (unavailableChain) Submit(context.Context, []byte) (string, error) {
	return "", fmt.Errorf("chain: no endpoint configured")
}

func (unavailableChain) Status(context.Context, string) (chain.Confirmation, error) {
	return chain.Confirmation{}, fmt.Errorf("chain: no endpoint configured")
}
