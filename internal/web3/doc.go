// Package web3 houses blockchain connectivity for the marketplace core:
// read-only access to the on-chain identity/reputation registries that back
// the fused reputation score. It exposes a chain-agnostic Client interface,
// multi-chain configuration helpers, and an EVM implementation under
// web3/ethereum. The core never writes to the chain; contract deployment and
// registry writes belong to the excluded contract-bindings tooling.
package web3
