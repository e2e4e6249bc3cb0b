// Package config loads the MoltMarket daemon configuration from a JSON file
// and fills in conservative defaults for anything the operator leaves out.
// Chain endpoints are defined separately in a YAML chain-definitions file
// consumed by the web3 provider registry.
package config
