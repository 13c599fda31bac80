// Package config defines the configuration for a peernet node.
//
// Regardless of how a node is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package. WithDefaults fills whatever was left out with the values
// of NewDefaultConfig, so a Config literal only needs the fields it changes.
//
// The data directory, Config.DataDir, may contain a few additional files:
//
//  peernet.toml // (optional) configuration file, also .yaml or .json
//  peers.json // (optional) a JSON array of bootstrap addresses
//  key.pem, cert.pem // (optional) TLS key and certificate
package config
