// Package service implements the HTTP API of a peernet node.
//
// 	/stats     counters of the network
// 	/peers     the records of the peer registry
// 	/channels  the open channels
// 	/metrics   prometheus metrics
package service
