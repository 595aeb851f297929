// Package service orchestrates the core components of the
// exchange: per-asset order books, the settlement saga, the
// journal and the market data aggregator.
//
// It provides the API for submitting, cancelling and querying
// orders, decoupled from network transports like gRPC.
package service
