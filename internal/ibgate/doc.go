// Package ibgate is the client for the broker gateway: a REST surface for
// contract discovery and historical bars plus a websocket surface for
// market-data subscriptions, both served by the locally running gateway
// process. Session ties one connected client to a leased client id and a
// market-data mode.
//
// The gateway itself is an external collaborator; this package owns only
// the wire shapes and retry/pacing behavior the runners depend on.
package ibgate
