// Package contracts defines the shared data model of the framework: the
// message context and actor carried with every call, the declarative contract
// (events, requests, errors, roles) exchanged between client and server, and
// the wire envelope used by transports.
package contracts
