// Package services builds the engine's dependency graph from configuration.
//
// Build connects the relational store, the remote platform client, object
// storage for examples and release staging, and the optional NATS connection,
// then assembles the hierarchy store, reconciler, deployment manager and run
// service on top of them. Registry accessors hand the pieces to the worker
// and the API server; Close releases whatever Build opened.
package services
