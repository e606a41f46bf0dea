// Package storage provides record store backends for drop and fragment
// metadata. All backends implement interfaces.RecordStore over
// slash-separated keys and are selected by URI scheme through the
// StoreFactory: memory for tests, file for single-node deployments, S3
// and Vault for durable owner-side state.
package storage
