// Package monitor defines the domain types, error taxonomy, and collaborator
// interfaces shared by the listing monitor pipeline: fetch, extract, dedupe,
// resolve, and dispatch.
package monitor
