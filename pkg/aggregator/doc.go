// Package aggregator is the content front door of novelhub. It routes
// single-source calls to named source plugins and reconciles one work across
// every loaded source.
//
// A reconciliation candidate qualifies only with exactly the seed's
// normalized title; author overlap ranks qualifying candidates. The
// tie-break policy is provisional. Each source is searched once per seed, with a
// per-branch timeout, and sources that fail simply drop out of the result.
package aggregator
