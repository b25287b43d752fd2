// Package novel defines the content records exchanged with source plugins
// and the two capability contracts plugins implement.
//
// A Source provides search, detail, chapter and listing operations for one
// content provider. An Exporter renders a Book into an output format.
//
// Records are identified by (Source, Slug). Slugs are only unique within the
// source that produced them; cross-source identity is established by the
// aggregator's reconciliation, never by comparing slugs.
package novel
