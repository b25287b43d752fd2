// Package cli implements novelhub-plugin, the command-line tool for plugin
// authors.
//
// # Commands
//
// init: Write a plugin.yaml for a new unit
//
//	novelhub-plugin init \
//		-dir ./units/source/royalroad \
//		-name royalroad \
//		-kind source
//
// validate: Check a unit's manifest and entry file
//
//	novelhub-plugin validate -dir ./units/source/royalroad
//
// probe: Load a unit with the host's loader and call it once. Sources
// answer GetCategories and, with -query, a search; exporters render a
// sample book.
//
//	novelhub-plugin probe -dir ./units/source/royalroad -query "mother of learning"
//	novelhub-plugin probe -dir ./units/exporter/text -out sample.txt
//
// list: Show every unit under a plugin directory
//
//	novelhub-plugin list -dir /var/lib/novelhub/plugins -json
package cli
